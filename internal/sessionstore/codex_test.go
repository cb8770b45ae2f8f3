package sessionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCodexFixture(t *testing.T, home, cwd, sessionID string) string {
	t.Helper()
	dir := filepath.Join(home, ".codex", "sessions", "2026", "01", "01")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "rollout-20260101-"+sessionID+".jsonl")

	lines := []string{
		`{"type":"session_meta","payload":{"id":"` + sessionID + `","cwd":"` + cwd + `","timestamp":"2026-01-01T00:00:00Z"}}`,
		`{"type":"response_item","payload":{"role":"system","type":"message","content":[{"type":"input_text","text":"<environment_details>\nshould be filtered\n</environment_details>"}]}}`,
		`{"type":"response_item","payload":{"role":"user","type":"message","content":[{"type":"input_text","text":"fix the bug"}]}}`,
		`{"type":"response_item","payload":{"role":"assistant","type":"message","content":[{"type":"output_text","text":"done"}]}}`,
		`{"type":"response_item","payload":{"role":"user","type":"message","content":[{"type":"input_text","text":"# AGENTS.md banner injected here"}]}}`,
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCodexStoreListAndLoad(t *testing.T) {
	home := t.TempDir()
	cwd := "/home/dev/project"
	sessionID := "c0ffee00-0000-0000-0000-000000000000"
	writeCodexFixture(t, home, cwd, sessionID)

	store := NewCodexStoreAt(home)
	sessions, err := store.ListSessions(cwd)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].SessionID)
	assert.Equal(t, "fix the bug", sessions[0].Title)

	messages, err := store.LoadSessionMessages(sessionID, cwd)
	require.NoError(t, err)
	require.Len(t, messages, 2, "system banner and AGENTS.md banner must be filtered out")
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "fix the bug", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestIsSyntheticCodexBlock(t *testing.T) {
	assert.True(t, isSyntheticCodexBlock("<system_instructions>do x</system_instructions>"))
	assert.True(t, isSyntheticCodexBlock("# AGENTS.md\nsome content"))
	assert.False(t, isSyntheticCodexBlock("please fix the login bug"))
	assert.True(t, isSyntheticCodexBlock(""))
}

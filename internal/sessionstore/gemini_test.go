package sessionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGeminiFixture(t *testing.T, home, cwd, filename, content string) {
	t.Helper()
	dir := filepath.Join(home, ".gemini", "tmp", geminiProjectHash(cwd), "chats")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

func TestGeminiStoreListSessions(t *testing.T) {
	home := t.TempDir()
	cwd := "/home/dev/project"
	writeGeminiFixture(t, home, cwd, "session-2026-01-01T00-00-abcd1234.json", `{
		"sessionId": "abcd1234-5678-90ab-cdef-000000000000",
		"lastUpdated": "2026-01-01T00:00:00Z",
		"messages": [
			{"type": "user", "content": "what's the weather"},
			{"type": "gemini", "content": "sunny"}
		]
	}`)

	store := NewGeminiStoreAt(home)
	sessions, err := store.ListSessions(cwd)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abcd1234-5678-90ab-cdef-000000000000", sessions[0].SessionID)
	assert.Equal(t, "what's the weather", sessions[0].Title)
}

func TestGeminiStoreFindsSessionByShortIDThenLoads(t *testing.T) {
	home := t.TempDir()
	cwd := "/home/dev/project"
	fullID := "abcd1234-5678-90ab-cdef-000000000000"
	writeGeminiFixture(t, home, cwd, "session-2026-01-01T00-00-abcd1234.json", `{
		"sessionId": "`+fullID+`",
		"startTime": "2026-01-01T00:00:00Z",
		"messages": [
			{"type": "user", "content": "hi"},
			{"type": "gemini", "content": "hello"},
			{"type": "error", "content": "should be skipped"}
		]
	}`)

	store := NewGeminiStoreAt(home)
	messages, err := store.LoadSessionMessages(fullID, cwd)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestGeminiStoreMissingSessionReturnsEmpty(t *testing.T) {
	store := NewGeminiStoreAt(t.TempDir())
	messages, err := store.LoadSessionMessages("nope-1234", "/x")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestGeminiShortIDExtraction(t *testing.T) {
	assert.Equal(t, "abcd1234", geminiShortID("abcd1234-5678-90ab"))
	assert.Equal(t, "nohyphen", geminiShortID("nohyphens"))
}

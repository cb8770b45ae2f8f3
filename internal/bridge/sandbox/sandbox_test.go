package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesMode0700Dir(t *testing.T) {
	sb, err := New("sess-1")
	require.NoError(t, err)
	defer sb.Cleanup()

	info, err := os.Stat(sb.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestWriteMCPConfigWrapsServersUnderKey(t *testing.T) {
	sb, err := New("sess-2")
	require.NoError(t, err)
	defer sb.Cleanup()

	servers := map[string]any{"fs": map[string]any{"command": "mcp-fs"}}
	path, err := sb.WriteMCPConfig(servers)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.Dir(), "mcp-config.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mcpServers"`)
	assert.Contains(t, string(data), `"command": "mcp-fs"`)
}

func TestWriteSystemPromptWritesRawText(t *testing.T) {
	sb, err := New("sess-3")
	require.NoError(t, err)
	defer sb.Cleanup()

	path, err := sb.WriteSystemPrompt("be helpful")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "be helpful", string(data))
}

func TestCleanupIsIdempotent(t *testing.T) {
	sb, err := New("sess-4")
	require.NoError(t, err)
	sb.Cleanup()
	assert.NoDirExists(t, sb.Dir())
	assert.NotPanics(t, sb.Cleanup)
}

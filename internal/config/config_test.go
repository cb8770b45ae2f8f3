package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	os.Setenv("XDG_CONFIG_HOME", "")
	t.Cleanup(func() { os.Setenv("HOME", oldHome) })
	return tmpDir
}

func TestDefaultConfigValues(t *testing.T) {
	c := Default()
	assert.Equal(t, "gemini", c.Provider)
	assert.Equal(t, 120, c.TimeoutSecs)
	assert.True(t, c.SafetyInstructions)
	assert.True(t, c.AutoRestart)
	assert.Equal(t, 3, c.MaxRestarts)
	assert.Equal(t, "INFO", c.Logging.Level)
	assert.Equal(t, ":8787", c.Gateway.BindAddress)
}

func TestLoadMergesGlobalConfig(t *testing.T) {
	isolateHome(t)

	globalPath := GlobalConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(globalPath), 0755))
	require.NoError(t, os.WriteFile(globalPath, []byte(`
provider: claude
model: claude-sonnet-4
logging:
  level: DEBUG
rate_limit:
  requests_per_minute: 30
`), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Provider)
	assert.Equal(t, "claude-sonnet-4", cfg.Model)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 30.0, cfg.RateLimit.RequestsPerMinute)
	// Fields untouched by the overlay keep their defaults.
	assert.Equal(t, 120, cfg.TimeoutSecs)
}

func TestLoadProjectConfigOverridesGlobal(t *testing.T) {
	isolateHome(t)

	globalPath := GlobalConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(globalPath), 0755))
	require.NoError(t, os.WriteFile(globalPath, []byte("provider: gemini\n"), 0644))

	projectDir := t.TempDir()
	projectPath := ProjectConfigPath(projectDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(projectPath), 0755))
	require.NoError(t, os.WriteFile(projectPath, []byte("provider: codex\n"), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.Provider)
}

func TestLoadMissingConfigFilesIsNotAnError(t *testing.T) {
	isolateHome(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
}

func TestLoadAvatarConfigEnvFile(t *testing.T) {
	isolateHome(t)

	envConfigPath := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(envConfigPath, []byte("provider: codex\n"), 0644))
	os.Setenv("AVATAR_CONFIG", envConfigPath)
	defer os.Unsetenv("AVATAR_CONFIG")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.Provider)
}

func TestApplyEnvOverridesWinsOverFiles(t *testing.T) {
	isolateHome(t)

	globalPath := GlobalConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(globalPath), 0755))
	require.NoError(t, os.WriteFile(globalPath, []byte("provider: gemini\n"), 0644))

	os.Setenv("AVATAR_PROVIDER", "claude")
	os.Setenv("AVATAR_RATE_LIMIT_RPM", "99")
	defer os.Unsetenv("AVATAR_PROVIDER")
	defer os.Unsetenv("AVATAR_RATE_LIMIT_RPM")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Provider)
	assert.Equal(t, 99.0, cfg.RateLimit.RequestsPerMinute)
}

func TestMergeMapsOverlaysKeys(t *testing.T) {
	target := map[string]any{"a": 1, "b": 2}
	source := map[string]any{"b": 3, "c": 4}
	merged := mergeMaps(target, source)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 3, merged["b"])
	assert.Equal(t, 4, merged["c"])
}

func TestMergeMapsNilTarget(t *testing.T) {
	merged := mergeMaps(nil, map[string]any{"x": 1})
	assert.Equal(t, 1, merged["x"])
}

func TestProviderConfigSelectsByProvider(t *testing.T) {
	c := Default()
	c.Provider = "claude"
	c.ClaudeConfig = map[string]any{"model": "claude-sonnet-4"}
	assert.Equal(t, c.ClaudeConfig, c.ProviderConfig())

	c.Provider = "unknown"
	assert.Equal(t, c.GeminiConfig, c.ProviderConfig())
}

func TestTimeoutAndHealthCheckIntervalConversions(t *testing.T) {
	c := Default()
	c.TimeoutSecs = 45
	c.HealthCheckIntervalSecs = 10
	assert.Equal(t, 45e9, float64(c.Timeout()))
	assert.Equal(t, 10e9, float64(c.HealthCheckInterval()))
}

func TestLoadMCPServersParsesJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// inline comment stripped before parsing
		"mcpServers": {
			"fs": {"command": "mcp-fs"}
		}
	}`), 0644))

	servers, err := LoadMCPServers(path)
	require.NoError(t, err)
	require.Contains(t, servers, "fs")
}

func TestLoadMCPServersEmptyPath(t *testing.T) {
	servers, err := LoadMCPServers("")
	require.NoError(t, err)
	assert.Nil(t, servers)
}

func TestSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "avatar.yaml")

	c := Default()
	c.Provider = "codex"
	require.NoError(t, Save(c, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provider: codex")
}

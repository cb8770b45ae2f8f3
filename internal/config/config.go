package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// AvatarConfig is the on-disk configuration document for an Engine and
// its gateway, grounded on original_source/avatar_engine/config.py's
// AvatarConfig dataclass in full.
type AvatarConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	WorkingDir   string `yaml:"working_dir"`
	TimeoutSecs  int    `yaml:"timeout"`
	SystemPrompt string `yaml:"system_prompt"`

	GeminiConfig map[string]any `yaml:"gemini"`
	ClaudeConfig map[string]any `yaml:"claude"`
	CodexConfig  map[string]any `yaml:"codex"`

	SafetyInstructions bool `yaml:"safety_instructions"`

	MaxHistory              int  `yaml:"max_history"`
	AutoRestart             bool `yaml:"auto_restart"`
	MaxRestarts             int  `yaml:"max_restarts"`
	HealthCheckIntervalSecs int  `yaml:"health_check_interval"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	RateLimit struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerMinute float64 `yaml:"requests_per_minute"`
		Burst             float64 `yaml:"burst"`
	} `yaml:"rate_limit"`

	Gateway struct {
		BindAddress    string   `yaml:"bind_address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"gateway"`

	// MCPServersFile, if set, points at a JSONC file (comments stripped
	// via tidwall/jsonc) whose top-level "mcpServers" object is merged
	// into the active provider's MCP server map.
	MCPServersFile string `yaml:"mcp_servers_file"`
}

// Default returns the zero-configuration defaults, matching the
// dataclass field defaults in config.py.
func Default() *AvatarConfig {
	c := &AvatarConfig{
		Provider:                "gemini",
		TimeoutSecs:             120,
		SafetyInstructions:      true,
		MaxHistory:              100,
		AutoRestart:             true,
		MaxRestarts:             3,
		HealthCheckIntervalSecs: 30,
	}
	c.Logging.Level = "INFO"
	c.RateLimit.Enabled = true
	c.RateLimit.RequestsPerMinute = 60
	c.RateLimit.Burst = 10
	c.Gateway.BindAddress = ":8787"
	return c
}

// Timeout returns TimeoutSecs as a time.Duration.
func (c *AvatarConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// HealthCheckInterval returns HealthCheckIntervalSecs as a time.Duration.
func (c *AvatarConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

// ProviderConfig returns the config map for the active provider, matching
// config.py's get_provider_config.
func (c *AvatarConfig) ProviderConfig() map[string]any {
	switch c.Provider {
	case "claude":
		return c.ClaudeConfig
	case "codex":
		return c.CodexConfig
	default:
		return c.GeminiConfig
	}
}

// Load merges the global config, an optional project config, an optional
// AVATAR_CONFIG file, and environment overrides, in that priority order
// (later sources win), matching the teacher's layered Load but against
// YAML documents instead of JSON/JSONC.
func Load(directory string) (*AvatarConfig, error) {
	cfg := Default()

	if err := mergeFile(cfg, GlobalConfigPath()); err != nil {
		return nil, fmt.Errorf("config: global config: %w", err)
	}
	if directory != "" {
		if err := mergeFile(cfg, ProjectConfigPath(directory)); err != nil {
			return nil, fmt.Errorf("config: project config: %w", err)
		}
	}
	if path := os.Getenv("AVATAR_CONFIG"); path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config: AVATAR_CONFIG: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDir = wd
		}
	}

	return cfg, nil
}

// mergeFile reads path as YAML and overlays its fields onto cfg. A
// missing file is not an error — matching the teacher's
// loadConfigFile's "file doesn't exist, skip" behavior.
func mergeFile(cfg *AvatarConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var overlay AvatarConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	merge(cfg, &overlay)
	return nil
}

func merge(target, source *AvatarConfig) {
	if source.Provider != "" {
		target.Provider = source.Provider
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.WorkingDir != "" {
		target.WorkingDir = source.WorkingDir
	}
	if source.TimeoutSecs != 0 {
		target.TimeoutSecs = source.TimeoutSecs
	}
	if source.SystemPrompt != "" {
		target.SystemPrompt = source.SystemPrompt
	}
	if source.GeminiConfig != nil {
		target.GeminiConfig = mergeMaps(target.GeminiConfig, source.GeminiConfig)
	}
	if source.ClaudeConfig != nil {
		target.ClaudeConfig = mergeMaps(target.ClaudeConfig, source.ClaudeConfig)
	}
	if source.CodexConfig != nil {
		target.CodexConfig = mergeMaps(target.CodexConfig, source.CodexConfig)
	}
	target.SafetyInstructions = source.SafetyInstructions || target.SafetyInstructions
	if source.MaxHistory != 0 {
		target.MaxHistory = source.MaxHistory
	}
	if source.MaxRestarts != 0 {
		target.MaxRestarts = source.MaxRestarts
	}
	if source.HealthCheckIntervalSecs != 0 {
		target.HealthCheckIntervalSecs = source.HealthCheckIntervalSecs
	}
	if source.Logging.Level != "" {
		target.Logging.Level = source.Logging.Level
	}
	if source.Logging.File != "" {
		target.Logging.File = source.Logging.File
	}
	if source.RateLimit.RequestsPerMinute != 0 {
		target.RateLimit.RequestsPerMinute = source.RateLimit.RequestsPerMinute
	}
	if source.RateLimit.Burst != 0 {
		target.RateLimit.Burst = source.RateLimit.Burst
	}
	if source.Gateway.BindAddress != "" {
		target.Gateway.BindAddress = source.Gateway.BindAddress
	}
	if len(source.Gateway.AllowedOrigins) > 0 {
		target.Gateway.AllowedOrigins = source.Gateway.AllowedOrigins
	}
	if source.MCPServersFile != "" {
		target.MCPServersFile = source.MCPServersFile
	}
}

func mergeMaps(target, source map[string]any) map[string]any {
	if target == nil {
		target = make(map[string]any, len(source))
	}
	for k, v := range source {
		target[k] = v
	}
	return target
}

// applyEnvOverrides mirrors the teacher's applyEnvOverrides, giving
// environment variables the highest precedence.
func applyEnvOverrides(cfg *AvatarConfig) {
	if v := os.Getenv("AVATAR_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("AVATAR_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AVATAR_WORKING_DIR"); v != "" {
		cfg.WorkingDir = v
	}
	if v := os.Getenv("AVATAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AVATAR_RATE_LIMIT_RPM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RequestsPerMinute = f
		}
	}
	if v := os.Getenv("AVATAR_GATEWAY_BIND"); v != "" {
		cfg.Gateway.BindAddress = v
	}
}

// LoadMCPServers reads path as JSONC (comments stripped via
// tidwall/jsonc) and returns the "mcpServers" object, or nil if path is
// empty or the key is absent.
func LoadMCPServers(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mcp servers file: %w", err)
	}
	clean := jsonc.ToJSON(data)

	var doc struct {
		MCPServers map[string]any `json:"mcpServers"`
	}
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, fmt.Errorf("config: parse mcp servers file: %w", err)
	}
	return doc.MCPServers, nil
}

// Save writes cfg to path as YAML, creating parent directories as
// needed.
func Save(cfg *AvatarConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Package config loads the avatar-bridge runtime configuration,
// generalizing the teacher's internal/config layered-source pattern
// (global -> project -> environment) to the AvatarConfig document
// described in original_source/avatar_engine/config.py.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for avatar-bridge data.
type Paths struct {
	Data   string // ~/.local/share/avatar-bridge
	Config string // ~/.config/avatar-bridge
	Cache  string // ~/.cache/avatar-bridge
	State  string // ~/.local/state/avatar-bridge
}

// GetPaths returns the standard XDG-ish paths for avatar-bridge data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "avatar-bridge"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "avatar-bridge"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "avatar-bridge"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "avatar-bridge"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// SandboxRoot returns the directory new bridge config sandboxes are
// created under by default.
func (p *Paths) SandboxRoot() string {
	return filepath.Join(p.Cache, "sandboxes")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global avatar-bridge config
// file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "avatar.yaml")
}

// ProjectConfigPath returns the path to the per-project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".avatar", "avatar.yaml")
}

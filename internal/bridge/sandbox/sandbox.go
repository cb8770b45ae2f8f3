// Package sandbox creates and manages the per-bridge temp directory that
// holds the agent CLI's generated config files (settings, MCP server
// list, system prompt, JSON schema), grounded on
// original_source/avatar_engine/config_sandbox.py.
//
// A sandbox is created once per bridge lifetime and cleaned up when the
// bridge stops. Nothing in the sandbox is interpreted by this module —
// the MCP server map in particular is ferried through as opaque JSON, per
// spec.md's Glossary ("the core ferries their configuration through
// without interpreting tool semantics").
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Sandbox owns a mode-0700 temp directory for one bridge session.
type Sandbox struct {
	dir string
}

// New creates a fresh sandbox directory named avatar-<sessionID>-*.
func New(sessionID string) (*Sandbox, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("avatar-%s-", sessionID))
	if err != nil {
		return nil, fmt.Errorf("sandbox: create temp dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("sandbox: chmod temp dir: %w", err)
	}
	return &Sandbox{dir: dir}, nil
}

// Dir returns the sandbox's root directory.
func (s *Sandbox) Dir() string { return s.dir }

func (s *Sandbox) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Sandbox) writeJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("sandbox: marshal %s: %w", name, err)
	}
	path := s.path(name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("sandbox: write %s: %w", name, err)
	}
	return path, nil
}

func (s *Sandbox) writeText(name, content string) (string, error) {
	path := s.path(name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("sandbox: write %s: %w", name, err)
	}
	return path, nil
}

// WriteGeminiSettings writes the Gemini CLI settings.json the ACP
// provider reads on startup.
func (s *Sandbox) WriteGeminiSettings(settings map[string]any) (string, error) {
	return s.writeJSON("settings.json", settings)
}

// WriteClaudeSettings writes the Claude Code --settings file.
func (s *Sandbox) WriteClaudeSettings(settings map[string]any) (string, error) {
	return s.writeJSON("claude-settings.json", settings)
}

// WriteMCPConfig writes the MCP server map verbatim — this module never
// interprets tool semantics, it only ferries the config through.
func (s *Sandbox) WriteMCPConfig(servers map[string]any) (string, error) {
	return s.writeJSON("mcp-config.json", map[string]any{"mcpServers": servers})
}

// WriteSystemPrompt writes the (possibly safety-prefixed) system prompt
// text file passed via --append-system-prompt / equivalent.
func (s *Sandbox) WriteSystemPrompt(prompt string) (string, error) {
	return s.writeText("system-prompt.txt", prompt)
}

// WriteJSONSchema writes a response JSON schema file.
func (s *Sandbox) WriteJSONSchema(schema map[string]any) (string, error) {
	return s.writeJSON("response-schema.json", schema)
}

// Cleanup idempotently removes the sandbox directory, ignoring errors —
// mirroring shutil.rmtree(ignore_errors=True) in the original. Safe to
// call more than once and safe to call on a partially-removed directory.
func (s *Sandbox) Cleanup() {
	if s.dir == "" {
		return
	}
	_ = os.RemoveAll(s.dir)
}

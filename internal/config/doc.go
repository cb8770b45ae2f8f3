// Package config loads the AvatarConfig document that configures an
// Engine and its gateway, generalizing the teacher's layered config
// loader (global -> project -> environment, highest precedence last) to
// the shape described in original_source/avatar_engine/config.py.
//
// # Configuration Loading
//
// Load merges, in priority order:
//
//  1. Global config (~/.config/avatar-bridge/avatar.yaml)
//  2. Project config (<dir>/.avatar/avatar.yaml)
//  3. AVATAR_CONFIG file, if set
//  4. Environment variable overrides (AVATAR_PROVIDER, AVATAR_MODEL, ...)
//
// # Supported Formats
//
// The primary AvatarConfig document is YAML (gopkg.in/yaml.v3), matching
// original_source/avatar_engine/config.py's AvatarConfig.load. MCP server
// definitions are loaded separately from a JSONC file (comments stripped
// via tidwall/jsonc) since that ecosystem's MCP config convention is
// JSON-with-comments, not YAML.
//
// # Path Management
//
// Paths follows XDG Base Directory conventions:
//   - Data: ~/.local/share/avatar-bridge
//   - Config: ~/.config/avatar-bridge
//   - Cache: ~/.cache/avatar-bridge
//   - State: ~/.local/state/avatar-bridge
package config

// Package main provides the entry point for avatar-serverd, the
// headless gateway that embeds a single agent CLI bridge (Claude,
// Gemini, or Codex) behind a provider-agnostic WebSocket API.
package main

import (
	"fmt"
	"os"

	"github.com/avatar-runtime/avatar-bridge/cmd/avatar-serverd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package main provides the CLI entry point for Tandem, a local-first
// conversational agent runtime.
//
// Tandem runs a chat loop against a local OpenAI-compatible model and
// escalates hard turns to a remote Anthropic backend when needed.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	tandem chat
//
// Use a custom config:
//
//	tandem chat --config tandem.yaml
//
// Compact stored history:
//
//	tandem compact --max-age-days 30
//
// # Environment Variables
//
//   - TANDEM_CONFIG: path to configuration file (default: tandem.yaml)
//   - ANTHROPIC_API_KEY: remote API key, referenced as ${ANTHROPIC_API_KEY}
//     from the config file
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

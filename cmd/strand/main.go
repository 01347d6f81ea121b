// Package main provides the CLI entry point for the strand agent runtime.
//
// Strand drives an LLM agent loop over a persistent session log with tool
// execution, mid-run steering, and automatic context compaction.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	strand chat --session dev
//
// Run a single prompt to completion:
//
//	strand run "summarize the README"
//
// Inspect persisted sessions:
//
//	strand sessions list
//	strand sessions show dev
//	strand sessions reset dev
//
// # Environment Variables
//
//   - STRAND_CONFIG: Path to configuration file (default: strand.yaml)
//   - STRAND_PROVIDER / STRAND_MODEL: Provider and model overrides
//   - STRAND_SESSION_DIR / STRAND_WORKSPACE: Directory overrides
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: Provider credentials
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "strand",
		Short:   "LLM agent runtime with steering, compaction, and durable sessions",
		Version: version + " (commit: " + commit + ", built: " + date + ")",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	rootCmd.AddCommand(
		buildChatCmd(),
		buildRunCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// commands.go contains the cobra command definitions and flag wiring. Each
// builder creates one command and delegates to its handler in handlers.go.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath honors STRAND_CONFIG, falling back to strand.yaml when
// one exists in the working directory.
func defaultConfigPath() string {
	if v := os.Getenv("STRAND_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("strand.yaml"); err == nil {
		return "strand.yaml"
	}
	return ""
}

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the agent",
		Long: `Start an interactive chat session.

Input typed while the agent is working is delivered as a steering message:
the run absorbs it at the next tool boundary instead of ignoring it.

Slash commands: /abort cancels the active run, /reset clears the session
history, /quit exits.`,
		Example: `  # Chat in the default session
  strand chat

  # Chat in a named session with a custom config
  strand chat --session review --config strand.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, sessionID, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session id to chat in")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging and per-run stats")
	return cmd
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		quiet      bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a single prompt to completion",
		Args:  cobra.ExactArgs(1),
		Example: `  # One-shot prompt, streaming the reply
  strand run "list the TODOs in this repo"

  # Append to a named session, printing only the final text
  strand run --session review --quiet "continue"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, configPath, sessionID, args[0], quiet)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session id to run in")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress streaming output; print only the final text")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd(), buildSessionsResetCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's live history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildSessionsResetCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Clear a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsReset(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

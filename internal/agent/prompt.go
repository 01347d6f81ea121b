package agent

import (
	"fmt"
	"strings"
	"time"
)

// SystemPromptConfig carries the facts injected into the assembled system
// prompt. A configured Extra prompt replaces the default identity paragraph;
// the runtime facts below it are always appended.
type SystemPromptConfig struct {
	AgentID   string
	Model     string
	Workspace string
	ToolNames []string
	Extra     string
	Now       time.Time // zero value means time.Now()
}

// BuildSystemPrompt assembles the system prompt sent with every provider
// call: identity (or the configured override), workspace, available tools,
// and the current time.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	if cfg.Extra != "" {
		b.WriteString(strings.TrimSpace(cfg.Extra))
	} else {
		id := cfg.AgentID
		if id == "" {
			id = "main"
		}
		fmt.Fprintf(&b, "You are %s, an autonomous agent. Work through the user's request step by step, using tools when they help, and reply concisely when you are done.", id)
	}
	b.WriteString("\n")

	if cfg.Model != "" {
		fmt.Fprintf(&b, "\nModel: %s", cfg.Model)
	}
	if cfg.Workspace != "" {
		fmt.Fprintf(&b, "\nWorkspace: %s", cfg.Workspace)
	}
	if len(cfg.ToolNames) > 0 {
		fmt.Fprintf(&b, "\nAvailable tools: %s", strings.Join(cfg.ToolNames, ", "))
	}

	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&b, "\nCurrent time: %s", now.UTC().Format(time.RFC3339))

	return b.String()
}

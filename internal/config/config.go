// Package config defines the runtime configuration envelope and its loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reasoning effort levels accepted by providers that support reasoning.
const (
	ReasoningMinimal = "minimal"
	ReasoningLow     = "low"
	ReasoningMedium  = "medium"
	ReasoningHigh    = "high"
	ReasoningXHigh   = "xhigh"
)

const (
	// MinContextTokens is the hard floor: the pipeline cannot operate
	// below this window.
	MinContextTokens = 8_000
	// WarnContextTokens triggers a one-time warning at startup.
	WarnContextTokens = 16_000

	DefaultContextTokens     = 200_000
	DefaultMaxTurns          = 20
	DefaultMaxConcurrentRuns = 4
	DefaultReserveTokens     = 20_000
)

// Config is the full runtime configuration.
type Config struct {
	Provider     string            `yaml:"provider"`
	Model        string            `yaml:"model"`
	APIKey       string            `yaml:"apiKey"`
	BaseURL      string            `yaml:"baseUrl"`
	Headers      map[string]string `yaml:"headers"`
	AgentID      string            `yaml:"agentId"`
	SystemPrompt string            `yaml:"systemPrompt"`
	Temperature  *float64          `yaml:"temperature"`
	Reasoning    string            `yaml:"reasoning"`

	MaxTurns          int `yaml:"maxTurns"`
	ContextTokens     int `yaml:"contextTokens"`
	ReserveTokens     int `yaml:"reserveTokens"`
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`

	Workspace  string   `yaml:"workspace"`
	SessionDir string   `yaml:"sessionDir"`
	Tools      []string `yaml:"tools"`

	ToolPolicy ToolPolicy    `yaml:"toolPolicy"`
	Sandbox    SandboxConfig `yaml:"sandbox"`

	EnableMemory    bool `yaml:"enableMemory"`
	EnableContext   bool `yaml:"enableContext"`
	EnableSkills    bool `yaml:"enableSkills"`
	EnableHeartbeat bool `yaml:"enableHeartbeat"`

	PersistThinking bool `yaml:"persistThinking"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ToolPolicy selects which tool results the pruning layer may trim or clear.
type ToolPolicy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// SandboxConfig gates filesystem tool side effects.
type SandboxConfig struct {
	Enabled    bool `yaml:"enabled"`
	AllowExec  bool `yaml:"allowExec"`
	AllowWrite bool `yaml:"allowWrite"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ContextWindowTooSmallError is returned synchronously, before any I/O, when
// the configured context window is below the operating floor.
type ContextWindowTooSmallError struct {
	Tokens int
}

func (e *ContextWindowTooSmallError) Error() string {
	return fmt.Sprintf("context window of %d tokens is below the %d-token minimum", e.Tokens, MinContextTokens)
}

// DefaultConfig returns the envelope with all defaults applied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Provider:          "anthropic",
		AgentID:           "main",
		MaxTurns:          DefaultMaxTurns,
		ContextTokens:     DefaultContextTokens,
		ReserveTokens:     DefaultReserveTokens,
		MaxConcurrentRuns: DefaultMaxConcurrentRuns,
		Workspace:         ".",
		SessionDir:        filepath.Join(home, ".strand", "sessions"),
		EnableContext:     true,
		Sandbox:           SandboxConfig{AllowWrite: true},
		Logging:           LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks invariants that must hold before any run is admitted.
func (c *Config) Validate() error {
	if c.ContextTokens < MinContextTokens {
		return &ContextWindowTooSmallError{Tokens: c.ContextTokens}
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("maxTurns must be positive, got %d", c.MaxTurns)
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("maxConcurrentRuns must be positive, got %d", c.MaxConcurrentRuns)
	}
	if c.ReserveTokens <= 0 || c.ReserveTokens >= c.ContextTokens {
		return fmt.Errorf("reserveTokens %d must be positive and below contextTokens %d", c.ReserveTokens, c.ContextTokens)
	}
	switch c.Reasoning {
	case "", ReasoningMinimal, ReasoningLow, ReasoningMedium, ReasoningHigh, ReasoningXHigh:
	default:
		return fmt.Errorf("unknown reasoning level %q", c.Reasoning)
	}
	return nil
}

// WarnSmallWindow reports whether the window is legal but small enough to
// deserve a startup warning.
func (c *Config) WarnSmallWindow() bool {
	return c.ContextTokens >= MinContextTokens && c.ContextTokens < WarnContextTokens
}

// NormalizedAgentID lowercases and trims the configured agent id.
func (c *Config) NormalizedAgentID() string {
	id := strings.ToLower(strings.TrimSpace(c.AgentID))
	if id == "" {
		return "main"
	}
	return id
}

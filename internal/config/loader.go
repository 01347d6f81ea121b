package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands ${ENV} references, applies env-var
// overrides, and validates. An empty path returns the defaults with env
// overrides only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STRAND_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("STRAND_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("STRAND_SESSION_DIR"); v != "" {
		cfg.SessionDir = v
	}
	if v := os.Getenv("STRAND_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if cfg.APIKey == "" {
		switch cfg.Provider {
		case "openai":
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.wavesched/config.json
// Project: .wavesched/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".wavesched", "config.json")
	projectPath := filepath.Join(".wavesched", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile overlays a JSON config file onto the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
// Fields absent from the file keep their current values.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Orchestrator.MaxConcurrentLists < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_lists must be >= 1, got %d", c.Orchestrator.MaxConcurrentLists)
	}
	if c.Orchestrator.MaxGlobalAgents < 1 {
		return fmt.Errorf("orchestrator.max_global_agents must be >= 1, got %d", c.Orchestrator.MaxGlobalAgents)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %g", c.Retry.BackoffMultiplier)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	return nil
}

package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorSection{
			MaxConcurrentLists:               3,
			MaxGlobalAgents:                  8,
			EnableCrossListConflictDetection: true,
		},
		Retry: RetrySection{
			MaxAttempts:       5,
			BackoffBaseMs:     1000,
			BackoffMultiplier: 2.0,
			MaxBackoffMs:      60000,
		},
		CircuitBreaker: CircuitBreakerSection{
			FailureThreshold: 5,
			WindowMinutes:    10,
			CooldownMinutes:  5,
		},
		Agent: AgentSection{
			Command: "waveagent",
		},
	}
}

// BackoffBase returns the retry backoff base as a duration.
func (r RetrySection) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMs) * time.Millisecond
}

// MaxBackoff returns the retry backoff cap as a duration.
func (r RetrySection) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// Window returns the breaker's failure-counting window as a duration.
func (c CircuitBreakerSection) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Cooldown returns the breaker's open-state cooldown as a duration.
func (c CircuitBreakerSection) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

package config

// OrchestratorSection holds the global scheduling caps. Hot-reloadable; the
// scheduler only ever reads these.
type OrchestratorSection struct {
	MaxConcurrentLists               int  `json:"max_concurrent_lists"`
	MaxGlobalAgents                  int  `json:"max_global_agents"`
	EnableCrossListConflictDetection bool `json:"enable_cross_list_conflict_detection"`
}

// RetrySection configures the self-healing retry engine.
type RetrySection struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffBaseMs     int     `json:"backoff_base_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxBackoffMs      int     `json:"max_backoff_ms"`
}

// CircuitBreakerSection configures the per-list failure-rate gate.
type CircuitBreakerSection struct {
	FailureThreshold int `json:"failure_threshold"`
	WindowMinutes    int `json:"window_minutes"`
	CooldownMinutes  int `json:"cooldown_minutes"`
}

// AgentSection defines how worker agents are launched.
type AgentSection struct {
	Command string   `json:"command"` // Agent binary invoked per task
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Orchestrator   OrchestratorSection   `json:"orchestrator"`
	Retry          RetrySection          `json:"retry"`
	CircuitBreaker CircuitBreakerSection `json:"circuit_breaker"`
	Agent          AgentSection          `json:"agent"`
}

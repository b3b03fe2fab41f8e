package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/wavesched/wavesched/internal/agent"
	"github.com/wavesched/wavesched/internal/config"
	"github.com/wavesched/wavesched/internal/persistence"
	"github.com/wavesched/wavesched/internal/scheduler"
)

// fixApproaches maps a failure class to the guidance handed to the retrying
// agent. Dispatch is on the tagged class reported by the worker; substring
// classification of the error text is only a fallback for untagged failures.
var fixApproaches = map[agent.FailureClass]string{
	agent.FailureTimeout:       "Split the work into smaller steps and retry with a narrower goal.",
	agent.FailureCompile:       "Fix the compilation errors reported in the previous attempt before continuing.",
	agent.FailureTest:          "Inspect the failing tests, fix the underlying behavior, and re-run them.",
	agent.FailureLint:          "Resolve the reported lint violations without changing behavior.",
	agent.FailureMergeConflict: "Rebase onto the current state of the affected files and reapply the change.",
	agent.FailureRateLimit:     "Wait for the rate limit to clear, then retry the same change unchanged.",
	agent.FailureUnknown:       "Review the error, form a hypothesis, and retry with a corrected approach.",
}

// classifyText is the fallback classifier for failures that arrive without a
// tagged class.
func classifyText(msg string) agent.FailureClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return agent.FailureTimeout
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return agent.FailureRateLimit
	case strings.Contains(lower, "undefined:") || strings.Contains(lower, "cannot find") || strings.Contains(lower, "syntax error"):
		return agent.FailureCompile
	case strings.Contains(lower, "test") && strings.Contains(lower, "fail"):
		return agent.FailureTest
	case strings.Contains(lower, "conflict"):
		return agent.FailureMergeConflict
	}
	return agent.FailureUnknown
}

// RetryDecision is the structured outcome of PrepareForRetry.
type RetryDecision struct {
	ShouldRetry bool
	Reason      string // set when ShouldRetry is false
	FixApproach string
	Attempt     int           // 1-based attempt number just scheduled
	AttemptID   string        // retry log row for the scheduled attempt
	Backoff     time.Duration // wait before the retried execution
}

// RetryEngine decides whether and how failed tasks are retried. It is the
// sole owner of retry_count increments and of the retry log. A per-list
// circuit breaker suspends retries after repeated failures inside a
// configured window.
type RetryEngine struct {
	store persistence.Store
	cfg   func() *config.Config
	log   zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRetryEngine creates a retry engine. cfg is called per decision so hot
// config reloads apply to subsequent decisions.
func NewRetryEngine(store persistence.Store, cfg func() *config.Config, log zerolog.Logger) *RetryEngine {
	return &RetryEngine{
		store:    store,
		cfg:      cfg,
		log:      log.With().Str("component", "retry").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for a task list, creating it on first
// use with the current breaker config.
func (e *RetryEngine) breaker(listID string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[listID]; ok {
		return cb
	}

	cbCfg := e.cfg().CircuitBreaker
	log := e.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        listID,
		MaxRequests: 1,
		Interval:    cbCfg.Window(),   // Clear failure counts each window
		Timeout:     cbCfg.Cooldown(), // Stay open for the cooldown before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(cbCfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("list", name).Stringer("from", from).Stringer("to", to).Msg("retry circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a task failure
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	e.breakers[listID] = cb
	return cb
}

// RecordSuccess feeds a successful task completion into the list's breaker.
func (e *RetryEngine) RecordSuccess(listID string) {
	cb := e.breaker(listID)
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
}

// PrepareForRetry classifies a failed task and decides whether it gets
// another attempt. On a positive decision the retry counter is incremented,
// an attempt row is appended to the retry log, and the backoff to observe
// before re-execution is returned. Exhausted tasks and tasks behind an open
// breaker are rejected with a reason, never an error.
func (e *RetryEngine) PrepareForRetry(ctx context.Context, taskID string, taskErr error, agentID string) (RetryDecision, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return RetryDecision{}, err
	}

	retryCfg := e.cfg().Retry
	if task.RetryCount >= retryCfg.MaxAttempts {
		return RetryDecision{Reason: "retry attempts exhausted"}, nil
	}

	// Count the failure against the list's breaker; an open breaker
	// rejects the probe and the retry with it.
	cb := e.breaker(task.ListID)
	_, cbErr := cb.Execute(func() (interface{}, error) { return nil, taskErr })
	if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
		return RetryDecision{Reason: "circuit breaker open for task list"}, nil
	}

	class := agent.ClassOf(taskErr)
	errMsg := ""
	if taskErr != nil {
		errMsg = taskErr.Error()
	}
	if class == agent.FailureUnknown {
		class = classifyText(errMsg)
	}
	fix := fixApproaches[class]

	attempt, err := e.store.IncrementTaskRetry(ctx, taskID)
	if err != nil {
		return RetryDecision{}, err
	}

	row := &persistence.RetryAttempt{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		AgentID:     agentID,
		Error:       errMsg,
		FixApproach: fix,
	}
	if err := e.store.RecordRetryAttempt(ctx, row); err != nil {
		return RetryDecision{}, err
	}

	wait := e.backoffFor(attempt, retryCfg)
	e.log.Info().
		Str("task", taskID).
		Int("attempt", attempt).
		Str("class", string(class)).
		Dur("backoff", wait).
		Msg("retry scheduled")

	return RetryDecision{
		ShouldRetry: true,
		FixApproach: fix,
		Attempt:     attempt,
		AttemptID:   row.ID,
		Backoff:     wait,
	}, nil
}

// ResolveAttempt records the outcome of a previously scheduled attempt.
func (e *RetryEngine) ResolveAttempt(ctx context.Context, attemptID string, success bool) error {
	result := "failure"
	if success {
		result = "success"
	}
	return e.store.ResolveRetryAttempt(ctx, attemptID, result)
}

// GetTasksNeedingRetry returns the list's failed tasks with attempts left.
func (e *RetryEngine) GetTasksNeedingRetry(ctx context.Context, listID string) ([]*scheduler.Task, error) {
	return e.store.GetTasksNeedingRetry(ctx, listID, e.cfg().Retry.MaxAttempts)
}

// backoffFor computes the wait before the given 1-based attempt using the
// configured exponential policy.
func (e *RetryEngine) backoffFor(attempt int, retryCfg config.RetrySection) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.BackoffBase()
	policy.MaxInterval = retryCfg.MaxBackoff()
	policy.Multiplier = retryCfg.BackoffMultiplier
	policy.RandomizationFactor = 0.25
	policy.MaxElapsedTime = 0 // Attempts are bounded by count, not wall time
	policy.Reset()

	wait := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		wait = policy.NextBackOff()
	}
	if wait == backoff.Stop || wait > retryCfg.MaxBackoff() {
		wait = retryCfg.MaxBackoff()
	}
	return wait
}

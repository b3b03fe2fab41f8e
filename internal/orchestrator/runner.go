package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wavesched/wavesched/internal/agent"
	"github.com/wavesched/wavesched/internal/conflict"
	"github.com/wavesched/wavesched/internal/events"
	"github.com/wavesched/wavesched/internal/persistence"
	"github.com/wavesched/wavesched/internal/scheduler"
)

// defaultPollInterval paces the run loop when no task is claimable and the
// current wave has not finished, which happens while retries wait out their
// backoff.
const defaultPollInterval = 250 * time.Millisecond

// ListRunner drives one wave run of one task list to completion. It spawns
// up to the allocated number of agents, each of which claims schedulable
// tasks from the store until the wave drains, then asks the state machine to
// advance. Allocation is re-read between waves, so rebalancing applies at
// the next wave boundary.
type ListRunner struct {
	listID   string
	runID    string
	machine  *scheduler.Machine
	store    persistence.Store
	registry *agent.Registry
	executor agent.Executor
	retry    *RetryEngine
	bus      *events.EventBus

	// fileLocks serializes agents that touch the same file. Shared across
	// all runners so the guarantee holds across lists too.
	fileLocks *scheduler.KeyedMutex

	// onWaveComplete fires after each wave boundary, before the next batch
	// sizes itself, so the orchestrator can rebalance allocations first.
	onWaveComplete func()

	alloc        atomic.Int32
	maxAgents    int // hard cap requested at start, 0 when uncapped
	pollInterval time.Duration
	log          zerolog.Logger
}

// ListRunnerParams collects the dependencies of a ListRunner.
type ListRunnerParams struct {
	ListID    string
	RunID     string
	Machine   *scheduler.Machine
	Store     persistence.Store
	Registry  *agent.Registry
	Executor  agent.Executor
	Retry     *RetryEngine
	Bus       *events.EventBus
	FileLocks *scheduler.KeyedMutex
	Agents    int
	MaxAgents int
	Log       zerolog.Logger

	OnWaveComplete func()
}

func NewListRunner(p ListRunnerParams) *ListRunner {
	r := &ListRunner{
		listID:         p.ListID,
		runID:          p.RunID,
		machine:        p.Machine,
		store:          p.Store,
		registry:       p.Registry,
		executor:       p.Executor,
		retry:          p.Retry,
		bus:            p.Bus,
		fileLocks:      p.FileLocks,
		onWaveComplete: p.OnWaveComplete,
		maxAgents:      p.MaxAgents,
		pollInterval:   defaultPollInterval,
		log:            p.Log.With().Str("component", "runner").Str("list", p.ListID).Str("run", p.RunID).Logger(),
	}
	r.SetAllocation(p.Agents)
	return r
}

// SetAllocation updates the agent allocation, clamped to the runner's hard
// cap. Takes effect for the next batch of workers; in-flight agents are
// never interrupted.
func (r *ListRunner) SetAllocation(n int) {
	if r.maxAgents > 0 && n > r.maxAgents {
		n = r.maxAgents
	}
	if n < 1 {
		n = 1
	}
	r.alloc.Store(int32(n))
}

// Allocation returns the current agent allocation.
func (r *ListRunner) Allocation() int {
	return int(r.alloc.Load())
}

// MaxAgents returns the hard cap requested at start, 0 when uncapped.
func (r *ListRunner) MaxAgents() int { return r.maxAgents }

// Run executes waves until the run reaches a terminal status or ctx is
// cancelled. It is the only goroutine that mutates this run besides the
// state machine's completion checks.
func (r *ListRunner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, err := r.machine.GetWaveRun(ctx, r.runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			r.log.Info().Stringer("status", run.Status).Msg("run finished")
			return nil
		}

		claimed, err := r.runBatch(ctx)
		if err != nil {
			return err
		}

		advanced, err := r.machine.CheckWaveCompletion(ctx, r.runID)
		if err != nil {
			r.log.Warn().Err(err).Msg("wave completion check failed")
		}
		if advanced && r.onWaveComplete != nil {
			r.onWaveComplete()
		}

		// Nothing claimable and the wave did not finish: a retry is
		// waiting out its backoff. Poll until it resurrects.
		if claimed == 0 && !advanced {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// runBatch spawns the allocated number of workers and lets each claim tasks
// until the schedulable set drains. Returns the number of tasks claimed.
func (r *ListRunner) runBatch(ctx context.Context) (int, error) {
	limit := r.Allocation()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var claimed atomic.Int32
	for i := 0; i < limit; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				task, err := r.store.ClaimTask(gctx, r.listID)
				if err != nil {
					r.log.Warn().Err(err).Msg("task claim failed")
					return nil
				}
				if task == nil {
					return nil
				}
				claimed.Add(1)
				r.executeTask(gctx, task)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return int(claimed.Load()), err
	}
	return int(claimed.Load()), ctx.Err()
}

// executeTask runs a single claimed task through one agent and records the
// outcome, including the retry decision on failure.
func (r *ListRunner) executeTask(ctx context.Context, task *scheduler.Task) {
	inst := r.registry.Spawn(r.listID)
	defer func() { _ = r.registry.Terminate(inst.ID) }()
	_ = r.registry.SetWorking(inst.ID, task.ID)

	paths, err := r.impactPaths(ctx, task.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("task", task.ID).Msg("could not load task impacts")
	}
	r.fileLocks.LockAll(paths)
	var unlockOnce sync.Once
	unlock := func() { unlockOnce.Do(func() { r.fileLocks.UnlockAll(paths) }) }
	defer unlock()

	// A pending attempt row means this execution is the retry it scheduled.
	attemptID, fix := r.pendingAttempt(ctx, task.ID)
	prompt := task.Prompt
	if fix != "" {
		prompt += "\n\nThe previous attempt failed. " + fix
	}

	r.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		ListID:    r.listID,
		AgentID:   inst.ID,
		Timestamp: time.Now(),
	})

	start := time.Now()
	res, execErr := r.executor.Execute(ctx, task.ID, prompt)
	elapsed := time.Since(start)

	if execErr == nil {
		if err := r.store.UpdateTaskStatus(ctx, task.ID, scheduler.TaskCompleted, ""); err != nil {
			r.log.Error().Err(err).Str("task", task.ID).Msg("could not mark task completed")
		}
		if attemptID != "" {
			_ = r.retry.ResolveAttempt(ctx, attemptID, true)
		}
		r.retry.RecordSuccess(r.listID)
		r.log.Info().Str("task", task.ID).Dur("elapsed", elapsed).Int("output_bytes", len(res.Output)).Msg("task completed")
		r.publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			ListID:    r.listID,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
		return
	}

	if ctx.Err() != nil {
		// Shutdown, not failure. Put the task back so a later run can
		// claim it again.
		_ = r.store.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, scheduler.TaskPending, "")
		return
	}

	if err := r.store.UpdateTaskStatus(ctx, task.ID, scheduler.TaskFailed, execErr.Error()); err != nil {
		r.log.Error().Err(err).Str("task", task.ID).Msg("could not mark task failed")
	}
	if attemptID != "" {
		_ = r.retry.ResolveAttempt(ctx, attemptID, false)
	}
	r.log.Warn().Str("task", task.ID).Dur("elapsed", elapsed).Err(execErr).Msg("task failed")
	r.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        task.ID,
		ListID:    r.listID,
		Err:       execErr,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})

	dec, err := r.retry.PrepareForRetry(ctx, task.ID, execErr, inst.ID)
	if err != nil {
		r.log.Error().Err(err).Str("task", task.ID).Msg("retry decision failed")
		return
	}
	if !dec.ShouldRetry {
		r.log.Info().Str("task", task.ID).Str("reason", dec.Reason).Msg("task will not be retried")
		return
	}

	r.publish(events.TopicTask, events.TaskRetryingEvent{
		ID:          task.ID,
		Attempt:     dec.Attempt,
		FixApproach: dec.FixApproach,
		Timestamp:   time.Now(),
	})

	// The task is already failed in the store; other tasks touching the
	// same files must not queue behind it while it waits out the backoff.
	unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(dec.Backoff):
	}

	// Resurrect within the same wave. ClaimTask will hand it to the next
	// free worker.
	if err := r.store.UpdateTaskStatus(ctx, task.ID, scheduler.TaskPending, ""); err != nil {
		r.log.Error().Err(err).Str("task", task.ID).Msg("could not resurrect task for retry")
	}
}

// impactPaths returns the task's declared file paths, normalized and
// deduplicated, for lock ordering.
func (r *ListRunner) impactPaths(ctx context.Context, taskID string) ([]string, error) {
	impacts, err := r.store.ListTaskImpacts(ctx, taskID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(impacts))
	var paths []string
	for _, imp := range impacts {
		p := conflict.NormalizePath(imp.Path)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths, nil
}

// pendingAttempt returns the open retry attempt for a task, if any.
func (r *ListRunner) pendingAttempt(ctx context.Context, taskID string) (attemptID, fix string) {
	attempts, err := r.store.GetRetryAttempts(ctx, taskID)
	if err != nil || len(attempts) == 0 {
		return "", ""
	}
	last := attempts[len(attempts)-1]
	if last.Result != "pending" {
		return "", ""
	}
	return last.ID, last.FixApproach
}

func (r *ListRunner) publish(topic string, event events.Event) {
	if r.bus != nil {
		r.bus.Publish(topic, event)
	}
}

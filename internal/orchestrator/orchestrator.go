// Package orchestrator coordinates concurrent task list execution against a
// shared agent pool. It enforces the concurrent list cap, the global agent
// cap, and cross-list file conflict exclusion, allocates agents per list,
// and owns the retry engine that resurrects failed tasks.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wavesched/wavesched/internal/agent"
	"github.com/wavesched/wavesched/internal/config"
	"github.com/wavesched/wavesched/internal/conflict"
	"github.com/wavesched/wavesched/internal/events"
	"github.com/wavesched/wavesched/internal/persistence"
	"github.com/wavesched/wavesched/internal/scheduler"
)

// Rejection reasons returned by CanStartExecution and OrchestratedStart.
const (
	ReasonListLimit   = "concurrent task list limit reached"
	ReasonAlreadyRun  = "task list is already running"
	ReasonConflicts   = "cross-list file conflicts detected"
	ReasonNoAgents    = "No agents available for allocation"
	ReasonGlobalLimit = "global agent limit reached"
)

// Decision is the advisory outcome of CanStartExecution. A positive
// decision can still be invalidated before OrchestratedStart commits; only
// the start path's re-check under the orchestrator lock is authoritative.
type Decision struct {
	CanStart  bool
	Reason    string
	Conflicts []conflict.Conflict
}

// StartResult reports what OrchestratedStart did.
type StartResult struct {
	Started   bool
	Reason    string
	Conflicts []conflict.Conflict
	RunID     string
	Agents    int
}

// ListStatus is one row of the orchestrator's status snapshot. Allocation
// is the list's committed agent budget; LiveAgents is how many of those
// slots currently hold a running instance.
type ListStatus struct {
	ListID      string
	RunID       string
	Allocation  int
	LiveAgents  int
	CurrentWave int
	TotalWaves  int
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	ActiveLists        []ListStatus
	ActiveAgents       int
	WorkingAgents      int
	MaxGlobalAgents    int
	MaxConcurrentLists int
	ConflictDetection  bool
}

type activeList struct {
	runID  string
	runner *ListRunner
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator serializes all list start, stop, and rebalance decisions
// behind a single mutex so that admission checks and their commits are
// atomic with respect to each other.
type Orchestrator struct {
	store    persistence.Store
	machine  *scheduler.Machine
	registry *agent.Registry
	executor agent.Executor
	retry    *RetryEngine
	bus      *events.EventBus
	cfg      func() *config.Config
	log      zerolog.Logger

	// fileLocks is shared by every runner so same-file serialization
	// holds across lists.
	fileLocks *scheduler.KeyedMutex

	mu     sync.Mutex
	active map[string]*activeList
}

// New creates an orchestrator. cfg is consulted on every decision, so a hot
// reload changes behavior without a restart.
func New(store persistence.Store, machine *scheduler.Machine, registry *agent.Registry, executor agent.Executor, bus *events.EventBus, cfg func() *config.Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		machine:   machine,
		registry:  registry,
		executor:  executor,
		retry:     NewRetryEngine(store, cfg, log),
		bus:       bus,
		cfg:       cfg,
		fileLocks: scheduler.NewKeyedMutex(),
		log:       log.With().Str("component", "orchestrator").Logger(),
		active:    make(map[string]*activeList),
	}
}

// Retry exposes the retry engine for status surfaces.
func (o *Orchestrator) Retry() *RetryEngine { return o.retry }

// CanStartExecution reports whether a task list could start right now. The
// answer is advisory; OrchestratedStart repeats these checks under the
// orchestrator lock before committing.
func (o *Orchestrator) CanStartExecution(ctx context.Context, listID string) (Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.admissionCheck(ctx, listID)
}

// admissionCheck runs the three gates in order: list cap, agent cap,
// conflicts. Callers hold o.mu.
func (o *Orchestrator) admissionCheck(ctx context.Context, listID string) (Decision, error) {
	if _, running := o.active[listID]; running {
		return Decision{Reason: ReasonAlreadyRun}, nil
	}

	cfg := o.cfg().Orchestrator

	inProgress, err := o.store.ListTaskListsByStatus(ctx, "in_progress")
	if err != nil {
		return Decision{}, fmt.Errorf("failed to list running task lists: %w", err)
	}
	if len(inProgress) >= cfg.MaxConcurrentLists {
		return Decision{Reason: ReasonListLimit}, nil
	}

	if o.committedAgents(listID) >= cfg.MaxGlobalAgents {
		return Decision{Reason: ReasonGlobalLimit}, nil
	}

	if cfg.EnableCrossListConflictDetection {
		conflicts, err := o.detectConflicts(ctx, listID, inProgress)
		if err != nil {
			return Decision{}, err
		}
		if len(conflicts) > 0 {
			return Decision{Reason: ReasonConflicts, Conflicts: conflicts}, nil
		}
	}

	return Decision{CanStart: true}, nil
}

// detectConflicts compares the candidate list's declared impacts against
// those of every running list.
func (o *Orchestrator) detectConflicts(ctx context.Context, listID string, inProgress []*scheduler.TaskList) ([]conflict.Conflict, error) {
	candidate, err := o.store.GetUnresolvedImpacts(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate impacts: %w", err)
	}
	if len(candidate) == 0 {
		return nil, nil
	}

	var running []conflict.Impact
	for _, list := range inProgress {
		if list.ID == listID {
			continue
		}
		impacts, err := o.store.GetUnresolvedImpacts(ctx, list.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load impacts for list %s: %w", list.ID, err)
		}
		running = append(running, impacts...)
	}

	return conflict.Detect(candidate, running), nil
}

// committedAgents sums the allocations of every active list except skip.
// Global headroom is measured against committed allocations rather than live
// instances: a list between waves has no agents running but still owns its
// slots for the next batch.
func (o *Orchestrator) committedAgents(skip string) int {
	total := 0
	for listID, entry := range o.active {
		if listID == skip {
			continue
		}
		total += entry.runner.Allocation()
	}
	return total
}

// CalculateAgentAllocation returns how many agents the list would get right
// now: the minimum of global headroom, the list's own cap, and the number of
// tasks still unresolved. Headroom excludes the list's own committed
// allocation, so recomputing for an active list yields its grow target
// rather than a number shrunken by its own workers.
func (o *Orchestrator) CalculateAgentAllocation(ctx context.Context, listID string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.allocationLocked(ctx, listID)
}

func (o *Orchestrator) allocationLocked(ctx context.Context, listID string) (int, error) {
	cfg := o.cfg().Orchestrator

	available := cfg.MaxGlobalAgents - o.committedAgents(listID)
	if available < 0 {
		available = 0
	}

	list, err := o.store.GetTaskList(ctx, listID)
	if err != nil {
		return 0, err
	}

	remaining, err := o.store.CountRemainingTasks(ctx, listID)
	if err != nil {
		return 0, err
	}

	alloc := available
	if list.MaxParallelAgents > 0 && list.MaxParallelAgents < alloc {
		alloc = list.MaxParallelAgents
	}
	if remaining < alloc {
		alloc = remaining
	}
	return alloc, nil
}

// OrchestratedStart admits a task list, allocates agents, starts its
// planned wave run, and launches the runner that drives it. requestedMax
// caps the allocation when positive. Admission failures are reported in the
// result, not as errors.
func (o *Orchestrator) OrchestratedStart(ctx context.Context, listID string, requestedMax int) (StartResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dec, err := o.admissionCheck(ctx, listID)
	if err != nil {
		return StartResult{}, err
	}
	if !dec.CanStart {
		return StartResult{Reason: dec.Reason, Conflicts: dec.Conflicts}, nil
	}

	alloc, err := o.allocationLocked(ctx, listID)
	if err != nil {
		return StartResult{}, err
	}
	if requestedMax > 0 && requestedMax < alloc {
		alloc = requestedMax
	}
	if alloc < 1 {
		return StartResult{Reason: ReasonNoAgents}, nil
	}

	run, err := o.planningRun(ctx, listID)
	if err != nil {
		return StartResult{}, err
	}

	if _, err := o.machine.StartWaveRun(ctx, run.ID); err != nil {
		return StartResult{}, fmt.Errorf("failed to start wave run: %w", err)
	}
	if err := o.store.SetTaskListStatus(ctx, listID, "in_progress"); err != nil {
		return StartResult{}, err
	}

	runner := NewListRunner(ListRunnerParams{
		ListID:    listID,
		RunID:     run.ID,
		Machine:   o.machine,
		Store:     o.store,
		Registry:  o.registry,
		Executor:  o.executor,
		Retry:     o.retry,
		Bus:       o.bus,
		FileLocks: o.fileLocks,
		Agents:    alloc,
		MaxAgents: requestedMax,
		Log:       o.log,

		// Each wave boundary changes this list's remaining work and may
		// free slots for the others, so it re-caps every allocation.
		OnWaveComplete: func() { o.RebalanceAgents(context.Background()) },
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &activeList{
		runID:  run.ID,
		runner: runner,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.active[listID] = entry

	go func() {
		defer close(entry.done)
		if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			o.log.Error().Err(err).Str("list", listID).Msg("runner exited with error")
		}
		o.finishList(listID, run.ID)
	}()

	// The new list consumed headroom; bring the other allocations back
	// under the global cap for their next batches.
	o.rebalanceLocked(ctx)

	o.log.Info().Str("list", listID).Str("run", run.ID).Int("agents", alloc).Msg("task list started")
	return StartResult{Started: true, RunID: run.ID, Agents: alloc}, nil
}

// planningRun finds the list's wave run still in planning, or plans one.
func (o *Orchestrator) planningRun(ctx context.Context, listID string) (*scheduler.WaveRun, error) {
	runs, err := o.machine.GetWaveRuns(ctx, listID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.Status == scheduler.RunPlanning {
			return run, nil
		}
	}
	return o.machine.PlanWaves(ctx, listID)
}

// finishList records the final list status once its runner exits and frees
// the slot. Freed agents are rebalanced across the remaining lists.
func (o *Orchestrator) finishList(listID, runID string) {
	ctx := context.Background()

	status := "completed"
	if run, err := o.machine.GetWaveRun(ctx, runID); err == nil {
		switch run.Status {
		case scheduler.RunCancelled:
			status = "cancelled"
		case scheduler.RunFailed:
			status = "failed"
		case scheduler.RunCompleted:
			if tasks, err := o.store.ListTasks(ctx, listID); err == nil {
				for _, t := range tasks {
					if t.Status == scheduler.TaskFailed {
						status = "completed_with_failures"
						break
					}
				}
			}
		default:
			// Runner stopped without the run reaching a terminal
			// status, a shutdown. Leave the list resumable.
			status = "pending"
		}
	}
	if err := o.store.SetTaskListStatus(ctx, listID, status); err != nil {
		o.log.Error().Err(err).Str("list", listID).Msg("could not record final list status")
	}

	o.mu.Lock()
	delete(o.active, listID)
	o.mu.Unlock()

	o.log.Info().Str("list", listID).Str("status", status).Msg("task list finished")
	o.RebalanceAgents(ctx)
}

// OrchestratedStop cancels a running list: the wave run is cancelled, the
// runner's context is torn down, and the list is marked cancelled. Returns
// false when the list is not active.
func (o *Orchestrator) OrchestratedStop(ctx context.Context, listID string) (bool, error) {
	o.mu.Lock()
	entry, ok := o.active[listID]
	o.mu.Unlock()
	if !ok {
		return false, nil
	}

	if _, err := o.machine.Cancel(ctx, entry.runID); err != nil {
		return false, fmt.Errorf("failed to cancel wave run: %w", err)
	}
	entry.cancel()

	select {
	case <-entry.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	if err := o.store.SetTaskListStatus(ctx, listID, "cancelled"); err != nil {
		return false, err
	}
	o.log.Info().Str("list", listID).Msg("task list stopped")
	return true, nil
}

// RebalanceAgents recomputes each active list's allocation from current
// global headroom. Runs when a list starts or finishes, at every wave
// boundary, and on config reload. Increases take effect at the next wave
// boundary; decreases are advisory and never interrupt working agents.
func (o *Orchestrator) RebalanceAgents(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rebalanceLocked(ctx)
}

func (o *Orchestrator) rebalanceLocked(ctx context.Context) {
	for listID, entry := range o.active {
		alloc, err := o.allocationLocked(ctx, listID)
		if err != nil {
			o.log.Warn().Err(err).Str("list", listID).Msg("rebalance skipped for list")
			continue
		}
		if alloc < 1 {
			continue
		}
		if max := entry.runner.MaxAgents(); max > 0 && alloc > max {
			alloc = max
		}
		prev := entry.runner.Allocation()
		if alloc != prev {
			entry.runner.SetAllocation(alloc)
			o.log.Info().Str("list", listID).Int("from", prev).Int("to", alloc).Msg("agent allocation rebalanced")
		}
	}
}

// GetStatus returns a snapshot of the orchestrator and every active list.
func (o *Orchestrator) GetStatus(ctx context.Context) Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	cfg := o.cfg().Orchestrator
	st := Status{
		ActiveAgents:       o.registry.ActiveAgents(),
		WorkingAgents:      o.registry.WorkingAgents(),
		MaxGlobalAgents:    cfg.MaxGlobalAgents,
		MaxConcurrentLists: cfg.MaxConcurrentLists,
		ConflictDetection:  cfg.EnableCrossListConflictDetection,
	}

	for listID, entry := range o.active {
		row := ListStatus{
			ListID:     listID,
			RunID:      entry.runID,
			Allocation: entry.runner.Allocation(),
			LiveAgents: o.registry.ActiveForList(listID),
		}
		if run, err := o.machine.GetWaveRun(ctx, entry.runID); err == nil {
			row.CurrentWave = run.CurrentWave
			row.TotalWaves = run.TotalWaves
		}
		st.ActiveLists = append(st.ActiveLists, row)
	}
	return st
}

// Shutdown cancels every active runner and waits for them to drain or for
// ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	entries := make([]*activeList, 0, len(o.active))
	for _, entry := range o.active {
		entry.cancel()
		entries = append(entries, entry)
	}
	o.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitForList blocks until the list's runner exits. Intended for tests and
// synchronous callers; returns immediately when the list is not active.
func (o *Orchestrator) WaitForList(ctx context.Context, listID string) error {
	o.mu.Lock()
	entry, ok := o.active[listID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavesched/wavesched/internal/agent"
	"github.com/wavesched/wavesched/internal/config"
	"github.com/wavesched/wavesched/internal/conflict"
	"github.com/wavesched/wavesched/internal/persistence"
	"github.com/wavesched/wavesched/internal/scheduler"
)

// fakeExecutor completes tasks instantly, failing each task the configured
// number of times first. With block set it hangs until the context is
// cancelled instead, to keep a list busy for stop tests.
type fakeExecutor struct {
	mu       sync.Mutex
	failures map[string]int // taskID -> failures left to inject
	class    agent.FailureClass
	calls    map[string]int
	block    bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		failures: make(map[string]int),
		class:    agent.FailureTest,
		calls:    make(map[string]int),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, taskID, prompt string) (agent.Result, error) {
	f.mu.Lock()
	f.calls[taskID]++
	block := f.block
	fail := f.failures[taskID] > 0
	if fail {
		f.failures[taskID]--
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
	if fail {
		return agent.Result{}, &agent.TaskError{Class: f.class, Err: errors.New("injected failure")}
	}
	return agent.Result{Output: "done"}, nil
}

func (f *fakeExecutor) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

type harness struct {
	store *persistence.SQLiteStore
	orch  *Orchestrator
	exec  *fakeExecutor
	reg   *agent.Registry
	cfg   *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	// Fast backoff and a breaker that stays out of the way unless a test
	// tightens it.
	cfg.Retry = config.RetrySection{MaxAttempts: 3, BackoffBaseMs: 1, BackoffMultiplier: 2, MaxBackoffMs: 10}
	cfg.CircuitBreaker = config.CircuitBreakerSection{FailureThreshold: 100, WindowMinutes: 10, CooldownMinutes: 5}

	exec := newFakeExecutor()
	reg := agent.NewRegistry()
	machine := scheduler.NewMachine(store, nil, zerolog.Nop())
	orch := New(store, machine, reg, exec, nil, func() *config.Config { return cfg }, zerolog.Nop())

	return &harness{store: store, orch: orch, exec: exec, reg: reg, cfg: cfg}
}

// seedList saves a pending task list with the given task dependency map.
func (h *harness) seedList(t *testing.T, listID string, deps map[string][]string, order []string) {
	t.Helper()
	ctx := context.Background()

	list := &scheduler.TaskList{ID: listID, Name: listID, Status: "pending", MaxParallelAgents: 4}
	if err := h.store.SaveTaskList(ctx, list); err != nil {
		t.Fatalf("failed to save list: %v", err)
	}
	for _, id := range order {
		task := &scheduler.Task{
			ID:         listID + "/" + id,
			ListID:     listID,
			Name:       id,
			Prompt:     "do " + id,
			Status:     scheduler.TaskPending,
			WaveNumber: -1,
		}
		for _, dep := range deps[id] {
			task.DependsOn = append(task.DependsOn, listID+"/"+dep)
		}
		if err := h.store.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save task %s: %v", id, err)
		}
	}
}

func (h *harness) startAndWait(t *testing.T, listID string) StartResult {
	t.Helper()
	ctx := context.Background()

	res, err := h.orch.OrchestratedStart(ctx, listID, 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if !res.Started {
		t.Fatalf("list did not start: %s", res.Reason)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.orch.WaitForList(waitCtx, listID); err != nil {
		t.Fatalf("list did not finish: %v", err)
	}
	return res
}

func TestOrchestratedRunCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedList(t, "list-1", map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}, []string{"a", "b", "c", "d"})

	res := h.startAndWait(t, "list-1")

	run, err := h.store.GetWaveRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetWaveRun failed: %v", err)
	}
	if run.Status != scheduler.RunCompleted {
		t.Errorf("run status = %v, want completed", run.Status)
	}
	if run.TotalWaves != 3 {
		t.Errorf("TotalWaves = %d, want 3", run.TotalWaves)
	}

	tasks, err := h.store.ListTasks(ctx, "list-1")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	for _, task := range tasks {
		if task.Status != scheduler.TaskCompleted {
			t.Errorf("task %s status = %v, want completed", task.ID, task.Status)
		}
	}

	list, err := h.store.GetTaskList(ctx, "list-1")
	if err != nil {
		t.Fatalf("GetTaskList failed: %v", err)
	}
	if list.Status != "completed" {
		t.Errorf("list status = %q, want completed", list.Status)
	}
}

func TestOrchestratedRunRetriesFailedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedList(t, "list-1", nil, []string{"a"})
	h.exec.failures["list-1/a"] = 2

	h.startAndWait(t, "list-1")

	task, err := h.store.GetTask(ctx, "list-1/a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != scheduler.TaskCompleted {
		t.Errorf("task status = %v, want completed after retries", task.Status)
	}
	if task.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", task.RetryCount)
	}
	if got := h.exec.callCount("list-1/a"); got != 3 {
		t.Errorf("executions = %d, want 3", got)
	}

	attempts, err := h.store.GetRetryAttempts(ctx, "list-1/a")
	if err != nil {
		t.Fatalf("GetRetryAttempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempt count = %d, want 2", len(attempts))
	}
	if attempts[1].Result != "success" {
		t.Errorf("final attempt result = %q, want success", attempts[1].Result)
	}
	if attempts[0].FixApproach == "" {
		t.Error("attempt has no fix approach")
	}
}

func TestOrchestratedRunExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedList(t, "list-1", nil, []string{"a"})
	h.exec.failures["list-1/a"] = 100 // always fails

	res := h.startAndWait(t, "list-1")

	task, err := h.store.GetTask(ctx, "list-1/a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != scheduler.TaskFailed {
		t.Errorf("task status = %v, want failed", task.Status)
	}
	if task.RetryCount != h.cfg.Retry.MaxAttempts {
		t.Errorf("RetryCount = %d, want %d", task.RetryCount, h.cfg.Retry.MaxAttempts)
	}
	// Initial execution plus one per allowed retry.
	if got := h.exec.callCount("list-1/a"); got != h.cfg.Retry.MaxAttempts+1 {
		t.Errorf("executions = %d, want %d", got, h.cfg.Retry.MaxAttempts+1)
	}

	// The run still completes; the wave is recorded as failed.
	run, err := h.store.GetWaveRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetWaveRun failed: %v", err)
	}
	if run.Status != scheduler.RunCompleted {
		t.Errorf("run status = %v, want completed", run.Status)
	}
	waves, err := h.store.GetWaves(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetWaves failed: %v", err)
	}
	if waves[0].Status != scheduler.WaveFailed {
		t.Errorf("wave status = %v, want failed", waves[0].Status)
	}

	list, err := h.store.GetTaskList(ctx, "list-1")
	if err != nil {
		t.Fatalf("GetTaskList failed: %v", err)
	}
	if list.Status != "completed_with_failures" {
		t.Errorf("list status = %q, want completed_with_failures", list.Status)
	}
}

func TestCanStartListLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Orchestrator.MaxConcurrentLists = 1
	h.seedList(t, "list-1", nil, []string{"a"})
	h.seedList(t, "list-2", nil, []string{"a"})
	if err := h.store.SetTaskListStatus(ctx, "list-2", "in_progress"); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	dec, err := h.orch.CanStartExecution(ctx, "list-1")
	if err != nil {
		t.Fatalf("CanStartExecution failed: %v", err)
	}
	if dec.CanStart {
		t.Error("start allowed past the concurrent list limit")
	}
	if dec.Reason != ReasonListLimit {
		t.Errorf("reason = %q, want %q", dec.Reason, ReasonListLimit)
	}
}

func TestCanStartConflictsBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedList(t, "list-1", nil, []string{"a"})
	h.seedList(t, "list-2", nil, []string{"a"})
	if err := h.store.SetTaskListStatus(ctx, "list-2", "in_progress"); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	// Both lists declare a write on the same file.
	for _, imp := range []conflict.Impact{
		{TaskID: "list-1/a", Path: "src/shared.go", Op: conflict.OpUpdate},
		{TaskID: "list-2/a", Path: "src//shared.go", Op: conflict.OpUpdate},
	} {
		if err := h.store.SaveFileImpact(ctx, imp); err != nil {
			t.Fatalf("SaveFileImpact failed: %v", err)
		}
	}

	dec, err := h.orch.CanStartExecution(ctx, "list-1")
	if err != nil {
		t.Fatalf("CanStartExecution failed: %v", err)
	}
	if dec.CanStart {
		t.Fatal("start allowed despite file conflict")
	}
	if dec.Reason != ReasonConflicts {
		t.Errorf("reason = %q, want %q", dec.Reason, ReasonConflicts)
	}
	if len(dec.Conflicts) != 1 {
		t.Fatalf("conflict count = %d, want 1", len(dec.Conflicts))
	}
	if dec.Conflicts[0].Kind != "write_write" {
		t.Errorf("conflict kind = %q, want write_write", dec.Conflicts[0].Kind)
	}

	// Disabling detection waves the same start through.
	h.cfg.Orchestrator.EnableCrossListConflictDetection = false
	dec, err = h.orch.CanStartExecution(ctx, "list-1")
	if err != nil {
		t.Fatalf("CanStartExecution failed: %v", err)
	}
	if !dec.CanStart {
		t.Errorf("start blocked with detection disabled: %s", dec.Reason)
	}
}

func TestCalculateAgentAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Three remaining tasks, list cap 4, global cap 8: remaining wins.
	h.seedList(t, "list-1", nil, []string{"a", "b", "c"})
	alloc, err := h.orch.CalculateAgentAllocation(ctx, "list-1")
	if err != nil {
		t.Fatalf("CalculateAgentAllocation failed: %v", err)
	}
	if alloc != 3 {
		t.Errorf("allocation = %d, want 3", alloc)
	}

	// List cap is the binding constraint with enough tasks.
	h.seedList(t, "list-2", nil, []string{"a", "b", "c", "d", "e", "f"})
	alloc, err = h.orch.CalculateAgentAllocation(ctx, "list-2")
	if err != nil {
		t.Fatalf("CalculateAgentAllocation failed: %v", err)
	}
	if alloc != 4 {
		t.Errorf("allocation = %d, want 4", alloc)
	}

	// Global headroom caps everything.
	h.cfg.Orchestrator.MaxGlobalAgents = 2
	alloc, err = h.orch.CalculateAgentAllocation(ctx, "list-2")
	if err != nil {
		t.Fatalf("CalculateAgentAllocation failed: %v", err)
	}
	if alloc != 2 {
		t.Errorf("allocation = %d, want 2", alloc)
	}
}

func TestGlobalAgentCapHeldAcrossLists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Orchestrator.MaxGlobalAgents = 2
	h.seedList(t, "list-1", map[string][]string{"b": {"a"}}, []string{"a", "b"})
	h.seedList(t, "list-2", nil, []string{"a"})
	h.exec.block = true // keep list-1 parked in its first wave

	res, err := h.orch.OrchestratedStart(ctx, "list-1", 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if !res.Started {
		t.Fatalf("list did not start: %s", res.Reason)
	}
	if res.Agents != 2 {
		t.Fatalf("allocation = %d, want 2", res.Agents)
	}

	// list-1's first wave holds a single task, so at most one agent is
	// live. Its committed allocation still owns both slots, and list-2
	// must be refused rather than overcommitting the pool.
	second, err := h.orch.OrchestratedStart(ctx, "list-2", 0)
	if err != nil {
		t.Fatalf("second OrchestratedStart failed: %v", err)
	}
	if second.Started {
		t.Fatal("start allowed past the global agent cap")
	}
	if second.Reason != ReasonGlobalLimit {
		t.Errorf("reason = %q, want %q", second.Reason, ReasonGlobalLimit)
	}
	if live := h.reg.ActiveAgents(); live > 2 {
		t.Errorf("live agents = %d, want at most 2", live)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := h.orch.OrchestratedStop(stopCtx, "list-1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// Capacity freed; the refused list may start now.
	third, err := h.orch.OrchestratedStart(ctx, "list-2", 0)
	if err != nil {
		t.Fatalf("third OrchestratedStart failed: %v", err)
	}
	if !third.Started {
		t.Fatalf("list-2 did not start after capacity freed: %s", third.Reason)
	}
	if _, err := h.orch.OrchestratedStop(stopCtx, "list-2"); err != nil {
		t.Fatalf("cleanup stop failed: %v", err)
	}
}

func TestRebalanceGrowsActiveListAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Orchestrator.MaxGlobalAgents = 2
	h.seedList(t, "list-1", nil, []string{"a", "b", "c"})
	h.exec.block = true

	res, err := h.orch.OrchestratedStart(ctx, "list-1", 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if !res.Started {
		t.Fatalf("list did not start: %s", res.Reason)
	}
	if res.Agents != 2 {
		t.Fatalf("allocation = %d, want 2", res.Agents)
	}

	// Headroom grew; the recompute must not be shrunken by the list's own
	// working agents.
	h.cfg.Orchestrator.MaxGlobalAgents = 3
	h.orch.RebalanceAgents(ctx)

	st := h.orch.GetStatus(ctx)
	if len(st.ActiveLists) != 1 {
		t.Fatalf("active lists = %d, want 1", len(st.ActiveLists))
	}
	if got := st.ActiveLists[0].Allocation; got != 3 {
		t.Errorf("allocation after rebalance = %d, want 3", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := h.orch.OrchestratedStop(stopCtx, "list-1"); err != nil {
		t.Fatalf("cleanup stop failed: %v", err)
	}
}

func TestRetryBackoffReleasesSameFileTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Retry = config.RetrySection{MaxAttempts: 2, BackoffBaseMs: 2000, BackoffMultiplier: 2, MaxBackoffMs: 2000}
	h.seedList(t, "list-1", nil, []string{"a", "b"})
	for _, imp := range []conflict.Impact{
		{TaskID: "list-1/a", Path: "src/shared.go", Op: conflict.OpUpdate},
		{TaskID: "list-1/b", Path: "src/shared.go", Op: conflict.OpUpdate},
	} {
		if err := h.store.SaveFileImpact(ctx, imp); err != nil {
			t.Fatalf("SaveFileImpact failed: %v", err)
		}
	}
	h.exec.failures["list-1/a"] = 1

	res, err := h.orch.OrchestratedStart(ctx, "list-1", 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if !res.Started {
		t.Fatalf("list did not start: %s", res.Reason)
	}

	// While a waits out its backoff, b touches the same file and must not
	// queue behind a's lock for the duration of the wait.
	deadline := time.Now().Add(1500 * time.Millisecond)
	for {
		task, err := h.store.GetTask(ctx, "list-1/b")
		if err == nil && task.Status == scheduler.TaskCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task sharing a file stalled behind another task's retry backoff")
		}
		time.Sleep(20 * time.Millisecond)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.orch.WaitForList(waitCtx, "list-1"); err != nil {
		t.Fatalf("list did not finish: %v", err)
	}
	task, err := h.store.GetTask(ctx, "list-1/a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != scheduler.TaskCompleted {
		t.Errorf("retried task status = %v, want completed", task.Status)
	}
}

func TestOrchestratedStartNoTasksNoAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A list with no unresolved tasks allocates zero agents.
	list := &scheduler.TaskList{ID: "list-empty", Name: "empty", Status: "pending", MaxParallelAgents: 4}
	if err := h.store.SaveTaskList(ctx, list); err != nil {
		t.Fatalf("failed to save list: %v", err)
	}
	task := &scheduler.Task{ID: "done", ListID: "list-empty", Name: "done", Prompt: "p", Status: scheduler.TaskCompleted, WaveNumber: -1}
	if err := h.store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	res, err := h.orch.OrchestratedStart(ctx, "list-empty", 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if res.Started {
		t.Fatal("empty list started")
	}
	if res.Reason != ReasonNoAgents {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonNoAgents)
	}
}

func TestOrchestratedStartRequestedMaxCapsAllocation(t *testing.T) {
	h := newHarness(t)

	h.seedList(t, "list-1", nil, []string{"a", "b", "c"})
	res := h.startAndWait(t, "list-1")
	if res.Agents != 3 {
		t.Errorf("allocation = %d, want 3", res.Agents)
	}

	h.seedList(t, "list-2", nil, []string{"a", "b", "c"})
	ctx := context.Background()
	res, err := h.orch.OrchestratedStart(ctx, "list-2", 1)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if res.Agents != 1 {
		t.Errorf("allocation = %d, want 1 (requested cap)", res.Agents)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.orch.WaitForList(waitCtx, "list-2"); err != nil {
		t.Fatalf("list did not finish: %v", err)
	}
}

func TestOrchestratedStartAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedList(t, "list-1", nil, []string{"a"})
	h.exec.block = true // keep the list occupied

	res, err := h.orch.OrchestratedStart(ctx, "list-1", 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if !res.Started {
		t.Fatalf("list did not start: %s", res.Reason)
	}

	second, err := h.orch.OrchestratedStart(ctx, "list-1", 0)
	if err != nil {
		t.Fatalf("second OrchestratedStart failed: %v", err)
	}
	if second.Started {
		t.Error("list started twice")
	}
	if second.Reason != ReasonAlreadyRun {
		t.Errorf("reason = %q, want %q", second.Reason, ReasonAlreadyRun)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := h.orch.OrchestratedStop(stopCtx, "list-1"); err != nil {
		t.Fatalf("cleanup stop failed: %v", err)
	}
}

func TestOrchestratedStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedList(t, "list-1", nil, []string{"a"})
	h.exec.block = true

	res, err := h.orch.OrchestratedStart(ctx, "list-1", 0)
	if err != nil {
		t.Fatalf("OrchestratedStart failed: %v", err)
	}
	if !res.Started {
		t.Fatalf("list did not start: %s", res.Reason)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	stopped, err := h.orch.OrchestratedStop(stopCtx, "list-1")
	if err != nil {
		t.Fatalf("OrchestratedStop failed: %v", err)
	}
	if !stopped {
		t.Fatal("active list not stopped")
	}

	run, err := h.store.GetWaveRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetWaveRun failed: %v", err)
	}
	if run.Status != scheduler.RunCancelled {
		t.Errorf("run status = %v, want cancelled", run.Status)
	}

	list, err := h.store.GetTaskList(ctx, "list-1")
	if err != nil {
		t.Fatalf("GetTaskList failed: %v", err)
	}
	if list.Status != "cancelled" {
		t.Errorf("list status = %q, want cancelled", list.Status)
	}

	// Stopping again reports not active.
	stopped, err = h.orch.OrchestratedStop(ctx, "list-1")
	if err != nil {
		t.Fatalf("second OrchestratedStop failed: %v", err)
	}
	if stopped {
		t.Error("inactive list reported stopped")
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st := h.orch.GetStatus(ctx)
	if st.MaxGlobalAgents != 8 || st.MaxConcurrentLists != 3 {
		t.Errorf("caps = (%d, %d), want (8, 3)", st.MaxGlobalAgents, st.MaxConcurrentLists)
	}
	if len(st.ActiveLists) != 0 {
		t.Errorf("active lists = %d, want 0", len(st.ActiveLists))
	}
	if !st.ConflictDetection {
		t.Error("conflict detection should be on by default")
	}
}

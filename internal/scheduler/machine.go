package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wavesched/wavesched/internal/events"
)

// Store is the persistence surface the state machine needs. Implemented by
// persistence.SQLiteStore. Status updates are compare-and-set so that two
// callers racing on the same transition cannot both succeed.
type Store interface {
	ListTasks(ctx context.Context, listID string) ([]*Task, error)
	GetTasksByIDs(ctx context.Context, taskIDs []string) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errMsg string) error
	ListDependencyEdges(ctx context.Context, listID string) ([]DependencyEdge, error)

	CreateWaveRun(ctx context.Context, run *WaveRun, waves []*Wave, waveByTask map[string]int) error
	GetWaveRun(ctx context.Context, runID string) (*WaveRun, error)
	ListWaveRuns(ctx context.Context, listID string) ([]*WaveRun, error)
	GetWaves(ctx context.Context, runID string) ([]*Wave, error)
	UpdateRunStatusIf(ctx context.Context, runID string, from, to RunStatus) (bool, error)
	AdvanceRunCurrentWave(ctx context.Context, runID string, wave int) error
	UpdateWaveStatusIf(ctx context.Context, waveID string, from, to WaveStatus) (bool, error)
}

// Machine owns every Wave and WaveRun status transition. All operations on
// one run execute under a per-run critical section; the machine never blocks
// on worker completion and is driven entirely by external polling.
type Machine struct {
	store Store
	bus   *events.EventBus
	locks *KeyedMutex
	log   zerolog.Logger
}

// NewMachine creates a Machine on top of the given store.
// The event bus may be nil; events are then suppressed.
func NewMachine(store Store, bus *events.EventBus, log zerolog.Logger) *Machine {
	return &Machine{
		store: store,
		bus:   bus,
		locks: NewKeyedMutex(),
		log:   log.With().Str("component", "machine").Logger(),
	}
}

// PlanWaves plans a task list into a new WaveRun. Each task's wave number is
// persisted as a side effect and tasks move to blocked until their wave
// activates. No partial run is committed on planning failure.
func (m *Machine) PlanWaves(ctx context.Context, listID string) (*WaveRun, error) {
	tasks, err := m.store.ListTasks(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("loading tasks for list %q: %w", listID, err)
	}
	edges, err := m.store.ListDependencyEdges(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("loading dependency edges for list %q: %w", listID, err)
	}

	plan, err := PlanWaves(tasks, edges)
	if err != nil {
		return nil, err
	}

	run := &WaveRun{
		ID:          uuid.NewString(),
		ListID:      listID,
		Status:      RunPlanning,
		TotalWaves:  plan.TotalWaves,
		CurrentWave: -1,
	}

	waves := make([]*Wave, 0, plan.TotalWaves)
	for n, taskIDs := range plan.Waves {
		waves = append(waves, &Wave{
			ID:      uuid.NewString(),
			RunID:   run.ID,
			Number:  n,
			Status:  WavePending,
			TaskIDs: taskIDs,
		})
	}

	if err := m.store.CreateWaveRun(ctx, run, waves, plan.WaveByTask); err != nil {
		return nil, fmt.Errorf("persisting wave run: %w", err)
	}

	m.log.Info().Str("list", listID).Str("run", run.ID).Int("waves", plan.TotalWaves).Msg("planned wave run")
	return run, nil
}

// StartWaveRun moves a run from planning to running and activates wave 0.
// Starting a run that already left planning is a no-op returning the run
// unchanged; concurrent callers race on a compare-and-set and only one wins.
func (m *Machine) StartWaveRun(ctx context.Context, runID string) (*WaveRun, error) {
	m.locks.Lock(runID)
	defer m.locks.Unlock(runID)

	started, err := m.store.UpdateRunStatusIf(ctx, runID, RunPlanning, RunRunning)
	if err != nil {
		return nil, err
	}
	if started {
		run, err := m.store.GetWaveRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		m.publish(events.TopicRun, events.RunStartedEvent{
			RunID:     runID,
			ListID:    run.ListID,
			Waves:     run.TotalWaves,
			Timestamp: time.Now(),
		})
		if _, err := m.startNextWave(ctx, runID); err != nil {
			return nil, err
		}
	}

	return m.store.GetWaveRun(ctx, runID)
}

// CheckWaveCompletion polls the currently running wave of a run. When every
// task in the wave has resolved, the wave transitions to completed (or failed
// if any task failed) and the next wave activates. Calling this with no
// running wave, with tasks still outstanding, or on a terminal run is a
// no-op returning false. The poll is idempotent: a second call with no new
// terminal task produces no state change.
func (m *Machine) CheckWaveCompletion(ctx context.Context, runID string) (bool, error) {
	m.locks.Lock(runID)
	defer m.locks.Unlock(runID)

	run, err := m.store.GetWaveRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != RunRunning {
		return false, nil
	}

	waves, err := m.store.GetWaves(ctx, runID)
	if err != nil {
		return false, err
	}

	var active *Wave
	for _, w := range waves {
		if w.Status == WaveRunning {
			active = w
			break
		}
	}
	if active == nil {
		return false, nil
	}

	tasks, err := m.store.GetTasksByIDs(ctx, active.TaskIDs)
	if err != nil {
		return false, err
	}

	anyFailed := false
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false, nil
		}
		if t.Status == TaskFailed {
			anyFailed = true
		}
	}

	target := WaveCompleted
	if anyFailed {
		target = WaveFailed
	}
	transitioned, err := m.store.UpdateWaveStatusIf(ctx, active.ID, WaveRunning, target)
	if err != nil {
		return false, err
	}
	if !transitioned {
		// Another poller already completed this wave.
		return false, nil
	}

	m.log.Info().Str("run", runID).Int("wave", active.Number).Bool("failed", anyFailed).Msg("wave finished")
	m.publish(events.TopicWave, events.WaveFinishedEvent{
		RunID:     runID,
		Number:    active.Number,
		Failed:    anyFailed,
		Timestamp: time.Now(),
	})

	if _, err := m.startNextWave(ctx, runID); err != nil {
		return true, err
	}
	return true, nil
}

// Cancel moves a run to cancelled. Only runs still in planning or running can
// be cancelled; terminal runs are left untouched and Cancel reports false.
func (m *Machine) Cancel(ctx context.Context, runID string) (bool, error) {
	m.locks.Lock(runID)
	defer m.locks.Unlock(runID)

	for _, from := range []RunStatus{RunRunning, RunPlanning} {
		cancelled, err := m.store.UpdateRunStatusIf(ctx, runID, from, RunCancelled)
		if err != nil {
			return false, err
		}
		if cancelled {
			run, err := m.store.GetWaveRun(ctx, runID)
			if err != nil {
				return true, err
			}
			m.publish(events.TopicRun, events.RunFinishedEvent{
				RunID:     runID,
				ListID:    run.ListID,
				Status:    RunCancelled.String(),
				Timestamp: time.Now(),
			})
			return true, nil
		}
	}
	return false, nil
}

// GetWaveRun returns a run by ID.
func (m *Machine) GetWaveRun(ctx context.Context, runID string) (*WaveRun, error) {
	return m.store.GetWaveRun(ctx, runID)
}

// GetWaves returns the waves of a run ordered by wave number.
func (m *Machine) GetWaves(ctx context.Context, runID string) ([]*Wave, error) {
	return m.store.GetWaves(ctx, runID)
}

// GetWaveRuns returns all runs of a task list, most recent first.
func (m *Machine) GetWaveRuns(ctx context.Context, listID string) ([]*WaveRun, error) {
	return m.store.ListWaveRuns(ctx, listID)
}

// startNextWave activates the lowest-numbered pending wave of the run, or
// completes the run when none remains. This is the sole mechanism by which a
// wave's tasks become schedulable, so wave N+1 tasks never turn pending
// before wave N resolved. Caller must hold the run lock.
func (m *Machine) startNextWave(ctx context.Context, runID string) (bool, error) {
	waves, err := m.store.GetWaves(ctx, runID)
	if err != nil {
		return false, err
	}

	var next *Wave
	for _, w := range waves {
		if w.Status == WavePending && (next == nil || w.Number < next.Number) {
			next = w
		}
	}

	if next == nil {
		completed, err := m.store.UpdateRunStatusIf(ctx, runID, RunRunning, RunCompleted)
		if err != nil {
			return false, err
		}
		if completed {
			run, err := m.store.GetWaveRun(ctx, runID)
			if err != nil {
				return false, err
			}
			m.log.Info().Str("run", runID).Str("list", run.ListID).Msg("run completed")
			m.publish(events.TopicRun, events.RunFinishedEvent{
				RunID:     runID,
				ListID:    run.ListID,
				Status:    RunCompleted.String(),
				Timestamp: time.Now(),
			})
		}
		return false, nil
	}

	activated, err := m.store.UpdateWaveStatusIf(ctx, next.ID, WavePending, WaveRunning)
	if err != nil {
		return false, err
	}
	if !activated {
		return false, nil
	}

	if err := m.store.AdvanceRunCurrentWave(ctx, runID, next.Number); err != nil {
		return false, err
	}

	// Reset the wave's tasks to pending so agents can pick them up.
	for _, taskID := range next.TaskIDs {
		if err := m.store.UpdateTaskStatus(ctx, taskID, TaskPending, ""); err != nil {
			return false, fmt.Errorf("activating task %q: %w", taskID, err)
		}
	}

	m.log.Info().Str("run", runID).Int("wave", next.Number).Int("tasks", len(next.TaskIDs)).Msg("wave started")
	m.publish(events.TopicWave, events.WaveStartedEvent{
		RunID:     runID,
		Number:    next.Number,
		TaskCount: len(next.TaskIDs),
		Timestamp: time.Now(),
	})
	return true, nil
}

func (m *Machine) publish(topic string, event events.Event) {
	if m.bus != nil {
		m.bus.Publish(topic, event)
	}
}

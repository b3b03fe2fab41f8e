package scheduler

import "time"

// RunStatus represents the lifecycle state of a WaveRun.
type RunStatus int

const (
	RunPlanning RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
	RunCancelled
)

// String returns the persisted name of the status.
func (s RunStatus) String() string {
	switch s {
	case RunPlanning:
		return "planning"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the run status is absorbing.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// WaveStatus represents the lifecycle state of a single wave.
type WaveStatus int

const (
	WavePending WaveStatus = iota
	WaveRunning
	WaveCompleted
	WaveFailed
)

// String returns the persisted name of the status.
func (s WaveStatus) String() string {
	switch s {
	case WavePending:
		return "pending"
	case WaveRunning:
		return "running"
	case WaveCompleted:
		return "completed"
	case WaveFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the wave status is absorbing.
func (s WaveStatus) Terminal() bool {
	return s == WaveCompleted || s == WaveFailed
}

// Wave is one batch of tasks that may execute concurrently. The task-id set
// is fixed at planning time and never mutated afterwards.
type Wave struct {
	ID          string
	RunID       string
	Number      int // 0-based, dense within the run
	Status      WaveStatus
	TaskIDs     []string // Ordered as assigned by the planner
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WaveRun is one full planned-and-executed traversal of a task list's waves.
// CurrentWave is the number of the wave currently active (or last completed)
// and is monotonically non-decreasing for the lifetime of the run.
type WaveRun struct {
	ID          string
	ListID      string
	Status      RunStatus
	TotalWaves  int
	CurrentWave int // -1 before the first wave activates
	StartedAt   *time.Time
	CompletedAt *time.Time
}

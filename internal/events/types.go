package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicWave = "wave"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskRetrying   = "task.retrying"
	EventTypeWaveStarted    = "wave.started"
	EventTypeWaveFinished   = "wave.finished"
	EventTypeRunStarted     = "run.started"
	EventTypeRunFinished    = "run.finished"
)

// TaskStartedEvent is published when an agent claims a task.
type TaskStartedEvent struct {
	ID        string
	ListID    string
	AgentID   string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	ListID    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	ListID    string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when the retry engine resurrects a failed task.
type TaskRetryingEvent struct {
	ID          string
	Attempt     int
	FixApproach string
	Timestamp   time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// WaveStartedEvent is published when a wave's tasks become schedulable.
type WaveStartedEvent struct {
	RunID     string
	Number    int
	TaskCount int
	Timestamp time.Time
}

func (e WaveStartedEvent) EventType() string { return EventTypeWaveStarted }
func (e WaveStartedEvent) TaskID() string    { return "" }

// WaveFinishedEvent is published when every task of a wave has resolved.
type WaveFinishedEvent struct {
	RunID     string
	Number    int
	Failed    bool // true when at least one task in the wave failed
	Timestamp time.Time
}

func (e WaveFinishedEvent) EventType() string { return EventTypeWaveFinished }
func (e WaveFinishedEvent) TaskID() string    { return "" }

// RunStartedEvent is published when a wave run leaves planning.
type RunStartedEvent struct {
	RunID     string
	ListID    string
	Waves     int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published when a wave run reaches a terminal status.
type RunFinishedEvent struct {
	RunID     string
	ListID    string
	Status    string // "completed", "failed", or "cancelled"
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }

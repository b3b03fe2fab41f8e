package scheduler

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Schedulable, waiting for an agent to claim it
	TaskInProgress                   // Claimed by an agent, currently executing
	TaskCompleted                    // Finished successfully
	TaskFailed                       // Finished with error
	TaskBlocked                      // Waiting for its wave to activate
)

// String returns the persisted name of the status.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskBlocked:
		return "blocked"
	}
	return "unknown"
}

// Terminal reports whether the status counts as resolved for wave accounting.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task represents a unit of work inside a task list.
type Task struct {
	ID         string
	ListID     string   // Owning task list
	Name       string   // Human-readable name
	Prompt     string   // The instruction handed to the executing agent
	DependsOn  []string // Task IDs this task depends on (same list)
	Status     TaskStatus
	WaveNumber int // -1 until planned
	RetryCount int
	Error      string // Error text from the last failed attempt
}

// TaskList is an independently schedulable collection of tasks with its own
// concurrency cap.
type TaskList struct {
	ID                string
	Name              string
	Status            string
	MaxParallelAgents int
}

// DependencyEdge is a directed edge (TaskID depends on DependsOn), scoped to
// one task list. Authored by external task-creation tooling; read-only input
// to the planner.
type DependencyEdge struct {
	TaskID    string
	DependsOn string
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	return &cp
}

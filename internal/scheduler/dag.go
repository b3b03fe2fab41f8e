package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// DAG represents the dependency graph of one task list.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task to the DAG. Returns error if task ID already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	d.tasks[task.ID] = cloneTask(task)

	// Build dependents map for efficient downstream lookup
	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// AddEdge records an extra dependency edge for an already-added task.
// Duplicate edges are ignored.
func (d *DAG) AddEdge(edge DependencyEdge) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[edge.TaskID]
	if !exists {
		return fmt.Errorf("edge references unknown task %q", edge.TaskID)
	}

	for _, depID := range task.DependsOn {
		if depID == edge.DependsOn {
			return nil
		}
	}

	task.DependsOn = append(task.DependsOn, edge.DependsOn)
	d.dependents[edge.DependsOn] = append(d.dependents[edge.DependsOn], edge.TaskID)
	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if a cycle is detected.
// Also verifies all task IDs in DependsOn exist in the DAG.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// First, verify all dependencies exist
	for taskID, task := range d.tasks {
		for _, depID := range task.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	// Build edges for topological sort
	var edges []toposort.Edge
	for taskID, task := range d.tasks {
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range task.DependsOn {
				// Edge (depID, taskID) means depID must come before taskID
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Verify all tasks are in the sorted result (catches disconnected components)
	if len(order) != len(d.tasks) {
		missing := []string{}
		foundMap := make(map[string]bool)
		for _, id := range order {
			foundMap[id] = true
		}
		for taskID := range d.tasks {
			if !foundMap[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.tasks))
	for _, task := range d.tasks {
		tasks = append(tasks, cloneTask(task))
	}
	return tasks
}

// Len returns the number of tasks in the DAG.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[taskID]...)
}

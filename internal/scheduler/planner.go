package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptyTaskList is returned when planning is requested for a list with no tasks.
var ErrEmptyTaskList = errors.New("task list has no tasks to plan")

// CycleError reports a dependency cycle with the implicated task IDs.
// Cyclic tasks are never silently forced into wave 0; the caller must break
// the cycle before a plan can be produced.
type CycleError struct {
	TaskIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(e.TaskIDs, ", "))
}

// Plan is the output of wave planning: every task labeled with the smallest
// wave number that still places it after all of its dependencies.
type Plan struct {
	TotalWaves int
	Waves      [][]string     // Waves[n] holds the ordered task IDs of wave n
	WaveByTask map[string]int // taskID -> assigned wave number
}

// PlanWaves partitions a task list's dependency graph into execution waves.
//
// Wave numbers are the minimal longest-path labeling: wave(T) = 0 for tasks
// with no dependencies, otherwise 1 + max(wave(dep)). Computed iteratively
// with Kahn layering so recursion depth is not a function of graph size.
// Wave numbers are dense by construction: every number in [0, TotalWaves)
// has at least one task.
//
// Extra edges supplement the DependsOn sets already present on the tasks.
func PlanWaves(tasks []*Task, edges []DependencyEdge) (*Plan, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyTaskList
	}

	dag := NewDAG()
	for _, task := range tasks {
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
	}
	for _, edge := range edges {
		if err := dag.AddEdge(edge); err != nil {
			return nil, err
		}
	}

	// Validate checks for unknown dependencies up front; its cycle detection
	// is redone below because Kahn layering identifies the cycle members.
	if _, err := dag.Validate(); err != nil {
		if !strings.Contains(err.Error(), "cycle") {
			return nil, err
		}
	}

	// Kahn layering: wave 0 is every zero-in-degree task; removing a wave
	// yields the next one. The layer a task lands in equals its longest
	// dependency path, which is exactly the minimal valid wave number.
	inDegree := make(map[string]int, dag.Len())
	for _, task := range dag.Tasks() {
		inDegree[task.ID] = len(task.DependsOn)
	}

	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	plan := &Plan{WaveByTask: make(map[string]int, dag.Len())}
	visited := 0
	for len(current) > 0 {
		sort.Strings(current) // deterministic ordering within each wave
		wave := len(plan.Waves)
		plan.Waves = append(plan.Waves, current)
		for _, id := range current {
			plan.WaveByTask[id] = wave
		}
		visited += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dag.Dependents(id) {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if visited != dag.Len() {
		// Tasks never reaching zero in-degree are on or behind a cycle.
		var cyclic []string
		for id := range inDegree {
			if _, ok := plan.WaveByTask[id]; !ok {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, &CycleError{TaskIDs: cyclic}
	}

	plan.TotalWaves = len(plan.Waves)
	return plan, nil
}

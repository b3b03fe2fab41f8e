package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of one agent instance.
type Status int

const (
	StatusIdle Status = iota // Spawned, waiting for a task
	StatusWorking
	StatusTerminated
)

// String returns the reported name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWorking:
		return "working"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// Instance is one live agent slot.
type Instance struct {
	ID        string
	ListID    string
	TaskID    string // Task currently being executed, empty when idle
	Status    Status
	SpawnedAt time.Time
}

// Registry tracks live agent instances for global cap enforcement.
// All counts are of the in-memory registry; terminated agents stay recorded
// but no longer count as active.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Instance),
	}
}

// Spawn registers a new idle agent for the given list and returns it.
func (r *Registry) Spawn(listID string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := &Instance{
		ID:        uuid.NewString(),
		ListID:    listID,
		Status:    StatusIdle,
		SpawnedAt: time.Now(),
	}
	r.agents[inst.ID] = inst
	return inst
}

// SetWorking marks an agent as executing the given task.
func (r *Registry) SetWorking(agentID, taskID string) error {
	return r.transition(agentID, func(inst *Instance) {
		inst.Status = StatusWorking
		inst.TaskID = taskID
	})
}

// SetIdle marks an agent as idle again after finishing a task.
func (r *Registry) SetIdle(agentID string) error {
	return r.transition(agentID, func(inst *Instance) {
		inst.Status = StatusIdle
		inst.TaskID = ""
	})
}

// Terminate retires an agent. Terminated agents no longer count as active.
func (r *Registry) Terminate(agentID string) error {
	return r.transition(agentID, func(inst *Instance) {
		inst.Status = StatusTerminated
		inst.TaskID = ""
	})
}

func (r *Registry) transition(agentID string, apply func(*Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("agent %q not found", agentID)
	}
	apply(inst)
	return nil
}

// ActiveAgents returns the number of non-terminated agent instances.
func (r *Registry) ActiveAgents() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, inst := range r.agents {
		if inst.Status != StatusTerminated {
			count++
		}
	}
	return count
}

// WorkingAgents returns the number of agents currently executing a task.
func (r *Registry) WorkingAgents() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, inst := range r.agents {
		if inst.Status == StatusWorking {
			count++
		}
	}
	return count
}

// ActiveForList returns the number of non-terminated agents of one list.
func (r *Registry) ActiveForList(listID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, inst := range r.agents {
		if inst.ListID == listID && inst.Status != StatusTerminated {
			count++
		}
	}
	return count
}

// List returns a snapshot of all registered agents.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.agents))
	for _, inst := range r.agents {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

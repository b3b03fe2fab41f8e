package agent

import (
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	inst := r.Spawn("list-1")
	if inst.ID == "" {
		t.Fatal("spawned agent has no ID")
	}
	if inst.Status != StatusIdle {
		t.Errorf("status = %v, want idle", inst.Status)
	}
	if r.ActiveAgents() != 1 {
		t.Errorf("ActiveAgents = %d, want 1", r.ActiveAgents())
	}
	if r.WorkingAgents() != 0 {
		t.Errorf("WorkingAgents = %d, want 0", r.WorkingAgents())
	}

	if err := r.SetWorking(inst.ID, "task-1"); err != nil {
		t.Fatalf("SetWorking failed: %v", err)
	}
	if r.WorkingAgents() != 1 {
		t.Errorf("WorkingAgents = %d, want 1", r.WorkingAgents())
	}

	if err := r.SetIdle(inst.ID); err != nil {
		t.Fatalf("SetIdle failed: %v", err)
	}
	if r.WorkingAgents() != 0 {
		t.Errorf("WorkingAgents = %d, want 0", r.WorkingAgents())
	}

	if err := r.Terminate(inst.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if r.ActiveAgents() != 0 {
		t.Errorf("ActiveAgents after terminate = %d, want 0", r.ActiveAgents())
	}
}

func TestRegistryUnknownAgent(t *testing.T) {
	r := NewRegistry()
	if err := r.SetWorking("ghost", "task-1"); err == nil {
		t.Error("expected error for unknown agent")
	}
	if err := r.Terminate("ghost"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestRegistryActiveForList(t *testing.T) {
	r := NewRegistry()

	a := r.Spawn("list-1")
	r.Spawn("list-1")
	r.Spawn("list-2")

	if got := r.ActiveForList("list-1"); got != 2 {
		t.Errorf("ActiveForList(list-1) = %d, want 2", got)
	}
	if got := r.ActiveForList("list-2"); got != 1 {
		t.Errorf("ActiveForList(list-2) = %d, want 1", got)
	}

	if err := r.Terminate(a.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if got := r.ActiveForList("list-1"); got != 1 {
		t.Errorf("ActiveForList(list-1) after terminate = %d, want 1", got)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Spawn("list-1")
	r.Spawn("list-2")

	all := r.List()
	if len(all) != 2 {
		t.Fatalf("List length = %d, want 2", len(all))
	}

	// Returned instances are copies.
	all[0].Status = StatusTerminated
	if r.ActiveAgents() != 2 {
		t.Error("mutating listed instance leaked into the registry")
	}
}

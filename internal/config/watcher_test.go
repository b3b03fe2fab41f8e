package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcherInitialLoad(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "config.json", `{"orchestrator": {"max_global_agents": 12}}`)

	w, err := NewWatcher("", project, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if got := w.Get().Orchestrator.MaxGlobalAgents; got != 12 {
		t.Errorf("MaxGlobalAgents = %d, want 12", got)
	}
}

func TestWatcherPublishesReload(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "config.json")
	if err := os.WriteFile(project, []byte(`{"orchestrator": {"max_global_agents": 12}}`), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	w, err := NewWatcher("", project, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = w.Watch(ctx)
	}()

	sub := w.Subscribe(1)
	defer w.Unsubscribe(sub)

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(project, []byte(`{"orchestrator": {"max_global_agents": 2}}`), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Orchestrator.MaxGlobalAgents != 2 {
			t.Errorf("reloaded MaxGlobalAgents = %d, want 2", cfg.Orchestrator.MaxGlobalAgents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload received")
	}

	if got := w.Get().Orchestrator.MaxGlobalAgents; got != 2 {
		t.Errorf("Get after reload = %d, want 2", got)
	}
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "config.json", `{"orchestrator": {"max_global_agents": 12}}`)

	w, err := NewWatcher("", project, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	// A direct reload of a now-broken file must not clobber the snapshot.
	if err := os.WriteFile(project, []byte(`{broken`), 0o644); err != nil {
		t.Fatalf("failed to break config: %v", err)
	}
	w.reload()

	if got := w.Get().Orchestrator.MaxGlobalAgents; got != 12 {
		t.Errorf("MaxGlobalAgents = %d, want 12 (last good config)", got)
	}
}

func TestHashConfigDistinguishes(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	if hashConfig(a) != hashConfig(b) {
		t.Error("identical configs hashed differently")
	}

	b.Orchestrator.MaxGlobalAgents++
	if hashConfig(a) == hashConfig(b) {
		t.Error("different configs hashed identically")
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wavesched/wavesched/internal/agent"
	"github.com/wavesched/wavesched/internal/config"
	"github.com/wavesched/wavesched/internal/events"
	"github.com/wavesched/wavesched/internal/orchestrator"
	"github.com/wavesched/wavesched/internal/persistence"
	"github.com/wavesched/wavesched/internal/scheduler"
)

func main() {
	var (
		dbPath   = flag.String("db", "", "path to the sqlite database (default ~/.wavesched/wavesched.db)")
		logLevel = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
		pretty   = flag.Bool("pretty", false, "human-readable log output")
	)
	flag.Parse()

	log, err := newLogger(*logLevel, *pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(log, *dbPath); err != nil {
		log.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger, nil
}

func run(log zerolog.Logger, dbPath string) error {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	if dbPath == "" {
		dbPath = filepath.Join(homeDir, ".wavesched", "wavesched.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".wavesched", "config.json")
	projectPath := filepath.Join(".wavesched", "config.json")

	watcher, err := config.NewWatcher(globalPath, projectPath, log)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("config watcher stopped")
		}
	}()

	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	machine := scheduler.NewMachine(store, bus, log)
	registry := agent.NewRegistry()
	executor := agent.NewProcessExecutor(watcher.Get().Agent)
	orch := orchestrator.New(store, machine, registry, executor, bus, watcher.Get, log)

	// Config reloads change the caps, so re-run the allocator when one
	// lands.
	reloads := watcher.Subscribe(1)
	defer watcher.Unsubscribe(reloads)
	go func() {
		for range reloads {
			log.Info().Msg("config reloaded, rebalancing agents")
			orch.RebalanceAgents(ctx)
		}
	}()

	log.Info().Str("db", dbPath).Msg("waveschedd started")

	// Admission loop: pick up pending task lists and try to start them.
	// The limiter paces the store polling; completion checks run inside
	// each list's runner.
	limiter := rate.NewLimiter(rate.Every(2*time.Second), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		pending, err := store.ListTaskListsByStatus(ctx, "pending")
		if err != nil {
			log.Error().Err(err).Msg("failed to poll for pending task lists")
			continue
		}
		for _, list := range pending {
			res, err := orch.OrchestratedStart(ctx, list.ID, 0)
			if err != nil {
				log.Error().Err(err).Str("list", list.ID).Msg("start failed")
				continue
			}
			if !res.Started {
				log.Debug().Str("list", list.ID).Str("reason", res.Reason).Msg("start deferred")
			}
		}
	}

	stop()
	log.Info().Msg("shutdown signal received, draining runners")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown timeout exceeded")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

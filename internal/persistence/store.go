package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wavesched/wavesched/internal/conflict"
	"github.com/wavesched/wavesched/internal/scheduler"
)

// RetryAttempt is one append-only row of the retry log. AttemptNumber is the
// 1-based count of attempts already logged for the task at creation time.
type RetryAttempt struct {
	ID            string
	TaskID        string
	AttemptNumber int
	AgentID       string
	Error         string
	FixApproach   string
	Result        string // "pending", "success", or "failure"
	CreatedAt     time.Time
}

// Store defines the persistence surface for task lists, tasks, wave runs,
// file impacts, and the retry log.
type Store interface {
	// Task list operations
	SaveTaskList(ctx context.Context, list *scheduler.TaskList) error
	GetTaskList(ctx context.Context, listID string) (*scheduler.TaskList, error)
	ListTaskListsByStatus(ctx context.Context, status string) ([]*scheduler.TaskList, error)
	SetTaskListStatus(ctx context.Context, listID, status string) error

	// Task operations
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	GetTasksByIDs(ctx context.Context, taskIDs []string) ([]*scheduler.Task, error)
	ListTasks(ctx context.Context, listID string) ([]*scheduler.Task, error)
	ListDependencyEdges(ctx context.Context, listID string) ([]scheduler.DependencyEdge, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, errMsg string) error
	ClaimTask(ctx context.Context, listID string) (*scheduler.Task, error)
	CountRemainingTasks(ctx context.Context, listID string) (int, error)

	// Wave run operations
	CreateWaveRun(ctx context.Context, run *scheduler.WaveRun, waves []*scheduler.Wave, waveByTask map[string]int) error
	GetWaveRun(ctx context.Context, runID string) (*scheduler.WaveRun, error)
	ListWaveRuns(ctx context.Context, listID string) ([]*scheduler.WaveRun, error)
	GetWaves(ctx context.Context, runID string) ([]*scheduler.Wave, error)
	UpdateRunStatusIf(ctx context.Context, runID string, from, to scheduler.RunStatus) (bool, error)
	AdvanceRunCurrentWave(ctx context.Context, runID string, wave int) error
	UpdateWaveStatusIf(ctx context.Context, waveID string, from, to scheduler.WaveStatus) (bool, error)

	// File impacts
	SaveFileImpact(ctx context.Context, impact conflict.Impact) error
	GetUnresolvedImpacts(ctx context.Context, listID string) ([]conflict.Impact, error)
	ListTaskImpacts(ctx context.Context, taskID string) ([]conflict.Impact, error)

	// Retry log
	RecordRetryAttempt(ctx context.Context, attempt *RetryAttempt) error
	ResolveRetryAttempt(ctx context.Context, attemptID, result string) error
	GetRetryAttempts(ctx context.Context, taskID string) ([]*RetryAttempt, error)
	IncrementTaskRetry(ctx context.Context, taskID string) (int, error)
	GetTasksNeedingRetry(ctx context.Context, listID string, maxAttempts int) ([]*scheduler.Task, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

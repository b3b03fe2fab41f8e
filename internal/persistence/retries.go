package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavesched/wavesched/internal/scheduler"
)

// RecordRetryAttempt appends a row to the retry log. AttemptNumber is
// computed inside the transaction as one past the attempts already logged,
// and written back to the passed attempt.
func (s *SQLiteStore) RecordRetryAttempt(ctx context.Context, attempt *RetryAttempt) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prior int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_retry_attempts WHERE task_id = ?
	`, attempt.TaskID).Scan(&prior)
	if err != nil {
		return fmt.Errorf("failed to count prior attempts: %w", err)
	}
	attempt.AttemptNumber = prior + 1

	if attempt.Result == "" {
		attempt.Result = "pending"
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_retry_attempts (id, task_id, attempt_number, agent_id, error, fix_approach, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, attempt.ID, attempt.TaskID, attempt.AttemptNumber, attempt.AgentID, attempt.Error, attempt.FixApproach, attempt.Result)
	if err != nil {
		return fmt.Errorf("failed to insert retry attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry attempt: %w", err)
	}
	return nil
}

// ResolveRetryAttempt records the outcome of a logged attempt.
func (s *SQLiteStore) ResolveRetryAttempt(ctx context.Context, attemptID, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_retry_attempts SET result = ? WHERE id = ?
	`, result, attemptID)
	if err != nil {
		return fmt.Errorf("failed to resolve retry attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("retry attempt not found: %s", attemptID)
	}
	return nil
}

// GetRetryAttempts returns the retry log of a task in attempt order.
func (s *SQLiteStore) GetRetryAttempts(ctx context.Context, taskID string) ([]*RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt_number, agent_id, error, fix_approach, result, created_at
		FROM task_retry_attempts
		WHERE task_id = ?
		ORDER BY attempt_number
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*RetryAttempt
	for rows.Next() {
		a := &RetryAttempt{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AttemptNumber, &a.AgentID, &a.Error, &a.FixApproach, &a.Result, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// IncrementTaskRetry bumps a task's retry counter and returns the new value.
func (s *SQLiteStore) IncrementTaskRetry(ctx context.Context, taskID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("task not found: %s", taskID)
	}

	var count int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE id = ?`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return count, nil
}

// GetTasksNeedingRetry returns the list's failed tasks that have attempts
// left. Exhausted tasks stay failed and are excluded permanently.
func (s *SQLiteStore) GetTasksNeedingRetry(ctx context.Context, listID string, maxAttempts int) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `
		WHERE list_id = ? AND status = 'failed' AND retry_count < ?
		ORDER BY wave_number, created_at, id
	`, listID, maxAttempts)
}

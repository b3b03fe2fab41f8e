package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wavesched/wavesched/internal/conflict"
	"github.com/wavesched/wavesched/internal/scheduler"
)

// SaveTaskList saves or updates a task list.
func (s *SQLiteStore) SaveTaskList(ctx context.Context, list *scheduler.TaskList) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_lists (id, name, status, max_parallel_agents, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			max_parallel_agents = excluded.max_parallel_agents,
			updated_at = CURRENT_TIMESTAMP
	`, list.ID, list.Name, list.Status, list.MaxParallelAgents)
	if err != nil {
		return fmt.Errorf("failed to upsert task list: %w", err)
	}
	return nil
}

// GetTaskList retrieves a task list by ID.
func (s *SQLiteStore) GetTaskList(ctx context.Context, listID string) (*scheduler.TaskList, error) {
	list := &scheduler.TaskList{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, max_parallel_agents FROM task_lists WHERE id = ?
	`, listID).Scan(&list.ID, &list.Name, &list.Status, &list.MaxParallelAgents)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task list not found: %s", listID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task list: %w", err)
	}
	return list, nil
}

// ListTaskListsByStatus returns all task lists with the given status.
func (s *SQLiteStore) ListTaskListsByStatus(ctx context.Context, status string) ([]*scheduler.TaskList, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, max_parallel_agents FROM task_lists WHERE status = ? ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query task lists: %w", err)
	}
	defer rows.Close()

	var lists []*scheduler.TaskList
	for rows.Next() {
		list := &scheduler.TaskList{}
		if err := rows.Scan(&list.ID, &list.Name, &list.Status, &list.MaxParallelAgents); err != nil {
			return nil, fmt.Errorf("failed to scan task list: %w", err)
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// SetTaskListStatus updates a task list's status.
func (s *SQLiteStore) SetTaskListStatus(ctx context.Context, listID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_lists SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, listID)
	if err != nil {
		return fmt.Errorf("failed to update task list status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task list not found: %s", listID)
	}
	return nil
}

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var waveNumber any
	if task.WaveNumber >= 0 {
		waveNumber = task.WaveNumber
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, list_id, name, prompt, status, wave_number, retry_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			list_id = excluded.list_id,
			name = excluded.name,
			prompt = excluded.prompt,
			status = excluded.status,
			wave_number = excluded.wave_number,
			retry_count = excluded.retry_count,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.ListID, task.Name, task.Prompt, task.Status.String(), waveNumber, task.RetryCount, task.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := s.scanTask(ctx, `WHERE id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.loadDependencies(ctx, []*scheduler.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) scanTask(ctx context.Context, where string, args ...any) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var status string
	var waveNumber sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, list_id, name, prompt, status, wave_number, retry_count, error
		FROM tasks `+where, args...,
	).Scan(&task.ID, &task.ListID, &task.Name, &task.Prompt, &status, &waveNumber, &task.RetryCount, &task.Error)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	task.Status, err = taskStatusFromString(status)
	if err != nil {
		return nil, err
	}
	task.WaveNumber = -1
	if waveNumber.Valid {
		task.WaveNumber = int(waveNumber.Int64)
	}
	return task, nil
}

// GetTasksByIDs retrieves tasks by ID. Missing ids are an error.
func (s *SQLiteStore) GetTasksByIDs(ctx context.Context, taskIDs []string) ([]*scheduler.Task, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(taskIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	tasks, err := s.queryTasks(ctx, `WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	if len(tasks) != len(taskIDs) {
		return nil, fmt.Errorf("requested %d tasks, found %d", len(taskIDs), len(tasks))
	}
	return tasks, nil
}

// ListTasks returns all tasks of a task list with dependencies populated.
func (s *SQLiteStore) ListTasks(ctx context.Context, listID string) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `WHERE list_id = ? ORDER BY created_at, id`, listID)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, where string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, name, prompt, status, wave_number, retry_count, error
		FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task := &scheduler.Task{}
		var status string
		var waveNumber sql.NullInt64
		if err := rows.Scan(&task.ID, &task.ListID, &task.Name, &task.Prompt, &status, &waveNumber, &task.RetryCount, &task.Error); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Status, err = taskStatusFromString(status)
		if err != nil {
			return nil, err
		}
		task.WaveNumber = -1
		if waveNumber.Valid {
			task.WaveNumber = int(waveNumber.Int64)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	if err := s.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, tasks []*scheduler.Task) error {
	for _, task := range tasks {
		rows, err := s.db.QueryContext(ctx, `
			SELECT depends_on_id FROM task_dependencies WHERE task_id = ?
		`, task.ID)
		if err != nil {
			return fmt.Errorf("failed to query dependencies: %w", err)
		}

		task.DependsOn = []string{}
		for rows.Next() {
			var depID string
			if err := rows.Scan(&depID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			task.DependsOn = append(task.DependsOn, depID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating dependencies: %w", err)
		}
		rows.Close()
	}
	return nil
}

// ListDependencyEdges returns all dependency edges within a task list.
func (s *SQLiteStore) ListDependencyEdges(ctx context.Context, listID string) ([]scheduler.DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.list_id = ?
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []scheduler.DependencyEdge
	for rows.Next() {
		var e scheduler.DependencyEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpdateTaskStatus updates the status and error text of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status.String(), errMsg, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// ClaimTask atomically claims one pending task of the list, flipping it to
// in_progress. Returns nil when no pending task exists. Only tasks of the
// currently active wave are ever pending, so claiming per list suffices.
func (s *SQLiteStore) ClaimTask(ctx context.Context, listID string) (*scheduler.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var taskID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE list_id = ? AND status = 'pending'
		ORDER BY wave_number, created_at, id
		LIMIT 1
	`, listID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another claimer.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return s.GetTask(ctx, taskID)
}

// CountRemainingTasks counts the list's tasks that still need work
// (anything not yet completed or failed).
func (s *SQLiteStore) CountRemainingTasks(ctx context.Context, listID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE list_id = ? AND status NOT IN ('completed', 'failed')
	`, listID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining tasks: %w", err)
	}
	return count, nil
}

// SaveFileImpact records one declared file impact of a task. Idempotent.
func (s *SQLiteStore) SaveFileImpact(ctx context.Context, impact conflict.Impact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_file_impacts (task_id, file_path, operation)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id, file_path, operation) DO NOTHING
	`, impact.TaskID, impact.Path, string(impact.Op))
	if err != nil {
		return fmt.Errorf("failed to insert file impact: %w", err)
	}
	return nil
}

// GetUnresolvedImpacts returns the file impacts of the list's tasks that have
// not resolved yet (everything except completed and failed).
func (s *SQLiteStore) GetUnresolvedImpacts(ctx context.Context, listID string) ([]conflict.Impact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.task_id, t.list_id, i.file_path, i.operation
		FROM task_file_impacts i
		JOIN tasks t ON t.id = i.task_id
		WHERE t.list_id = ? AND t.status NOT IN ('completed', 'failed')
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file impacts: %w", err)
	}
	defer rows.Close()

	var impacts []conflict.Impact
	for rows.Next() {
		var imp conflict.Impact
		var op string
		if err := rows.Scan(&imp.TaskID, &imp.ListID, &imp.Path, &op); err != nil {
			return nil, fmt.Errorf("failed to scan file impact: %w", err)
		}
		imp.Op = conflict.Op(op)
		impacts = append(impacts, imp)
	}
	return impacts, rows.Err()
}

// ListTaskImpacts returns all declared file impacts of a single task.
func (s *SQLiteStore) ListTaskImpacts(ctx context.Context, taskID string) ([]conflict.Impact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.task_id, t.list_id, i.file_path, i.operation
		FROM task_file_impacts i
		JOIN tasks t ON t.id = i.task_id
		WHERE i.task_id = ?
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task impacts: %w", err)
	}
	defer rows.Close()

	var impacts []conflict.Impact
	for rows.Next() {
		var imp conflict.Impact
		var op string
		if err := rows.Scan(&imp.TaskID, &imp.ListID, &imp.Path, &op); err != nil {
			return nil, fmt.Errorf("failed to scan file impact: %w", err)
		}
		imp.Op = conflict.Op(op)
		impacts = append(impacts, imp)
	}
	return impacts, rows.Err()
}

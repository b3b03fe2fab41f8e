package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Wave membership lives in the wave_tasks join table rather than a JSON
// column so task ids stay referentially intact and indexable.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_lists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		max_parallel_agents INTEGER NOT NULL DEFAULT 2,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		list_id TEXT NOT NULL,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		wave_number INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (list_id) REFERENCES task_lists(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_list_status ON tasks(list_id, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS wave_runs (
		id TEXT PRIMARY KEY,
		task_list_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planning',
		total_waves INTEGER NOT NULL,
		current_wave INTEGER NOT NULL DEFAULT -1,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (task_list_id) REFERENCES task_lists(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_wave_runs_list ON wave_runs(task_list_id);

	CREATE TABLE IF NOT EXISTS waves (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		wave_number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at DATETIME,
		completed_at DATETIME,
		UNIQUE (run_id, wave_number),
		FOREIGN KEY (run_id) REFERENCES wave_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS wave_tasks (
		wave_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (wave_id, task_id),
		FOREIGN KEY (wave_id) REFERENCES waves(id) ON DELETE CASCADE,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_wave_tasks_wave ON wave_tasks(wave_id, position);

	CREATE TABLE IF NOT EXISTS task_file_impacts (
		task_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		operation TEXT NOT NULL,
		PRIMARY KEY (task_id, file_path, operation),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_retry_attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		fix_approach TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_retry_attempts_task ON task_retry_attempts(task_id, attempt_number);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavesched/wavesched/internal/scheduler"
)

// CreateWaveRun commits a planned run, its waves, the wave_tasks membership
// rows, and the per-task wave numbers in one transaction. Planned tasks move
// to blocked until their wave activates.
func (s *SQLiteStore) CreateWaveRun(ctx context.Context, run *scheduler.WaveRun, waves []*scheduler.Wave, waveByTask map[string]int) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wave_runs (id, task_list_id, status, total_waves, current_wave)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.ListID, run.Status.String(), run.TotalWaves, run.CurrentWave)
	if err != nil {
		return fmt.Errorf("failed to insert wave run: %w", err)
	}

	for _, wave := range waves {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO waves (id, run_id, wave_number, status)
			VALUES (?, ?, ?, ?)
		`, wave.ID, wave.RunID, wave.Number, wave.Status.String())
		if err != nil {
			return fmt.Errorf("failed to insert wave %d: %w", wave.Number, err)
		}

		for pos, taskID := range wave.TaskIDs {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO wave_tasks (wave_id, task_id, position)
				VALUES (?, ?, ?)
			`, wave.ID, taskID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert wave task %s: %w", taskID, err)
			}
		}
	}

	for taskID, waveNumber := range waveByTask {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET wave_number = ?, status = 'blocked', updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, waveNumber, taskID)
		if err != nil {
			return fmt.Errorf("failed to assign wave number to task %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wave run: %w", err)
	}
	return nil
}

// GetWaveRun retrieves a wave run by ID.
func (s *SQLiteStore) GetWaveRun(ctx context.Context, runID string) (*scheduler.WaveRun, error) {
	run := &scheduler.WaveRun{}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_list_id, status, total_waves, current_wave, started_at, completed_at
		FROM wave_runs WHERE id = ?
	`, runID).Scan(&run.ID, &run.ListID, &status, &run.TotalWaves, &run.CurrentWave, &run.StartedAt, &run.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wave run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wave run: %w", err)
	}
	run.Status, err = runStatusFromString(status)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListWaveRuns returns all runs of a task list, most recent first.
func (s *SQLiteStore) ListWaveRuns(ctx context.Context, listID string) ([]*scheduler.WaveRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_list_id, status, total_waves, current_wave, started_at, completed_at
		FROM wave_runs WHERE task_list_id = ?
		ORDER BY started_at DESC, id DESC
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wave runs: %w", err)
	}
	defer rows.Close()

	var runs []*scheduler.WaveRun
	for rows.Next() {
		run := &scheduler.WaveRun{}
		var status string
		if err := rows.Scan(&run.ID, &run.ListID, &status, &run.TotalWaves, &run.CurrentWave, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wave run: %w", err)
		}
		run.Status, err = runStatusFromString(status)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetWaves returns the waves of a run ordered by wave number, with each
// wave's ordered task-id set loaded from the join table.
func (s *SQLiteStore) GetWaves(ctx context.Context, runID string) ([]*scheduler.Wave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, wave_number, status, started_at, completed_at
		FROM waves WHERE run_id = ?
		ORDER BY wave_number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query waves: %w", err)
	}
	defer rows.Close()

	var waves []*scheduler.Wave
	for rows.Next() {
		wave := &scheduler.Wave{}
		var status string
		if err := rows.Scan(&wave.ID, &wave.RunID, &wave.Number, &status, &wave.StartedAt, &wave.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wave: %w", err)
		}
		wave.Status, err = waveStatusFromString(status)
		if err != nil {
			return nil, err
		}
		waves = append(waves, wave)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waves: %w", err)
	}

	for _, wave := range waves {
		taskRows, err := s.db.QueryContext(ctx, `
			SELECT task_id FROM wave_tasks WHERE wave_id = ? ORDER BY position
		`, wave.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to query wave tasks: %w", err)
		}
		for taskRows.Next() {
			var taskID string
			if err := taskRows.Scan(&taskID); err != nil {
				taskRows.Close()
				return nil, fmt.Errorf("failed to scan wave task: %w", err)
			}
			wave.TaskIDs = append(wave.TaskIDs, taskID)
		}
		if err := taskRows.Err(); err != nil {
			taskRows.Close()
			return nil, fmt.Errorf("error iterating wave tasks: %w", err)
		}
		taskRows.Close()
	}

	return waves, nil
}

// UpdateRunStatusIf transitions a run's status only when its current status
// matches. Reports whether the transition happened. Timestamps are stamped
// on the running and terminal edges.
func (s *SQLiteStore) UpdateRunStatusIf(ctx context.Context, runID string, from, to scheduler.RunStatus) (bool, error) {
	query := `UPDATE wave_runs SET status = ? WHERE id = ? AND status = ?`
	switch {
	case to == scheduler.RunRunning:
		query = `UPDATE wave_runs SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`
	case to.Terminal():
		query = `UPDATE wave_runs SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`
	}

	res, err := s.db.ExecContext(ctx, query, to.String(), runID, from.String())
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdvanceRunCurrentWave raises current_wave to the given wave number. The
// guard keeps current_wave monotonically non-decreasing even under races.
func (s *SQLiteStore) AdvanceRunCurrentWave(ctx context.Context, runID string, wave int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wave_runs SET current_wave = ? WHERE id = ? AND current_wave < ?
	`, wave, runID, wave)
	if err != nil {
		return fmt.Errorf("failed to advance current wave: %w", err)
	}
	return nil
}

// UpdateWaveStatusIf transitions a wave's status only when its current status
// matches. Reports whether the transition happened.
func (s *SQLiteStore) UpdateWaveStatusIf(ctx context.Context, waveID string, from, to scheduler.WaveStatus) (bool, error) {
	query := `UPDATE waves SET status = ? WHERE id = ? AND status = ?`
	switch {
	case to == scheduler.WaveRunning:
		query = `UPDATE waves SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`
	case to.Terminal():
		query = `UPDATE waves SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`
	}

	res, err := s.db.ExecContext(ctx, query, to.String(), waveID, from.String())
	if err != nil {
		return false, fmt.Errorf("failed to update wave status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

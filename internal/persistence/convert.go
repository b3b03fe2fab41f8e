package persistence

import (
	"fmt"

	"github.com/wavesched/wavesched/internal/scheduler"
)

func taskStatusFromString(s string) (scheduler.TaskStatus, error) {
	switch s {
	case "pending":
		return scheduler.TaskPending, nil
	case "in_progress":
		return scheduler.TaskInProgress, nil
	case "completed":
		return scheduler.TaskCompleted, nil
	case "failed":
		return scheduler.TaskFailed, nil
	case "blocked":
		return scheduler.TaskBlocked, nil
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

func runStatusFromString(s string) (scheduler.RunStatus, error) {
	switch s {
	case "planning":
		return scheduler.RunPlanning, nil
	case "running":
		return scheduler.RunRunning, nil
	case "completed":
		return scheduler.RunCompleted, nil
	case "failed":
		return scheduler.RunFailed, nil
	case "cancelled":
		return scheduler.RunCancelled, nil
	}
	return 0, fmt.Errorf("unknown run status %q", s)
}

func waveStatusFromString(s string) (scheduler.WaveStatus, error) {
	switch s {
	case "pending":
		return scheduler.WavePending, nil
	case "running":
		return scheduler.WaveRunning, nil
	case "completed":
		return scheduler.WaveCompleted, nil
	case "failed":
		return scheduler.WaveFailed, nil
	}
	return 0, fmt.Errorf("unknown wave status %q", s)
}

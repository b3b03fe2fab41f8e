// Package agent models the external worker pool. The scheduler treats an
// agent as an opaque execution unit: it claims one task, eventually reports
// success or a classified failure, and is accounted for against the global
// agent cap.
package agent

import (
	"errors"
	"fmt"
)

// FailureClass is the tagged failure taxonomy reported by workers. The retry
// engine dispatches fix approaches on the class instead of matching error
// text.
type FailureClass string

const (
	FailureTimeout       FailureClass = "timeout"
	FailureCompile       FailureClass = "compile"
	FailureTest          FailureClass = "test"
	FailureLint          FailureClass = "lint"
	FailureMergeConflict FailureClass = "merge_conflict"
	FailureRateLimit     FailureClass = "rate_limit"
	FailureUnknown       FailureClass = "unknown"
)

// TaskError is a classified task execution failure.
type TaskError struct {
	Class FailureClass
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ClassOf extracts the failure class from an error chain.
// Returns FailureUnknown for unclassified errors.
func ClassOf(err error) FailureClass {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Class
	}
	return FailureUnknown
}

// Result is the output of a successfully executed task.
type Result struct {
	Output string
}

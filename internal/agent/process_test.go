package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wavesched/wavesched/internal/config"
)

func TestParseFailureClass(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   FailureClass
	}{
		{"compile", "building...\nfailure_class: compile\n", FailureCompile},
		{"test", "failure_class: test", FailureTest},
		{"lint", "  failure_class: lint  ", FailureLint},
		{"merge conflict", "failure_class: merge_conflict", FailureMergeConflict},
		{"rate limit", "failure_class: rate_limit", FailureRateLimit},
		{"timeout", "failure_class: timeout", FailureTimeout},
		{"unknown tag", "failure_class: exploded", FailureUnknown},
		{"no tag", "some random stderr output", FailureUnknown},
		{"empty", "", FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseFailureClass([]byte(tt.stderr)); got != tt.want {
				t.Errorf("parseFailureClass(%q) = %v, want %v", tt.stderr, got, tt.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	base := errors.New("exit status 1")
	tagged := &TaskError{Class: FailureCompile, Err: base}

	if got := ClassOf(tagged); got != FailureCompile {
		t.Errorf("ClassOf(tagged) = %v, want compile", got)
	}
	if got := ClassOf(fmt.Errorf("wrapped: %w", tagged)); got != FailureCompile {
		t.Errorf("ClassOf(wrapped) = %v, want compile", got)
	}
	if got := ClassOf(base); got != FailureUnknown {
		t.Errorf("ClassOf(plain) = %v, want unknown", got)
	}
	if got := ClassOf(nil); got != FailureUnknown {
		t.Errorf("ClassOf(nil) = %v, want unknown", got)
	}

	if !errors.Is(tagged, base) {
		t.Error("TaskError does not unwrap to its cause")
	}
}

func TestProcessExecutorSuccess(t *testing.T) {
	exec := NewProcessExecutor(config.AgentSection{
		Command: "sh",
		Args:    []string{"-c", `cat > /dev/null; echo "task done"`},
	})

	res, err := exec.Execute(context.Background(), "task-1", "the prompt")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output != "task done" {
		t.Errorf("Output = %q, want %q", res.Output, "task done")
	}
}

func TestProcessExecutorReadsPrompt(t *testing.T) {
	exec := NewProcessExecutor(config.AgentSection{
		Command: "sh",
		Args:    []string{"-c", `cat`},
	})

	res, err := exec.Execute(context.Background(), "task-1", "echo me back")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output != "echo me back" {
		t.Errorf("Output = %q, want prompt echoed", res.Output)
	}
}

func TestProcessExecutorClassifiedFailure(t *testing.T) {
	exec := NewProcessExecutor(config.AgentSection{
		Command: "sh",
		Args:    []string{"-c", `echo "failure_class: compile" >&2; exit 1`},
	})

	_, err := exec.Execute(context.Background(), "task-1", "")
	if err == nil {
		t.Fatal("expected failure")
	}

	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("error is %T, want *TaskError", err)
	}
	if taskErr.Class != FailureCompile {
		t.Errorf("Class = %v, want compile", taskErr.Class)
	}
}

func TestProcessExecutorCancellation(t *testing.T) {
	exec := NewProcessExecutor(config.AgentSection{
		Command: "sh",
		Args:    []string{"-c", `sleep 30`},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exec.Execute(ctx, "task-1", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, subprocess group not killed", elapsed)
	}
}

func TestProcessExecutorMissingBinary(t *testing.T) {
	exec := NewProcessExecutor(config.AgentSection{Command: "definitely-not-a-real-binary"})

	_, err := exec.Execute(context.Background(), "task-1", "")
	if err == nil {
		t.Fatal("expected failure for missing binary")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("error is %T, want *TaskError", err)
	}
	if taskErr.Class != FailureUnknown {
		t.Errorf("Class = %v, want unknown", taskErr.Class)
	}
}

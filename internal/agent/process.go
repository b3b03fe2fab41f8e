package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/wavesched/wavesched/internal/config"
)

// Executor runs one task to completion. Implementations are opaque to the
// scheduler; it only sees success or a classified failure.
type Executor interface {
	Execute(ctx context.Context, taskID, prompt string) (Result, error)
}

// ProcessExecutor executes tasks by spawning the configured agent binary
// once per task. The task ID is passed as an argument and the prompt on
// stdin; stdout becomes the task result.
type ProcessExecutor struct {
	command string
	args    []string
	workDir string
}

// NewProcessExecutor creates an executor from the agent config section.
func NewProcessExecutor(cfg config.AgentSection) *ProcessExecutor {
	return &ProcessExecutor{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
	}
}

// Execute runs the agent subprocess for one task. A non-zero exit becomes a
// TaskError; the class is taken from a trailing "failure_class: <class>"
// stderr line when the worker reports one.
func (p *ProcessExecutor) Execute(ctx context.Context, taskID, prompt string) (Result, error) {
	args := append(append([]string(nil), p.args...), taskID)
	cmd := newCommand(ctx, p.command, args...)
	cmd.Dir = p.workDir
	cmd.Stdin = strings.NewReader(prompt)

	stdout, stderr, err := executeCommand(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &TaskError{
			Class: parseFailureClass(stderr),
			Err:   err,
		}
	}

	return Result{Output: string(bytes.TrimSpace(stdout))}, nil
}

// parseFailureClass scans worker stderr for a "failure_class:" line.
func parseFailureClass(stderr []byte) FailureClass {
	for _, line := range strings.Split(string(stderr), "\n") {
		rest, found := strings.CutPrefix(strings.TrimSpace(line), "failure_class:")
		if !found {
			continue
		}
		switch FailureClass(strings.TrimSpace(rest)) {
		case FailureTimeout:
			return FailureTimeout
		case FailureCompile:
			return FailureCompile
		case FailureTest:
			return FailureTest
		case FailureLint:
			return FailureLint
		case FailureMergeConflict:
			return FailureMergeConflict
		case FailureRateLimit:
			return FailureRateLimit
		}
	}
	return FailureUnknown
}

// newCommand creates an exec.Cmd with process group isolation so the entire
// subprocess tree can be terminated together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID kills the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// executeCommand runs a command and returns its stdout, stderr, and any error.
// Both pipes are drained concurrently before cmd.Wait so subprocess output
// larger than the pipe buffer cannot deadlock the wait.
func executeCommand(cmd *exec.Cmd) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	// Drain pipes fully before Wait.
	wg.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, nil
}

// Package process runs the test procedure as a supervised child process.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/example/malipat/internal/ports/secondary"
)

// DefaultWaitDelay bounds how long output pipes are drained after the
// process exits or is killed.
const DefaultWaitDelay = 5 * time.Second

// Runner implements secondary.ProcessRunner.
// Each child runs in its own process group so a timeout kills everything
// the procedure spawned, not only the direct child.
type Runner struct {
	waitDelay time.Duration
	logger    *slog.Logger
}

// NewRunner creates a process runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{waitDelay: DefaultWaitDelay, logger: logger.With("component", "runner")}
}

// Run starts spec.Argv and waits for it to finish or time out.
func (r *Runner) Run(ctx context.Context, spec secondary.ProcessSpec) (*secondary.ProcessResult, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	out := newBoundedBuffer(spec.OutputLimit)
	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.waitDelay
	configureGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Argv[0], err)
	}
	pid := cmd.Process.Pid
	waitErr := cmd.Wait()
	// Anything the procedure left running in its group goes too.
	killGroup(pid)

	result := &secondary.ProcessResult{
		Started:   true,
		ExitCode:  cmd.ProcessState.ExitCode(),
		Signal:    signalName(cmd.ProcessState),
		Duration:  time.Since(start),
		Output:    out.Bytes(),
		Truncated: out.Truncated(),
	}
	if spec.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		r.logger.Warn("output pipes still open after exit", "command", spec.Argv[0])
	default:
		return result, fmt.Errorf("failed to wait for %s: %w", spec.Argv[0], waitErr)
	}

	r.logger.Debug("process finished",
		"command", spec.Argv[0],
		"exit_code", result.ExitCode,
		"signal", result.Signal,
		"timed_out", result.TimedOut,
		"duration", result.Duration)
	return result, nil
}

var _ secondary.ProcessRunner = (*Runner)(nil)

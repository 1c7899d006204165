package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/core/patch"
	"github.com/example/malipat/internal/ctxutil"
	"github.com/example/malipat/internal/logging"
	"github.com/example/malipat/internal/ports/secondary"
)

// PatchExecutor applies a patch to a workspace and runs the test procedure.
type PatchExecutor interface {
	Execute(ctx context.Context, p *patch.Patch, ws *secondary.Workspace) outcome.ExecutionResult
}

// ExecutorConfig configures the test procedure.
type ExecutorConfig struct {
	Command     []string
	Timeout     time.Duration
	OutputLimit int
}

// Executor implements PatchExecutor.
type Executor struct {
	workspace secondary.WorkspaceAdapter
	runner    secondary.ProcessRunner
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor creates a new Executor with injected dependencies.
func NewExecutor(workspace secondary.WorkspaceAdapter, runner secondary.ProcessRunner, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		workspace: workspace,
		runner:    runner,
		cfg:       cfg,
		logger:    logger.With("component", "executor"),
	}
}

// Execute applies every hunk of p in memory, writes the result into ws only
// if all of them applied, then runs the test procedure inside ws.
func (e *Executor) Execute(ctx context.Context, p *patch.Patch, ws *secondary.Workspace) (result outcome.ExecutionResult) {
	start := time.Now()
	logger := logging.FromContext(ctx, e.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor panic", "panic", r)
			result = outcome.ErrorResult(fmt.Errorf("executor panic: %v", r), 0)
		}
		if ws != nil {
			result.BaseRevision = ws.Revision
		}
		result.Duration = time.Since(start)
	}()

	if ws == nil {
		return outcome.ErrorResult(errors.New("no workspace provisioned"), 0)
	}

	// 1. Compute the patched tree in memory
	files, applied, rejected, err := e.applyInMemory(ctx, p, ws)
	if err != nil {
		return outcome.ErrorResult(outcome.LocalError(outcome.ComponentWorkspace, err), 0)
	}
	if len(rejected) > 0 {
		logger.Info("patch does not apply", "rejected", len(rejected), "applied", applied)
		return applyFailed(applied, rejected)
	}

	// 2. Write it out
	for _, f := range files {
		if f.exists {
			err = e.workspace.WriteFile(ctx, ws, f.path, f.data)
		} else {
			err = e.workspace.RemoveFile(ctx, ws, f.path)
		}
		if err != nil {
			return outcome.ErrorResult(outcome.LocalError(outcome.ComponentWorkspace, err), 0)
		}
	}

	// 3. Run the test procedure
	attempt, _ := ctxutil.AttemptFromContext(ctx)
	proc, runErr := e.runner.Run(ctx, secondary.ProcessSpec{
		Argv:        e.cfg.Command,
		Dir:         ws.Path,
		Timeout:     e.cfg.Timeout,
		OutputLimit: e.cfg.OutputLimit,
		Env: []string{
			"MALIPAT_PATCH_ID=" + p.ID,
			"MALIPAT_ATTEMPT=" + strconv.Itoa(attempt.Number),
			"MALIPAT_WORKSPACE=" + ws.Path,
			"MALIPAT_BASE_REVISION=" + ws.Revision,
		},
	})
	if ctx.Err() != nil {
		return outcome.ErrorResult(fmt.Errorf("attempt interrupted: %w", context.Cause(ctx)), 0)
	}

	// 4. Classify
	exit := outcome.ProcessExit{}
	switch {
	case runErr != nil && proc == nil:
		exit.StartErr = runErr
	case runErr != nil:
		exit.HarnessErr = runErr
	default:
		exit.ExitCode = proc.ExitCode
		exit.TimedOut = proc.TimedOut
		exit.Signal = proc.Signal
	}
	cls := outcome.ClassifyTest(exit)

	result = outcome.ExecutionResult{
		Outcome:  cls.Outcome,
		Apply:    outcome.ApplyClean,
		Test:     cls.Test,
		TimedOut: cls.TimedOut,
		ExitCode: -1,
		Error:    cls.Error,
	}
	if proc != nil {
		result.ExitCode = proc.ExitCode
		result.Output = string(proc.Output)
		result.Truncated = proc.Truncated
	}
	logger.Info("test procedure finished", "outcome", result.Outcome, "exit_code", result.ExitCode, "timed_out", result.TimedOut)
	return result
}

type fileState struct {
	path   string
	data   []byte
	exists bool
	dirty  bool
}

// applyInMemory applies each FileChange against the workspace contents and
// returns the files that changed, in first-touched order. A FileChange that
// touches a path an earlier one already changed sees the earlier result.
func (e *Executor) applyInMemory(ctx context.Context, p *patch.Patch, ws *secondary.Workspace) ([]*fileState, int, []patch.HunkRejection, error) {
	state := make(map[string]*fileState)
	var order []*fileState
	load := func(path string) (*fileState, error) {
		if f, ok := state[path]; ok {
			return f, nil
		}
		data, exists, err := e.workspace.ReadFile(ctx, ws, path)
		if err != nil {
			return nil, err
		}
		f := &fileState{path: path, data: data, exists: exists}
		state[path] = f
		order = append(order, f)
		return f, nil
	}

	applied := 0
	var rejected []patch.HunkRejection
	rejectFile := func(path, reason string) {
		rejected = append(rejected, patch.HunkRejection{Path: path, Reason: reason})
	}

	for _, fc := range p.Files {
		src := fc.OldPath
		if src == "" {
			src = fc.NewPath
		}
		cur, err := load(src)
		if errors.Is(err, secondary.ErrPathEscape) {
			rejectFile(src, "path escapes the source tree")
			continue
		}
		if err != nil {
			return nil, 0, nil, fmt.Errorf("failed to read %s: %w", src, err)
		}

		var dst *fileState
		if fc.IsRename() {
			dst, err = load(fc.NewPath)
			if errors.Is(err, secondary.ErrPathEscape) {
				rejectFile(fc.NewPath, "path escapes the source tree")
				continue
			}
			if err != nil {
				return nil, 0, nil, fmt.Errorf("failed to read %s: %w", fc.NewPath, err)
			}
			if dst.exists {
				rejectFile(fc.NewPath, "rename target already exists")
				continue
			}
		}

		res := patch.ApplyFile(cur.data, cur.exists, fc)
		applied += res.Applied
		if !res.Clean() {
			rejected = append(rejected, res.Rejected...)
			continue
		}

		switch {
		case res.Deleted:
			cur.data, cur.exists, cur.dirty = nil, false, true
		case dst != nil:
			dst.data, dst.exists, dst.dirty = res.Content, true, true
			cur.data, cur.exists, cur.dirty = nil, false, true
		default:
			cur.data, cur.exists, cur.dirty = res.Content, true, true
		}
	}

	var changed []*fileState
	for _, f := range order {
		if f.dirty {
			changed = append(changed, f)
		}
	}
	return changed, applied, rejected, nil
}

func applyFailed(applied int, rejected []patch.HunkRejection) outcome.ExecutionResult {
	descriptions := make([]string, len(rejected))
	for i, r := range rejected {
		descriptions[i] = r.String()
	}
	applyErr := &patch.ApplyError{Applied: applied, Rejected: rejected}
	return outcome.ExecutionResult{
		Outcome:  outcome.OutcomeApplyFailed,
		Apply:    outcome.ClassifyApply(applied, len(rejected)),
		Test:     outcome.TestNotRun,
		ExitCode: -1,
		Rejected: descriptions,
		Error:    applyErr.Error(),
	}
}

var _ PatchExecutor = (*Executor)(nil)

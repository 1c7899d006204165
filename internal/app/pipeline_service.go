package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/core/patch"
	"github.com/example/malipat/internal/ctxutil"
	"github.com/example/malipat/internal/logging"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/ports/secondary"
)

// interruptedReason is stored on attempts a previous process left pending.
const interruptedReason = "attempt interrupted: pipeline stopped before it finished"

// PipelineConfig configures batch size and concurrency.
type PipelineConfig struct {
	BatchSize  int
	Workers    int
	UpdateBase bool
}

// PipelineServiceImpl implements the PipelineService interface.
type PipelineServiceImpl struct {
	source      secondary.PatchSource
	patches     secondary.PatchRepository
	checkpoints secondary.CheckpointRepository
	batches     secondary.BatchRepository
	workspace   secondary.WorkspaceAdapter
	executor    PatchExecutor
	reporter    secondary.Reporter
	metrics     secondary.PipelineMetrics
	cfg         PipelineConfig
	logger      *slog.Logger
}

// NewPipelineService creates a new PipelineService with injected dependencies.
// reporter and metrics may be nil.
func NewPipelineService(
	source secondary.PatchSource,
	patches secondary.PatchRepository,
	checkpoints secondary.CheckpointRepository,
	batches secondary.BatchRepository,
	workspace secondary.WorkspaceAdapter,
	executor PatchExecutor,
	reporter secondary.Reporter,
	metrics secondary.PipelineMetrics,
	cfg PipelineConfig,
	logger *slog.Logger,
) *PipelineServiceImpl {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineServiceImpl{
		source:      source,
		patches:     patches,
		checkpoints: checkpoints,
		batches:     batches,
		workspace:   workspace,
		executor:    executor,
		reporter:    reporter,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger.With("component", "pipeline"),
	}
}

// job is one patch scheduled for execution.
type job struct {
	patch *patch.Patch
	raw   []byte
	retry bool
}

// batchState collects what workers report back.
type batchState struct {
	mu       sync.Mutex
	summary  *primary.BatchSummary
	finished int
	durable  bool
	halt     error
}

func (b *batchState) record(o outcome.Outcome, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Outcomes[o]++
	b.finished++
	if !durable {
		b.durable = false
	}
}

func (b *batchState) halted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halt
}

func (b *batchState) setHalt(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halt == nil {
		b.halt = err
	}
}

// RunBatch discovers, deduplicates and executes one batch of patches.
func (s *PipelineServiceImpl) RunBatch(ctx context.Context) (*primary.BatchSummary, error) {
	start := time.Now()
	summary := &primary.BatchSummary{
		BatchID:  uuid.NewString(),
		Source:   s.source.Name(),
		Outcomes: make(map[outcome.Outcome]int),
	}
	ctx = ctxutil.WithBatchID(ctx, summary.BatchID)
	logger := logging.FromContext(ctx, s.logger)

	// 1. Recover from a previous process
	n, err := s.patches.MarkInterrupted(ctx, interruptedReason)
	if err != nil {
		return nil, outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to recover interrupted attempts: %w", err))
	}
	if n > 0 {
		logger.Warn("marked interrupted attempts as errors", "count", n)
	}
	if removed, err := s.workspace.Prune(ctx); err != nil {
		logger.Warn("failed to prune stale workspaces", "error", err)
	} else if removed > 0 {
		logger.Info("pruned stale workspaces", "count", removed)
	}

	// 2. Pin the base revision for the whole batch
	if s.cfg.UpdateBase {
		if err := s.workspace.UpdateBase(ctx); err != nil {
			logger.Warn("base update failed; testing against current revision", "error", err)
		}
	}
	base, err := s.workspace.ResolveBase(ctx)
	if err != nil {
		return nil, outcome.SharedError(outcome.ComponentWorkspace, fmt.Errorf("failed to resolve base revision: %w", err))
	}
	summary.BaseRevision = base

	// 3. Load the checkpoint and open the batch record
	checkpoint, err := s.checkpoints.Get(ctx, summary.Source)
	if err != nil {
		return nil, outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to load checkpoint: %w", err))
	}
	summary.CheckpointBefore = checkpoint
	summary.CheckpointAfter = checkpoint

	batch := &secondary.BatchRecord{
		ID:               summary.BatchID,
		Source:           summary.Source,
		BaseRevision:     base,
		CheckpointBefore: checkpoint,
	}
	if err := s.batches.Start(ctx, batch); err != nil {
		return nil, outcome.SharedError(outcome.ComponentStore, err)
	}
	logger.Info("batch started", "source", summary.Source, "base", patch.ShortID(base), "checkpoint", checkpoint)

	// 4. Discover, schedule, execute
	runErr := s.run(ctx, logger, summary)
	summary.Duration = time.Since(start)

	// 5. Close the batch record
	batch.CheckpointAfter = summary.CheckpointAfter
	batch.Discovered = summary.Discovered
	batch.Skipped = summary.Skipped
	batch.Invalid = summary.Invalid
	batch.Executed = summary.Executed
	batch.Errors = summary.Outcomes[outcome.OutcomeError]
	switch {
	case runErr == nil:
		batch.Status = secondary.BatchCompleted
	case outcome.IsShared(runErr):
		batch.Status = secondary.BatchHalted
		summary.Halted = true
	default:
		batch.Status = secondary.BatchFailed
	}
	if runErr != nil {
		batch.Error = runErr.Error()
	}
	if err := s.batches.Finish(context.WithoutCancel(ctx), batch); err != nil {
		logger.Error("failed to finish batch record", "error", err)
	}
	s.metrics.BatchFinished(batch.Status, summary.Duration)

	logger.Info("batch finished",
		"status", batch.Status,
		"discovered", summary.Discovered,
		"skipped", summary.Skipped,
		"invalid", summary.Invalid,
		"executed", summary.Executed,
		"advanced", summary.Advanced,
		"duration", summary.Duration.Round(time.Millisecond))
	return summary, runErr
}

func (s *PipelineServiceImpl) run(ctx context.Context, logger *slog.Logger, summary *primary.BatchSummary) error {
	fetched, err := s.source.FetchSince(ctx, summary.CheckpointBefore, s.cfg.BatchSize)
	if err != nil {
		return outcome.SharedError(outcome.ComponentSource, fmt.Errorf("failed to fetch messages: %w", err))
	}
	summary.Discovered = len(fetched.Messages)
	s.metrics.MessagesDiscovered(len(fetched.Messages))

	retryRecords, err := s.patches.ListRetryRequested(ctx)
	if err != nil {
		return outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to list retry requests: %w", err))
	}
	retryRequested := make(map[string]bool, len(retryRecords))
	for _, rec := range retryRecords {
		retryRequested[rec.ID] = true
	}

	state := &batchState{summary: summary, durable: true}
	jobs, err := s.discover(ctx, logger, fetched.Messages, retryRequested, state)
	if err != nil {
		return err
	}
	jobs = append(jobs, s.pendingRetries(ctx, logger, retryRecords, jobs)...)
	for _, j := range jobs {
		if j.retry {
			summary.Retried++
		}
	}

	// Workers share nothing but the store. Go blocks once every slot is
	// busy, which pauses scheduling until an attempt finishes.
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	scheduled := 0
	for _, j := range jobs {
		if ctx.Err() != nil || state.halted() != nil {
			break
		}
		scheduled++
		g.Go(func() error {
			// The slot may have opened after a cancel or halt.
			if ctx.Err() != nil || state.halted() != nil {
				return nil
			}
			s.process(ctx, j, summary.BaseRevision, state)
			return nil
		})
	}
	_ = g.Wait()
	summary.Executed = state.finished

	if err := state.halted(); err != nil {
		logger.Error("batch halted", "error", err, "unscheduled", len(jobs)-scheduled)
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("batch cancelled: %w", context.Cause(ctx))
	}
	if !state.durable {
		logger.Warn("checkpoint not advanced: some results were not stored", "checkpoint", summary.CheckpointBefore)
		return nil
	}

	// Every discovered message is now skipped, recorded invalid or recorded
	// with a final outcome.
	if fetched.Checkpoint != summary.CheckpointBefore {
		if err := s.checkpoints.Advance(context.WithoutCancel(ctx), summary.Source, fetched.Checkpoint); err != nil {
			return outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to advance checkpoint: %w", err))
		}
		summary.CheckpointAfter = fetched.Checkpoint
		summary.Advanced = true
	}
	return nil
}

// discover parses fetched messages and filters out everything that must not
// execute in this batch.
func (s *PipelineServiceImpl) discover(
	ctx context.Context,
	logger *slog.Logger,
	messages []secondary.RawMessage,
	retryRequested map[string]bool,
	state *batchState,
) ([]job, error) {
	summary := state.summary
	seen := make(map[string]bool)
	var jobs []job

	for _, msg := range messages {
		p, err := patch.Parse(msg.Data)
		if err != nil {
			invalid, err := s.recordInvalid(ctx, logger, msg, err)
			if err != nil {
				return nil, err
			}
			if invalid {
				summary.Invalid++
				s.metrics.MessagesInvalid(1)
			} else {
				summary.Skipped++
				s.metrics.MessagesSkipped(1)
			}
			continue
		}
		p.SourceRef = msg.Ref

		known, err := s.patches.IsKnown(ctx, p.ID)
		if err != nil {
			return nil, outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to check patch %s: %w", p.ShortID(), err))
		}
		guard := outcome.CanSchedule(outcome.ScheduleContext{
			PatchID:        p.ID,
			Known:          known,
			RetryRequested: retryRequested[p.ID],
			SeenInBatch:    seen[p.ID],
		})
		if !guard.Allowed {
			logger.Debug("skipping patch", "reason", guard.Reason, "source_ref", msg.Ref)
			summary.Skipped++
			s.metrics.MessagesSkipped(1)
			continue
		}

		seen[p.ID] = true
		jobs = append(jobs, job{patch: p, raw: msg.Data, retry: known})
	}
	return jobs, nil
}

// recordInvalid stores a message the parser rejected. It reports false
// when the message was already on record.
func (s *PipelineServiceImpl) recordInvalid(ctx context.Context, logger *slog.Logger, msg secondary.RawMessage, parseErr error) (bool, error) {
	id := patch.RawFingerprint(msg.Data)
	known, err := s.patches.IsKnown(ctx, id)
	if err != nil {
		return false, outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to check message %s: %w", patch.ShortID(id), err))
	}
	if known {
		return false, nil
	}

	reason := parseErr.Error()
	var perr *patch.ParseError
	if errors.As(parseErr, &perr) {
		reason = perr.Reason
	}
	h := patch.InspectHeaders(msg.Data)
	_, err = s.patches.RecordInvalid(ctx, &secondary.InvalidMessage{
		PatchID:   id,
		MessageID: h.MessageID,
		Author:    h.From,
		Subject:   h.Subject,
		SourceRef: msg.Ref,
		Reason:    reason,
		Raw:       msg.Data,
	})
	if err != nil {
		return false, outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to record invalid message: %w", err))
	}
	logger.Info("invalid message recorded", "id", patch.ShortID(id), "reason", reason, "source_ref", msg.Ref)
	return true, nil
}

// pendingRetries rebuilds patches flagged for retry that were not
// rediscovered in this batch from their stored raw messages.
func (s *PipelineServiceImpl) pendingRetries(ctx context.Context, logger *slog.Logger, records []*secondary.PatchRecord, scheduled []job) []job {
	inBatch := make(map[string]bool, len(scheduled))
	for _, j := range scheduled {
		inBatch[j.patch.ID] = true
	}

	var jobs []job
	for _, rec := range records {
		if inBatch[rec.ID] {
			continue
		}
		raw, err := s.patches.GetRawMessage(ctx, rec.ID)
		if err != nil {
			logger.Warn("cannot retry patch", "id", patch.ShortID(rec.ID), "error", err)
			continue
		}
		p, err := patch.Parse(raw)
		if err != nil || p.ID != rec.ID {
			logger.Warn("stored message no longer yields the patch", "id", patch.ShortID(rec.ID), "error", err)
			continue
		}
		p.SourceRef = rec.SourceRef
		jobs = append(jobs, job{patch: p, raw: raw, retry: true})
	}
	return jobs
}

// process runs one patch end to end: record the attempt, provision,
// execute, release, record the result and report it.
func (s *PipelineServiceImpl) process(ctx context.Context, j job, base string, state *batchState) {
	p := j.patch
	logger := logging.FromContext(ctx, s.logger).With("patch", p.ShortID())

	attempt, err := s.patches.RecordAttemptStart(ctx, &secondary.AttemptStart{
		PatchID:      p.ID,
		MessageID:    p.MessageID,
		Author:       p.Author,
		AuthorEmail:  p.AuthorEmail,
		Subject:      p.Subject,
		SourceRef:    p.SourceRef,
		BaseRevision: base,
		Raw:          j.raw,
	})
	if err != nil {
		// The patch never runs without a durable attempt row. One failed write
		// costs this patch only; a store that also fails a read is unreachable.
		logger.Error("failed to record attempt start", "error", err)
		if _, pingErr := s.patches.IsKnown(context.WithoutCancel(ctx), p.ID); pingErr != nil {
			state.setHalt(outcome.SharedError(outcome.ComponentStore, fmt.Errorf("failed to record attempt start: %w", err)))
			return
		}
		result := outcome.ErrorResult(outcome.LocalError(outcome.ComponentStore, fmt.Errorf("failed to record attempt start: %w", err)), 0)
		result.BaseRevision = base
		state.record(outcome.OutcomeError, false)
		s.report(ctx, logger, p.ID, result, unstoredRecord(p, 0))
		return
	}

	ctx = ctxutil.WithAttempt(ctx, p.ID, attempt.Number)
	logger = logging.FromContext(ctx, s.logger)
	logger.Info("executing patch", "subject", p.Subject, "retry", j.retry)

	s.metrics.AttemptStarted()
	result := s.executeIsolated(ctx, logger, p, base)
	s.metrics.AttemptFinished(result)

	record, err := s.patches.RecordResult(context.WithoutCancel(ctx), p.ID, attempt.Number, &result)
	if err != nil {
		// The record stays pending and is marked interrupted by the next batch.
		logger.Error("failed to record result", "error", err, "outcome", result.Outcome)
		result = outcome.ErrorResult(outcome.LocalError(outcome.ComponentStore, fmt.Errorf("failed to record result: %w", err)), result.Duration)
		result.BaseRevision = base
		state.record(outcome.OutcomeError, false)
		s.report(ctx, logger, p.ID, result, unstoredRecord(p, attempt.Number))
		return
	}

	state.record(result.Outcome, true)
	s.report(ctx, logger, p.ID, result, record)
}

// executeIsolated provisions a workspace for one attempt and always releases
// it, even when the executor panics or ctx is cancelled.
func (s *PipelineServiceImpl) executeIsolated(ctx context.Context, logger *slog.Logger, p *patch.Patch, base string) (result outcome.ExecutionResult) {
	start := time.Now()
	ws, err := s.workspace.Provision(ctx, base)
	if err != nil {
		result = outcome.ErrorResult(outcome.LocalError(outcome.ComponentWorkspace, fmt.Errorf("failed to provision workspace: %w", err)), time.Since(start))
		result.BaseRevision = base
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("attempt panicked", "panic", r)
			result = outcome.ErrorResult(fmt.Errorf("attempt panicked: %v", r), time.Since(start))
			result.BaseRevision = base
		}
		if err := s.workspace.Release(context.WithoutCancel(ctx), ws); err != nil {
			logger.Error("failed to release workspace", "workspace", ws.ID, "error", err)
		}
	}()

	return s.executor.Execute(ctx, p, ws)
}

func (s *PipelineServiceImpl) report(ctx context.Context, logger *slog.Logger, id string, result outcome.ExecutionResult, record *secondary.PatchRecord) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Report(context.WithoutCancel(ctx), id, result, record); err != nil {
		logger.Error("reporter failed", "error", err)
	}
}

// unstoredRecord describes a patch whose outcome could not be written.
func unstoredRecord(p *patch.Patch, attempts int) *secondary.PatchRecord {
	return &secondary.PatchRecord{
		ID:        p.ID,
		Author:    p.Author,
		Subject:   p.Subject,
		SourceRef: p.SourceRef,
		Attempts:  attempts,
		Outcome:   outcome.OutcomeError,
	}
}

type nopMetrics struct{}

func (nopMetrics) MessagesDiscovered(int) {}
func (nopMetrics) MessagesSkipped(int) {}
func (nopMetrics) MessagesInvalid(int) {}
func (nopMetrics) AttemptStarted() {}
func (nopMetrics) AttemptFinished(outcome.ExecutionResult) {}
func (nopMetrics) BatchFinished(string, time.Duration) {}

var _ primary.PipelineService = (*PipelineServiceImpl)(nil)

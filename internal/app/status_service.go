package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/ports/secondary"
)

// StatusServiceImpl implements the StatusService interface.
type StatusServiceImpl struct {
	patches     secondary.PatchRepository
	batches     secondary.BatchRepository
	maxAttempts int
}

// NewStatusService creates a new StatusService with injected dependencies.
// maxAttempts <= 0 disables the retry budget.
func NewStatusService(patches secondary.PatchRepository, batches secondary.BatchRepository, maxAttempts int) *StatusServiceImpl {
	return &StatusServiceImpl{
		patches:     patches,
		batches:     batches,
		maxAttempts: maxAttempts,
	}
}

// ListPatches lists patch records with optional filters.
func (s *StatusServiceImpl) ListPatches(ctx context.Context, filters primary.PatchFilters) ([]*primary.Patch, error) {
	records, err := s.patches.Query(ctx, secondary.PatchFilters{
		Outcome: filters.Outcome,
		Fault:   filters.Fault,
		Limit:   filters.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}

	patches := make([]*primary.Patch, len(records))
	for i, r := range records {
		patches[i] = recordToPatch(r)
	}
	return patches, nil
}

// GetPatch retrieves a patch and its attempt history.
func (s *StatusServiceImpl) GetPatch(ctx context.Context, id string) (*primary.PatchDetail, error) {
	record, err := s.patches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	attempts, err := s.patches.ListAttempts(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	detail := &primary.PatchDetail{
		Patch:    recordToPatch(record),
		Attempts: make([]*primary.Attempt, len(attempts)),
	}
	for i, a := range attempts {
		detail.Attempts[i] = recordToAttempt(a)
	}
	return detail, nil
}

// RetryPatch schedules a patch for re-execution by the next batch.
func (s *StatusServiceImpl) RetryPatch(ctx context.Context, req primary.RetryPatchRequest) (*primary.RetryPatchResponse, error) {
	record, err := s.patches.GetByID(ctx, req.PatchID)
	if err != nil {
		return nil, err
	}

	guard := outcome.CanRetry(outcome.RetryContext{
		PatchID:     record.ID,
		Outcome:     record.Outcome,
		Attempts:    record.Attempts,
		MaxAttempts: s.maxAttempts,
		HasMessage:  record.HasMessage,
	})
	if err := guard.Error(); err != nil {
		return nil, err
	}

	if err := s.patches.RequestRetry(ctx, record.ID); err != nil {
		return nil, fmt.Errorf("failed to request retry: %w", err)
	}

	updated, err := s.patches.GetByID(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload patch: %w", err)
	}
	return &primary.RetryPatchResponse{Patch: recordToPatch(updated)}, nil
}

// LatestBatch returns the most recent batch, or nil if none ran yet.
func (s *StatusServiceImpl) LatestBatch(ctx context.Context) (*primary.Batch, error) {
	b, err := s.batches.Latest(ctx)
	if errors.Is(err, secondary.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest batch: %w", err)
	}
	return recordToBatch(b), nil
}

// Counts returns the number of patches per outcome.
func (s *StatusServiceImpl) Counts(ctx context.Context) (map[outcome.Outcome]int, error) {
	records, err := s.patches.Query(ctx, secondary.PatchFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to count patches: %w", err)
	}
	counts := make(map[outcome.Outcome]int, len(outcome.All))
	for _, r := range records {
		counts[r.Outcome]++
	}
	return counts, nil
}

// Helper conversion functions

func recordToPatch(r *secondary.PatchRecord) *primary.Patch {
	return &primary.Patch{
		ID:             r.ID,
		MessageID:      r.MessageID,
		Author:         r.Author,
		Subject:        r.Subject,
		SourceRef:      r.SourceRef,
		FirstSeen:      r.FirstSeen,
		LastAttempt:    r.LastAttempt,
		Attempts:       r.Attempts,
		Outcome:        r.Outcome,
		Fault:          outcome.FaultOf(r.Outcome),
		LastError:      r.LastError,
		RetryRequested: r.RetryRequested,
	}
}

func recordToAttempt(r *secondary.AttemptRecord) *primary.Attempt {
	return &primary.Attempt{
		ID:           r.ID,
		Number:       r.Number,
		BaseRevision: r.BaseRevision,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Outcome:      r.Outcome,
		ApplyStatus:  r.ApplyStatus,
		TestStatus:   r.TestStatus,
		TimedOut:     r.TimedOut,
		Truncated:    r.Truncated,
		ExitCode:     r.ExitCode,
		DurationMS:   r.DurationMS,
		Output:       r.Output,
		Error:        r.Error,
		Rejected:     r.Rejected,
	}
}

func recordToBatch(r *secondary.BatchRecord) *primary.Batch {
	return &primary.Batch{
		ID:               r.ID,
		Source:           r.Source,
		BaseRevision:     r.BaseRevision,
		CheckpointBefore: r.CheckpointBefore,
		CheckpointAfter:  r.CheckpointAfter,
		Status:           r.Status,
		Discovered:       r.Discovered,
		Skipped:          r.Skipped,
		Invalid:          r.Invalid,
		Executed:         r.Executed,
		Errors:           r.Errors,
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

var _ primary.StatusService = (*StatusServiceImpl)(nil)

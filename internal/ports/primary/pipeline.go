package primary

import (
	"context"
	"time"

	"github.com/example/malipat/internal/core/outcome"
)

// PipelineService defines the primary port for running the patch pipeline.
type PipelineService interface {
	// RunBatch discovers, deduplicates and executes one batch of patches.
	// The returned error is non-nil when shared infrastructure failed; the
	// summary is returned alongside it whenever a batch was started.
	RunBatch(ctx context.Context) (*BatchSummary, error)
}

// BatchSummary reports what one batch did.
type BatchSummary struct {
	BatchID          string
	Source           string
	BaseRevision     string
	CheckpointBefore string
	CheckpointAfter  string
	Discovered       int
	Skipped          int
	Invalid          int
	Retried          int
	Executed         int
	Outcomes         map[outcome.Outcome]int
	Advanced         bool
	Halted           bool
	Duration         time.Duration
}

package primary

import (
	"context"

	"github.com/example/malipat/internal/core/outcome"
)

// StatusService defines the primary port for inspecting and retrying patches.
type StatusService interface {
	// ListPatches lists patch records with optional filters.
	ListPatches(ctx context.Context, filters PatchFilters) ([]*Patch, error)

	// GetPatch retrieves a patch and its attempt history by identity or
	// unique prefix.
	GetPatch(ctx context.Context, id string) (*PatchDetail, error)

	// RetryPatch schedules a patch for re-execution by the next batch.
	RetryPatch(ctx context.Context, req RetryPatchRequest) (*RetryPatchResponse, error)

	// LatestBatch returns the most recent batch, or nil if none ran yet.
	LatestBatch(ctx context.Context) (*Batch, error)

	// Counts returns the number of patches per outcome.
	Counts(ctx context.Context) (map[outcome.Outcome]int, error)
}

// Patch is the public view of a patch record.
type Patch struct {
	ID             string
	MessageID      string
	Author         string
	Subject        string
	SourceRef      string
	FirstSeen      string
	LastAttempt    string
	Attempts       int
	Outcome        outcome.Outcome
	Fault          outcome.Fault
	LastError      string
	RetryRequested bool
}

// Attempt is the public view of one execution.
type Attempt struct {
	ID           string
	Number       int
	BaseRevision string
	StartedAt    string
	FinishedAt   string
	Outcome      outcome.Outcome
	ApplyStatus  outcome.ApplyStatus
	TestStatus   outcome.TestStatus
	TimedOut     bool
	Truncated    bool
	ExitCode     int
	DurationMS   int64
	Output       string
	Error        string
	Rejected     []string
}

// PatchDetail is a patch with its attempt history.
type PatchDetail struct {
	Patch    *Patch
	Attempts []*Attempt
}

// PatchFilters contains filter options for listing patches.
type PatchFilters struct {
	Outcome outcome.Outcome
	Fault   outcome.Fault
	Limit   int
}

// RetryPatchRequest contains parameters for retrying a patch.
type RetryPatchRequest struct {
	PatchID string
}

// RetryPatchResponse contains the result of a retry request.
type RetryPatchResponse struct {
	Patch *Patch
}

// Batch is the public view of a batch.
type Batch struct {
	ID               string
	Source           string
	BaseRevision     string
	CheckpointBefore string
	CheckpointAfter  string
	Status           string
	Discovered       int
	Skipped          int
	Invalid          int
	Executed         int
	Errors           int
	Error            string
	StartedAt        string
	FinishedAt       string
}

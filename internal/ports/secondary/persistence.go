// Package secondary defines the secondary ports (driven adapters) for the application.
// These are the interfaces through which the application drives external systems.
package secondary

import (
	"context"
	"errors"

	"github.com/example/malipat/internal/core/outcome"
)

// ErrNotFound is returned by repository lookups that match nothing.
var ErrNotFound = errors.New("not found")

// PatchRepository defines the secondary port for the durable patch state
// store. It is the only component that mutates patch records; callers always
// receive copies.
type PatchRepository interface {
	// IsKnown reports whether a record exists for the identity.
	IsKnown(ctx context.Context, id string) (bool, error)

	// RecordAttemptStart creates or updates the patch record, increments its
	// attempt count, inserts an attempt row and marks the record pending.
	// It commits before returning.
	RecordAttemptStart(ctx context.Context, start *AttemptStart) (*AttemptRecord, error)

	// RecordResult stores the final result of an attempt and returns the
	// updated record.
	RecordResult(ctx context.Context, id string, attempt int, result *outcome.ExecutionResult) (*PatchRecord, error)

	// RecordInvalid stores a message that could not be parsed. Invalid
	// messages are recorded once and never executed.
	RecordInvalid(ctx context.Context, msg *InvalidMessage) (*PatchRecord, error)

	// Query retrieves records matching the filters, newest first.
	Query(ctx context.Context, filters PatchFilters) ([]*PatchRecord, error)

	// GetByID retrieves a record by its full identity or a unique prefix.
	GetByID(ctx context.Context, idOrPrefix string) (*PatchRecord, error)

	// GetRawMessage returns the stored raw message for a record.
	GetRawMessage(ctx context.Context, id string) ([]byte, error)

	// ListAttempts returns the attempt history of a record, oldest first.
	ListAttempts(ctx context.Context, id string) ([]*AttemptRecord, error)

	// RequestRetry flags a record for re-execution by the next batch.
	RequestRetry(ctx context.Context, id string) error

	// ListRetryRequested returns records flagged for re-execution.
	ListRetryRequested(ctx context.Context) ([]*PatchRecord, error)

	// MarkInterrupted turns records left pending by a previous process into
	// errors. Returns the number of records changed.
	MarkInterrupted(ctx context.Context, reason string) (int, error)
}

// PatchRecord represents a patch as stored in persistence.
type PatchRecord struct {
	ID             string
	MessageID      string
	Author         string
	AuthorEmail    string
	Subject        string
	SourceRef      string
	FirstSeen      string
	LastAttempt    string
	Attempts       int
	Outcome        outcome.Outcome
	LastError      string
	RetryRequested bool
	HasMessage     bool
}

// AttemptStart contains what is known about a patch before it executes.
type AttemptStart struct {
	PatchID      string
	MessageID    string
	Author       string
	AuthorEmail  string
	Subject      string
	SourceRef    string
	BaseRevision string
	Raw          []byte
}

// AttemptRecord represents one execution of a patch.
type AttemptRecord struct {
	ID           string // UUID
	PatchID      string
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

// InvalidMessage describes a message the parser rejected.
type InvalidMessage struct {
	PatchID   string
	MessageID string
	Author    string
	Subject   string
	SourceRef string
	Reason    string
	Raw       []byte
}

// PatchFilters contains filter options for querying patch records.
type PatchFilters struct {
	Outcome outcome.Outcome
	Fault   outcome.Fault
	Limit   int
}

// CheckpointRepository defines the secondary port for discovery cursors.
type CheckpointRepository interface {
	// Get returns the checkpoint for a source, or "" if none was stored.
	Get(ctx context.Context, source string) (string, error)

	// Advance stores a new checkpoint for a source.
	Advance(ctx context.Context, source, checkpoint string) error
}

// BatchRepository defines the secondary port for the batch log.
type BatchRepository interface {
	// Start persists a new running batch.
	Start(ctx context.Context, batch *BatchRecord) error

	// Finish stores the final counters and status of a batch.
	Finish(ctx context.Context, batch *BatchRecord) error

	// Latest returns the most recently started batch.
	Latest(ctx context.Context) (*BatchRecord, error)

	// List returns recent batches, newest first.
	List(ctx context.Context, limit int) ([]*BatchRecord, error)
}

// BatchRecord represents one pass over a fetched batch of messages.
type BatchRecord struct {
	ID               string
	Source           string
	BaseRevision     string
	CheckpointBefore string
	CheckpointAfter  string
	Status           string // running, completed, halted, failed
	Discovered       int
	Skipped          int
	Invalid          int
	Executed         int
	Errors           int
	Error            string
	StartedAt        string
	FinishedAt       string
}

// Batch statuses.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchHalted    = "halted"
	BatchFailed    = "failed"
)

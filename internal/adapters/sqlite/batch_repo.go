package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/malipat/internal/ports/secondary"
)

const batchColumns = `id, source, base_revision, checkpoint_before, checkpoint_after, status,
	discovered, skipped, invalid, executed, errors, error, started_at, finished_at`

// BatchRepository implements secondary.BatchRepository with SQLite.
type BatchRepository struct {
	db *sql.DB
}

// NewBatchRepository creates a new SQLite batch repository.
func NewBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Start persists a new running batch.
func (r *BatchRepository) Start(ctx context.Context, batch *secondary.BatchRecord) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO batches (id, source, base_revision, checkpoint_before, status, started_at) VALUES (?, ?, ?, ?, 'running', ?)",
		batch.ID, batch.Source, nullString(batch.BaseRevision), nullString(batch.CheckpointBefore), now,
	)
	if err != nil {
		return fmt.Errorf("failed to start batch: %w", err)
	}
	batch.Status = secondary.BatchRunning
	batch.StartedAt = now.Format(time.RFC3339)
	return nil
}

// Finish stores the final counters and status of a batch.
func (r *BatchRepository) Finish(ctx context.Context, batch *secondary.BatchRecord) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE batches SET
			base_revision = ?, checkpoint_after = ?, status = ?,
			discovered = ?, skipped = ?, invalid = ?, executed = ?, errors = ?,
			error = ?, finished_at = ?
		WHERE id = ?`,
		nullString(batch.BaseRevision), nullString(batch.CheckpointAfter), batch.Status,
		batch.Discovered, batch.Skipped, batch.Invalid, batch.Executed, batch.Errors,
		nullString(batch.Error), now, batch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", batch.ID, secondary.ErrNotFound)
	}
	batch.FinishedAt = now.Format(time.RFC3339)
	return nil
}

// Latest returns the most recently started batch.
func (r *BatchRepository) Latest(ctx context.Context) (*secondary.BatchRecord, error) {
	batches, err := r.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("latest batch: %w", secondary.ErrNotFound)
	}
	return batches[0], nil
}

// List returns recent batches, newest first.
func (r *BatchRepository) List(ctx context.Context, limit int) ([]*secondary.BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM batches ORDER BY started_at DESC, rowid DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*secondary.BatchRecord
	for rows.Next() {
		var (
			b          secondary.BatchRecord
			baseRev    sql.NullString
			before     sql.NullString
			after      sql.NullString
			errText    sql.NullString
			startedAt  time.Time
			finishedAt sql.NullTime
		)
		err := rows.Scan(&b.ID, &b.Source, &baseRev, &before, &after, &b.Status,
			&b.Discovered, &b.Skipped, &b.Invalid, &b.Executed, &b.Errors, &errText, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.BaseRevision = baseRev.String
		b.CheckpointBefore = before.String
		b.CheckpointAfter = after.String
		b.Error = errText.String
		b.StartedAt = startedAt.Format(time.RFC3339)
		if finishedAt.Valid {
			b.FinishedAt = finishedAt.Time.Format(time.RFC3339)
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}
	return batches, nil
}

var _ secondary.BatchRepository = (*BatchRepository)(nil)

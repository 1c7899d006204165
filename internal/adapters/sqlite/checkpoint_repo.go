package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/malipat/internal/ports/secondary"
)

// CheckpointRepository implements secondary.CheckpointRepository with SQLite.
type CheckpointRepository struct {
	db *sql.DB
}

// NewCheckpointRepository creates a new SQLite checkpoint repository.
func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the stored cursor for a source, or "" if there is none.
func (r *CheckpointRepository) Get(ctx context.Context, source string) (string, error) {
	var cursor string
	err := r.db.QueryRowContext(ctx, "SELECT cursor FROM checkpoints WHERE source = ?", source).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cursor, nil
}

// Advance stores a new cursor for a source.
func (r *CheckpointRepository) Advance(ctx context.Context, source, checkpoint string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		source, checkpoint, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

var _ secondary.CheckpointRepository = (*CheckpointRepository)(nil)

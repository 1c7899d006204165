// Package sqlite contains SQLite implementations of repository interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/secondary"
)

// minPrefixLen is the shortest identity prefix GetByID accepts.
const minPrefixLen = 4

const patchColumns = `id, message_id, author, author_email, subject, source_ref, outcome, attempts,
	last_error, retry_requested, raw_message IS NOT NULL, first_seen_at, last_attempt_at`

// PatchRepository implements secondary.PatchRepository with SQLite.
// Every write is a single short transaction keyed by patch identity.
type PatchRepository struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewPatchRepository creates a new SQLite patch repository.
func NewPatchRepository(db *sql.DB) *PatchRepository {
	return &PatchRepository{db: db, now: time.Now, newID: uuid.NewString}
}

// IsKnown reports whether a record exists for the identity.
func (r *PatchRepository) IsKnown(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM patches WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check patch: %w", err)
	}
	return exists, nil
}

// RecordAttemptStart upserts the patch, increments its attempt count and
// opens a pending attempt row, all in one committed transaction.
func (r *PatchRepository) RecordAttemptStart(ctx context.Context, start *secondary.AttemptStart) (*secondary.AttemptRecord, error) {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin attempt transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO patches (id, message_id, author, author_email, subject, source_ref, outcome, attempts, raw_message, first_seen_at, last_attempt_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = patches.attempts + 1,
			outcome = 'pending',
			last_error = NULL,
			retry_requested = 0,
			raw_message = COALESCE(patches.raw_message, excluded.raw_message),
			source_ref = COALESCE(patches.source_ref, excluded.source_ref),
			last_attempt_at = excluded.last_attempt_at,
			updated_at = excluded.updated_at`,
		start.PatchID, nullString(start.MessageID), start.Author, start.AuthorEmail, start.Subject,
		nullString(start.SourceRef), nullBytes(start.Raw), now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert patch: %w", err)
	}

	var number int
	if err := tx.QueryRowContext(ctx, "SELECT attempts FROM patches WHERE id = ?", start.PatchID).Scan(&number); err != nil {
		return nil, fmt.Errorf("failed to read attempt count: %w", err)
	}

	attempt := &secondary.AttemptRecord{
		ID:           r.newID(),
		PatchID:      start.PatchID,
		Number:       number,
		BaseRevision: start.BaseRevision,
		StartedAt:    now.Format(time.RFC3339),
		Outcome:      outcome.OutcomePending,
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO patch_attempts (id, patch_id, number, base_revision, outcome, started_at) VALUES (?, ?, ?, ?, 'pending', ?)",
		attempt.ID, attempt.PatchID, attempt.Number, nullString(attempt.BaseRevision), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt start: %w", err)
	}
	return attempt, nil
}

// RecordResult stores the result of an attempt on both the attempt row and
// the patch record.
func (r *PatchRepository) RecordResult(ctx context.Context, id string, attempt int, result *outcome.ExecutionResult) (*secondary.PatchRecord, error) {
	now := r.now().UTC()

	rejected, err := json.Marshal(result.Rejected)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rejected hunks: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin result transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE patch_attempts SET
			outcome = ?, apply_status = ?, test_status = ?, timed_out = ?, truncated = ?,
			exit_code = ?, duration_ms = ?, output = ?, error = ?, rejected = ?,
			base_revision = COALESCE(base_revision, ?), finished_at = ?
		WHERE patch_id = ? AND number = ?`,
		string(result.Outcome), string(result.Apply), string(result.Test), result.TimedOut, result.Truncated,
		result.ExitCode, result.Duration.Milliseconds(), nullString(result.Output), nullString(result.Error), string(rejected),
		nullString(result.BaseRevision), now,
		id, attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("attempt %d of patch %s: %w", attempt, shortID(id), secondary.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE patches SET outcome = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(result.Outcome), nullString(result.Summary()), now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update patch outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit result: %w", err)
	}
	return r.get(ctx, id)
}

// RecordInvalid stores a message the parser rejected. Recording the same
// message again leaves the existing record untouched.
func (r *PatchRepository) RecordInvalid(ctx context.Context, msg *secondary.InvalidMessage) (*secondary.PatchRecord, error) {
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patches (id, message_id, author, subject, source_ref, outcome, attempts, last_error, raw_message, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'invalid', 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.PatchID, nullString(msg.MessageID), msg.Author, msg.Subject, nullString(msg.SourceRef),
		nullString(msg.Reason), nullBytes(msg.Raw), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record invalid message: %w", err)
	}
	return r.get(ctx, msg.PatchID)
}

// Query retrieves records matching the filters, most recently active first.
func (r *PatchRepository) Query(ctx context.Context, filters secondary.PatchFilters) ([]*secondary.PatchRecord, error) {
	query := "SELECT " + patchColumns + " FROM patches WHERE 1=1"
	var args []any

	if filters.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(filters.Outcome))
	}
	if filters.Fault != "" {
		var placeholders []string
		for _, o := range outcome.All {
			if outcome.FaultOf(o) == filters.Fault {
				placeholders = append(placeholders, "?")
				args = append(args, string(o))
			}
		}
		if len(placeholders) == 0 {
			return nil, nil
		}
		query += " AND outcome IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY COALESCE(last_attempt_at, first_seen_at) DESC, rowid DESC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patches: %w", err)
	}
	defer rows.Close()

	var records []*secondary.PatchRecord
	for rows.Next() {
		record, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patches: %w", err)
	}
	return records, nil
}

// GetByID retrieves a record by full identity or unique prefix.
func (r *PatchRepository) GetByID(ctx context.Context, idOrPrefix string) (*secondary.PatchRecord, error) {
	prefix := strings.ToLower(strings.TrimSpace(idOrPrefix))
	if len(prefix) < minPrefixLen || strings.Trim(prefix, "0123456789abcdef") != "" {
		return nil, fmt.Errorf("patch %s: %w", idOrPrefix, secondary.ErrNotFound)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+patchColumns+" FROM patches WHERE id >= ? AND id < ? ORDER BY id LIMIT 2",
		prefix, prefix+"g",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get patch: %w", err)
	}
	defer rows.Close()

	var matches []*secondary.PatchRecord
	for rows.Next() {
		record, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get patch: %w", err)
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("patch %s: %w", idOrPrefix, secondary.ErrNotFound)
	case len(matches) > 1 && matches[0].ID != prefix:
		return nil, fmt.Errorf("patch prefix %s is ambiguous", idOrPrefix)
	}
	return matches[0], nil
}

func (r *PatchRepository) get(ctx context.Context, id string) (*secondary.PatchRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+patchColumns+" FROM patches WHERE id = ?", id)
	record, err := scanPatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("patch %s: %w", shortID(id), secondary.ErrNotFound)
	}
	return record, err
}

// GetRawMessage returns the stored raw message for a record.
func (r *PatchRepository) GetRawMessage(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, "SELECT raw_message FROM patches WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && raw == nil) {
		return nil, fmt.Errorf("raw message of patch %s: %w", shortID(id), secondary.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw message: %w", err)
	}
	return raw, nil
}

// ListAttempts returns the attempt history of a record, oldest first.
func (r *PatchRepository) ListAttempts(ctx context.Context, id string) ([]*secondary.AttemptRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patch_id, number, base_revision, outcome, apply_status, test_status, timed_out, truncated,
			exit_code, duration_ms, output, error, rejected, started_at, finished_at
		FROM patch_attempts WHERE patch_id = ? ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*secondary.AttemptRecord
	for rows.Next() {
		var (
			a            secondary.AttemptRecord
			baseRevision sql.NullString
			applyStatus  sql.NullString
			testStatus   sql.NullString
			exitCode     sql.NullInt64
			durationMS   sql.NullInt64
			output       sql.NullString
			errText      sql.NullString
			rejected     sql.NullString
			startedAt    time.Time
			finishedAt   sql.NullTime
			outcomeText  string
		)
		err := rows.Scan(&a.ID, &a.PatchID, &a.Number, &baseRevision, &outcomeText, &applyStatus, &testStatus,
			&a.TimedOut, &a.Truncated, &exitCode, &durationMS, &output, &errText, &rejected, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		a.BaseRevision = baseRevision.String
		a.Outcome = outcome.Outcome(outcomeText)
		a.ApplyStatus = outcome.ApplyStatus(applyStatus.String)
		a.TestStatus = outcome.TestStatus(testStatus.String)
		a.ExitCode = int(exitCode.Int64)
		a.DurationMS = durationMS.Int64
		a.Output = output.String
		a.Error = errText.String
		if rejected.Valid && rejected.String != "" {
			if err := json.Unmarshal([]byte(rejected.String), &a.Rejected); err != nil {
				return nil, fmt.Errorf("failed to decode rejected hunks: %w", err)
			}
		}
		a.StartedAt = startedAt.Format(time.RFC3339)
		if finishedAt.Valid {
			a.FinishedAt = finishedAt.Time.Format(time.RFC3339)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}

// RequestRetry flags a record for re-execution by the next batch.
func (r *PatchRepository) RequestRetry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE patches SET retry_requested = 1, updated_at = ? WHERE id = ?",
		r.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to request retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("patch %s: %w", shortID(id), secondary.ErrNotFound)
	}
	return nil
}

// ListRetryRequested returns records flagged for re-execution, oldest first.
func (r *PatchRepository) ListRetryRequested(ctx context.Context) ([]*secondary.PatchRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+patchColumns+" FROM patches WHERE retry_requested = 1 ORDER BY first_seen_at, rowid",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry requests: %w", err)
	}
	defer rows.Close()

	var records []*secondary.PatchRecord
	for rows.Next() {
		record, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry requests: %w", err)
	}
	return records, nil
}

// MarkInterrupted turns pending attempts and records into errors.
func (r *PatchRepository) MarkInterrupted(ctx context.Context, reason string) (int, error) {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin recovery transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE patch_attempts SET outcome = 'error', error = ?, finished_at = ? WHERE outcome = 'pending'",
		reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted attempts: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE patches SET outcome = 'error', last_error = ?, updated_at = ? WHERE outcome = 'pending'",
		reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted patches: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recovery: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatch(row rowScanner) (*secondary.PatchRecord, error) {
	var (
		record      secondary.PatchRecord
		messageID   sql.NullString
		sourceRef   sql.NullString
		lastError   sql.NullString
		outcomeText string
		firstSeen   time.Time
		lastAttempt sql.NullTime
	)
	err := row.Scan(&record.ID, &messageID, &record.Author, &record.AuthorEmail, &record.Subject, &sourceRef,
		&outcomeText, &record.Attempts, &lastError, &record.RetryRequested, &record.HasMessage, &firstSeen, &lastAttempt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan patch: %w", err)
	}

	record.MessageID = messageID.String
	record.SourceRef = sourceRef.String
	record.LastError = lastError.String
	record.Outcome = outcome.Outcome(outcomeText)
	record.FirstSeen = firstSeen.Format(time.RFC3339)
	if lastAttempt.Valid {
		record.LastAttempt = lastAttempt.Time.Format(time.RFC3339)
	}
	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ secondary.PatchRepository = (*PatchRepository)(nil)

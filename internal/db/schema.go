package db

import (
	"database/sql"
	"fmt"
)

// SchemaSQL is the complete schema for fresh installs.
// This schema reflects the current state after all migrations.
//
// This is the single source of truth for the database schema. Tests use it
// through GetSchemaSQL() so that a repository referencing a column that does
// not exist fails immediately with "no such column".
//
// When adding new columns or tables:
//  1. Add a migration to migrations.go
//  2. Update SchemaSQL here
//  3. Run `go test ./internal/db/...` to verify the two agree
const SchemaSQL = `
-- Patches (one row per patch identity ever seen, never deleted)
CREATE TABLE IF NOT EXISTS patches (
	id TEXT PRIMARY KEY,
	message_id TEXT,
	author TEXT NOT NULL DEFAULT '',
	author_email TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	source_ref TEXT,
	outcome TEXT NOT NULL CHECK(outcome IN ('pending', 'applied_passed', 'applied_failed', 'apply_failed', 'invalid', 'error')) DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	retry_requested INTEGER NOT NULL DEFAULT 0,
	raw_message BLOB,
	first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_attempt_at DATETIME,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_patches_outcome ON patches(outcome);
CREATE INDEX IF NOT EXISTS idx_patches_retry ON patches(retry_requested);

-- Patch attempts (append-only execution history)
CREATE TABLE IF NOT EXISTS patch_attempts (
	id TEXT PRIMARY KEY,
	patch_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	base_revision TEXT,
	outcome TEXT NOT NULL CHECK(outcome IN ('pending', 'applied_passed', 'applied_failed', 'apply_failed', 'invalid', 'error')) DEFAULT 'pending',
	apply_status TEXT,
	test_status TEXT,
	timed_out INTEGER NOT NULL DEFAULT 0,
	truncated INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER,
	duration_ms INTEGER,
	output TEXT,
	error TEXT,
	rejected TEXT,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at DATETIME,
	UNIQUE(patch_id, number),
	FOREIGN KEY (patch_id) REFERENCES patches(id)
);

CREATE INDEX IF NOT EXISTS idx_patch_attempts_patch ON patch_attempts(patch_id);

-- Discovery checkpoints (one cursor per source)
CREATE TABLE IF NOT EXISTS checkpoints (
	source TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Batches (one row per RunBatch pass)
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	base_revision TEXT,
	checkpoint_before TEXT,
	checkpoint_after TEXT,
	status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'halted', 'failed')) DEFAULT 'running',
	discovered INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	invalid INTEGER NOT NULL DEFAULT 0,
	executed INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);
`

// InitSchema brings the database schema up to date.
// Fresh databases get SchemaSQL directly with every migration marked as
// applied; existing databases run pending migrations.
func InitSchema(db *sql.DB) error {
	var tableCount int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if tableCount > 0 {
		return RunMigrations(db)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(SchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.Exec(schemaVersionSQL); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	for _, m := range migrations {
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
			return fmt.Errorf("failed to mark migration %d: %w", m.Version, err)
		}
	}
	return tx.Commit()
}

// GetSchemaSQL returns the authoritative schema SQL for use by tests.
// Tests should use this instead of hardcoding their own schema to prevent drift.
func GetSchemaSQL() string {
	return SchemaSQL
}

package db

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// migrations is the list of all migrations in order
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_patches_and_attempts",
		Up:      migrationV1,
	},
	{
		Version: 2,
		Name:    "add_batches_table",
		Up:      migrationV2,
	},
	{
		Version: 3,
		Name:    "add_retry_requested_to_patches",
		Up:      migrationV3,
	},
}

const schemaVersionSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// RunMigrations applies every migration newer than the recorded version.
// Each migration runs in its own transaction together with its version row.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionSQL); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		slog.Info("running migration", "version", migration.Version, "name", migration.Name)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// CurrentVersion returns the highest applied migration version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}
	return version, nil
}

// LatestVersion returns the version of the newest known migration.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

func migrationV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
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
			raw_message BLOB,
			first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_attempt_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_patches_outcome ON patches(outcome);

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

		CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func migrationV2(tx *sql.Tx) error {
	_, err := tx.Exec(`
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
	`)
	return err
}

func migrationV3(tx *sql.Tx) error {
	_, err := tx.Exec(`
		ALTER TABLE patches ADD COLUMN retry_requested INTEGER NOT NULL DEFAULT 0;
		CREATE INDEX IF NOT EXISTS idx_patches_retry ON patches(retry_requested);
	`)
	return err
}

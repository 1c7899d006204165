// Package sqlite_test contains integration tests for SQLite repositories.
//
// This file is the single point where the database schema is loaded for
// tests. All setup functions use db.GetSchemaSQL() so tests run against the
// authoritative schema. Do not hardcode CREATE TABLE statements in test
// files.
package sqlite_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/malipat/internal/adapters/sqlite"
	"github.com/example/malipat/internal/db"
	"github.com/example/malipat/internal/ports/secondary"
)

// setupTestDB creates an in-memory database with the authoritative schema.
// A single connection is kept because each :memory: connection is its own
// database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	testDB.SetMaxOpenConns(1)

	_, err = testDB.Exec(db.GetSchemaSQL())
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() {
		testDB.Close()
	})

	return testDB
}

// seedAttempt records an attempt start for a patch and returns the attempt.
func seedAttempt(t *testing.T, repo *sqlite.PatchRepository, id string) *secondary.AttemptRecord {
	t.Helper()
	attempt, err := repo.RecordAttemptStart(context.Background(), &secondary.AttemptStart{
		PatchID:      id,
		MessageID:    "msg-" + id + "@example.org",
		Author:       "Dev <dev@example.org>",
		AuthorEmail:  "dev@example.org",
		Subject:      "[PATCH] change " + id,
		SourceRef:    "spool/" + id,
		BaseRevision: "base-rev",
		Raw:          []byte("raw message " + id),
	})
	if err != nil {
		t.Fatalf("failed to seed attempt: %v", err)
	}
	return attempt
}

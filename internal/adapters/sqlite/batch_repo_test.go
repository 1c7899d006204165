package sqlite_test

import (
	"context"
	"errors"
	"testing"

	"github.com/example/malipat/internal/adapters/sqlite"
	"github.com/example/malipat/internal/ports/secondary"
)

func TestBatchRepository_Lifecycle(t *testing.T) {
	repo := sqlite.NewBatchRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.Latest(ctx)
	if !errors.Is(err, secondary.ErrNotFound) {
		t.Fatalf("Latest on empty db: err = %v, want ErrNotFound", err)
	}

	batch := &secondary.BatchRecord{ID: "batch-1", Source: "spool", CheckpointBefore: "0001.eml"}
	if err := repo.Start(ctx, batch); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if batch.Status != secondary.BatchRunning {
		t.Errorf("Status = %q, want running", batch.Status)
	}

	batch.Status = secondary.BatchCompleted
	batch.CheckpointAfter = "0004.eml"
	batch.BaseRevision = "abc123"
	batch.Discovered = 3
	batch.Skipped = 1
	batch.Executed = 2
	if err := repo.Finish(ctx, batch); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	second := &secondary.BatchRecord{ID: "batch-2", Source: "spool"}
	if err := repo.Start(ctx, second); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.ID != "batch-2" {
		t.Errorf("Latest ID = %q, want batch-2", latest.ID)
	}

	all, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(all))
	}
	first := all[1]
	if first.Status != secondary.BatchCompleted || first.Executed != 2 || first.CheckpointAfter != "0004.eml" {
		t.Errorf("finished batch = %+v", first)
	}
	if first.FinishedAt == "" {
		t.Error("FinishedAt not set")
	}
}

func TestBatchRepository_FinishUnknown(t *testing.T) {
	repo := sqlite.NewBatchRepository(setupTestDB(t))
	err := repo.Finish(context.Background(), &secondary.BatchRecord{ID: "nope", Status: secondary.BatchFailed})
	if !errors.Is(err, secondary.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

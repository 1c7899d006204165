//go:build unix

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/malipat/internal/adapters/filesystem"
	"github.com/example/malipat/internal/adapters/process"
	"github.com/example/malipat/internal/adapters/sqlite"
	"github.com/example/malipat/internal/app"
	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/db"
	"github.com/example/malipat/internal/logging"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/ports/secondary"
)

const (
	passingPatch = `From: Ada <ada@example.org>
Subject: [PATCH] say hi
Message-Id: <1@example.org>

--- a/a.txt
+++ b/a.txt
@@ -1 +1 @@
-hello
+hi
`
	conflictingPatch = `From: Bob <bob@example.org>
Subject: [PATCH] say howdy
Message-Id: <2@example.org>

--- a/a.txt
+++ b/a.txt
@@ -1 +1 @@
-goodbye
+howdy
`
	failingPatch = `From: Eve <eve@example.org>
Subject: [PATCH] say hey
Message-Id: <3@example.org>

--- a/a.txt
+++ b/a.txt
@@ -1 +1 @@
-hello
+hey
`
	lineChangePatch = `From: Ada <ada@example.org>
Subject: [PATCH] replace line two
Message-Id: <4@example.org>

--- a/a.txt
+++ b/a.txt
@@ -1,3 +1,3 @@
 1
-2
+X
 3
`
	garbageMessage = "From: Mallory <m@example.org>\nSubject: hello list\n\nno diff here\n"
)

type harness struct {
	spool    string
	target   string
	pipeline *app.PipelineServiceImpl
	status   *app.StatusServiceImpl
	store    *sqlite.PatchRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, "hello\n", "grep -qx hi a.txt")
}

// newHarnessWith builds a harness whose target holds a.txt with content and
// whose test command is script run by sh.
func newHarnessWith(t *testing.T, content, script string) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		spool:  filepath.Join(root, "spool"),
		target: filepath.Join(root, "target"),
	}
	require.NoError(t, os.MkdirAll(h.spool, 0o755))
	require.NoError(t, os.MkdirAll(h.target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.target, "a.txt"), []byte(content), 0o644))

	database, err := db.Open(filepath.Join(root, "state", "malipat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := logging.Discard()
	workspaces, err := filesystem.NewWorkspaceManager(h.target, filepath.Join(root, "workspaces"), filesystem.ModeCopy, logger)
	require.NoError(t, err)

	h.store = sqlite.NewPatchRepository(database)
	batches := sqlite.NewBatchRepository(database)
	executor := app.NewExecutor(workspaces, process.NewRunner(logger), app.ExecutorConfig{
		Command:     []string{"sh", "-c", script},
		Timeout:     30 * time.Second,
		OutputLimit: 4096,
	}, logger)

	h.pipeline = app.NewPipelineService(
		filesystem.NewSpoolSource(h.spool),
		h.store,
		sqlite.NewCheckpointRepository(database),
		batches,
		workspaces,
		executor,
		nil,
		nil,
		app.PipelineConfig{BatchSize: 10, Workers: 2},
		logger,
	)
	h.status = app.NewStatusService(h.store, batches, 3)
	return h
}

func (h *harness) deliver(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.spool, name), []byte(content), 0o644))
}

func (h *harness) outcomes(t *testing.T) map[string]outcome.Outcome {
	t.Helper()
	patches, err := h.status.ListPatches(context.Background(), primary.PatchFilters{})
	require.NoError(t, err)
	out := make(map[string]outcome.Outcome, len(patches))
	for _, p := range patches {
		out[p.Subject] = p.Outcome
	}
	return out
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deliver(t, "0001.eml", passingPatch)
	h.deliver(t, "0002.eml", conflictingPatch)
	h.deliver(t, "0003.eml", failingPatch)
	h.deliver(t, "0004.eml", garbageMessage)

	summary, err := h.pipeline.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Discovered)
	assert.Equal(t, 3, summary.Executed)
	assert.Equal(t, 1, summary.Invalid)
	assert.True(t, summary.Advanced)
	assert.Equal(t, "0004.eml", summary.CheckpointAfter)

	assert.Equal(t, map[string]outcome.Outcome{
		"[PATCH] say hi":    outcome.OutcomeAppliedPassed,
		"[PATCH] say howdy": outcome.OutcomeApplyFailed,
		"[PATCH] say hey":   outcome.OutcomeAppliedFailed,
		"hello list":        outcome.OutcomeInvalid,
	}, h.outcomes(t))

	// The target tree is never touched.
	data, err := os.ReadFile(filepath.Join(h.target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// Redelivery of a known patch is a no-op.
	h.deliver(t, "0005.eml", passingPatch)
	summary, err = h.pipeline.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Executed)

	batch, err := h.status.LatestBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, secondary.BatchCompleted, batch.Status)
	assert.Equal(t, "0005.eml", batch.CheckpointAfter)
}

func TestPipeline_EndToEndLineChange(t *testing.T) {
	h := newHarnessWith(t, "1\n2\n3\n", "grep -q X a.txt")
	ctx := context.Background()

	h.deliver(t, "0001.eml", lineChangePatch)
	summary, err := h.pipeline.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, map[string]outcome.Outcome{
		"[PATCH] replace line two": outcome.OutcomeAppliedPassed,
	}, h.outcomes(t))

	patches, err := h.status.ListPatches(ctx, primary.PatchFilters{})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	known, err := h.store.IsKnown(ctx, patches[0].ID)
	require.NoError(t, err)
	assert.True(t, known)

	// The same message again is recognised and never executed.
	h.deliver(t, "0002.eml", lineChangePatch)
	summary, err = h.pipeline.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Executed)

	detail, err := h.status.GetPatch(ctx, patches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.Patch.Attempts)

	data, err := os.ReadFile(filepath.Join(h.target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", string(data))
}

func TestPipeline_EndToEndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deliver(t, "0001.eml", failingPatch)
	_, err := h.pipeline.RunBatch(ctx)
	require.NoError(t, err)

	patches, err := h.status.ListPatches(ctx, primary.PatchFilters{Outcome: outcome.OutcomeAppliedFailed})
	require.NoError(t, err)
	require.Len(t, patches, 1)

	resp, err := h.status.RetryPatch(ctx, primary.RetryPatchRequest{PatchID: patches[0].ID[:8]})
	require.NoError(t, err)
	assert.True(t, resp.Patch.RetryRequested)

	summary, err := h.pipeline.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Executed)

	detail, err := h.status.GetPatch(ctx, patches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Patch.Attempts)
	require.Len(t, detail.Attempts, 2)
	assert.Equal(t, outcome.OutcomeAppliedFailed, detail.Attempts[1].Outcome)
	assert.False(t, detail.Patch.RetryRequested)
}

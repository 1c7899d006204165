package filesystem_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/malipat/internal/adapters/filesystem"
	"github.com/example/malipat/internal/ports/secondary"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func initGitRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	writeTree(t, dir, files)
	for _, args := range [][]string{
		{"init", "--quiet"},
		{"add", "."},
		{"-c", "user.name=Test", "-c", "user.email=test@example.org", "commit", "--quiet", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return dir
}

func TestNewWorkspaceManager_RejectsBadConfig(t *testing.T) {
	repo := t.TempDir()

	_, err := filesystem.NewWorkspaceManager(repo, t.TempDir(), "svn", nil)
	assert.Error(t, err)

	_, err = filesystem.NewWorkspaceManager(repo, filepath.Join(repo, "ws"), filesystem.ModeCopy, nil)
	assert.Error(t, err, "copy mode must not snapshot its own workspaces")

	_, err = filesystem.NewWorkspaceManager(repo, repo, filesystem.ModeWorktree, nil)
	assert.Error(t, err)
}

func TestWorkspaceManager_CopyMode(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{"a.txt": "hello\n", "sub/b.txt": "b\n"})

	mgr, err := filesystem.NewWorkspaceManager(repo, t.TempDir(), filesystem.ModeCopy, nil)
	require.NoError(t, err)

	rev, err := mgr.ResolveBase(ctx)
	require.NoError(t, err)
	assert.Len(t, rev, 64)

	again, err := mgr.ResolveBase(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, again, "unchanged tree must resolve to the same revision")

	ws, err := mgr.Provision(ctx, rev)
	require.NoError(t, err)

	data, exists, err := mgr.ReadFile(ctx, ws, "sub/b.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "b\n", string(data))

	// Editing the target tree after pinning does not reach the checkout.
	writeTree(t, repo, map[string]string{"a.txt": "changed\n"})
	ws2, err := mgr.Provision(ctx, rev)
	require.NoError(t, err)
	data, _, err = mgr.ReadFile(ctx, ws2, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	require.NoError(t, mgr.Release(ctx, ws))
	require.NoError(t, mgr.Release(ctx, ws2))
	_, err = os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is harmless.
	assert.NoError(t, mgr.Release(ctx, ws))
}

func TestWorkspaceManager_ProvisionUnknownSnapshot(t *testing.T) {
	mgr, err := filesystem.NewWorkspaceManager(t.TempDir(), t.TempDir(), filesystem.ModeCopy, nil)
	require.NoError(t, err)

	_, err = mgr.Provision(context.Background(), "deadbeef")
	assert.Error(t, err)
}

func TestWorkspaceManager_ConcurrentCheckoutsAreIsolated(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{"a.txt": "hello\n"})

	mgr, err := filesystem.NewWorkspaceManager(repo, t.TempDir(), filesystem.ModeCopy, nil)
	require.NoError(t, err)
	rev, err := mgr.ResolveBase(ctx)
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := mgr.Provision(ctx, rev)
			if err != nil {
				errs <- err
				return
			}
			defer mgr.Release(ctx, ws)

			want := []byte{byte('a' + i)}
			if err := mgr.WriteFile(ctx, ws, "a.txt", want); err != nil {
				errs <- err
				return
			}
			got, _, err := mgr.ReadFile(ctx, ws, "a.txt")
			if err != nil {
				errs <- err
				return
			}
			if string(got) != string(want) {
				errs <- errors.New("checkout saw another worker's write: " + string(got))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	data, err := os.ReadFile(filepath.Join(repo, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data), "target tree must stay untouched")
}

func TestWorkspaceManager_Prune(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{"a.txt": "x\n"})
	base := t.TempDir()

	mgr, err := filesystem.NewWorkspaceManager(repo, base, filesystem.ModeCopy, nil)
	require.NoError(t, err)
	rev, err := mgr.ResolveBase(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := mgr.Provision(ctx, rev)
		require.NoError(t, err)
	}
	// Unrelated directories are left alone.
	require.NoError(t, os.Mkdir(filepath.Join(base, "keep-me"), 0o755))

	removed, err := mgr.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = os.Stat(filepath.Join(base, "keep-me"))
	assert.NoError(t, err)

	// The pinned snapshot survives pruning.
	ws, err := mgr.Provision(ctx, rev)
	require.NoError(t, err)
	require.NoError(t, mgr.Release(ctx, ws))
}

func TestWorkspaceManager_WorktreeMode(t *testing.T) {
	ctx := context.Background()
	repo := initGitRepo(t, map[string]string{"a.txt": "hello\n"})

	mgr, err := filesystem.NewWorkspaceManager(repo, t.TempDir(), filesystem.ModeWorktree, nil)
	require.NoError(t, err)

	rev, err := mgr.ResolveBase(ctx)
	require.NoError(t, err)
	assert.Len(t, rev, 40)

	ws, err := mgr.Provision(ctx, rev)
	require.NoError(t, err)

	data, exists, err := mgr.ReadFile(ctx, ws, "a.txt")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "hello\n", string(data))

	require.NoError(t, mgr.WriteFile(ctx, ws, "a.txt", []byte("hi\n")))
	require.NoError(t, mgr.Release(ctx, ws))

	_, err = os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(err))

	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = repo
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.NotContains(t, string(out), ws.ID, "worktree registration must be removed")

	data, err = os.ReadFile(filepath.Join(repo, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestWorkspaceManager_UpdateBaseWithoutGitInCopyMode(t *testing.T) {
	mgr, err := filesystem.NewWorkspaceManager(t.TempDir(), t.TempDir(), filesystem.ModeCopy, nil)
	require.NoError(t, err)
	assert.NoError(t, mgr.UpdateBase(context.Background()))
}

func TestWorkspaceManager_FileOperationsStayInside(t *testing.T) {
	ctx := context.Background()
	outside := t.TempDir()
	root := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	ws := &secondary.Workspace{ID: "ws", Path: root}

	mgr, err := filesystem.NewWorkspaceManager(t.TempDir(), t.TempDir(), filesystem.ModeCopy, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../evil.txt"},
		{"nested traversal", "sub/../../evil.txt"},
		{"absolute path", "/etc/passwd"},
		{"git metadata", ".git/config"},
		{"symlink out of tree", "escape/evil.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.WriteFile(ctx, ws, tt.path, []byte("x"))
			assert.ErrorIs(t, err, secondary.ErrPathEscape)

			_, _, err = mgr.ReadFile(ctx, ws, tt.path)
			assert.ErrorIs(t, err, secondary.ErrPathEscape)
		})
	}

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkspaceManager_WriteCreatesParentsAndKeepsMode(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	ws := &secondary.Workspace{ID: "ws", Path: root}

	mgr, err := filesystem.NewWorkspaceManager(t.TempDir(), t.TempDir(), filesystem.ModeCopy, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.WriteFile(ctx, ws, "deep/dir/new.txt", []byte("new\n")))
	data, err := os.ReadFile(filepath.Join(root, "deep", "dir", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	require.NoError(t, mgr.WriteFile(ctx, ws, "run.sh", []byte("#!/bin/sh\nexit 0\n")))
	info, err := os.Stat(filepath.Join(root, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	require.NoError(t, mgr.RemoveFile(ctx, ws, "run.sh"))
	_, exists, err := mgr.ReadFile(ctx, ws, "run.sh")
	require.NoError(t, err)
	assert.False(t, exists)

	// Removing a missing file is not an error.
	assert.NoError(t, mgr.RemoveFile(ctx, ws, "run.sh"))
}

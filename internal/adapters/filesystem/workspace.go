// Package filesystem contains filesystem-based adapter implementations.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/example/malipat/internal/ports/secondary"
)

// Workspace modes.
const (
	ModeWorktree = "worktree"
	ModeCopy     = "copy"
)

// snapshotDir holds pinned copies of the target tree in copy mode.
const snapshotDir = ".snapshots"

// WorkspaceManager implements secondary.WorkspaceAdapter.
//
// In worktree mode every checkout is a detached git worktree at a commit
// hash. In copy mode the target tree is first copied into a snapshot named
// by its content hash, and checkouts are copies of that snapshot, so later
// edits to the target tree never reach a pinned revision.
type WorkspaceManager struct {
	repoPath string
	baseDir  string
	mode     string
	logger   *slog.Logger
}

// NewWorkspaceManager creates a workspace manager for the tree at repoPath
// that places checkouts under baseDir.
func NewWorkspaceManager(repoPath, baseDir, mode string, logger *slog.Logger) (*WorkspaceManager, error) {
	if mode == "" {
		mode = ModeWorktree
	}
	if mode != ModeWorktree && mode != ModeCopy {
		return nil, fmt.Errorf("unknown workspace mode %q", mode)
	}
	if logger == nil {
		logger = slog.Default()
	}

	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace dir: %w", err)
	}
	if absBase == absRepo || (mode == ModeCopy && strings.HasPrefix(absBase, absRepo+string(filepath.Separator))) {
		return nil, fmt.Errorf("workspace dir %s must not be inside the target tree in copy mode", absBase)
	}

	return &WorkspaceManager{
		repoPath: absRepo,
		baseDir:  absBase,
		mode:     mode,
		logger:   logger.With("component", "workspace"),
	}, nil
}

// Mode returns the checkout mode.
func (m *WorkspaceManager) Mode() string {
	return m.mode
}

// ResolveBase returns the revision new checkouts are pinned to: the HEAD
// commit in worktree mode, or the content hash of a fresh snapshot in copy
// mode. Snapshots of older revisions are removed.
func (m *WorkspaceManager) ResolveBase(ctx context.Context) (string, error) {
	if m.mode == ModeWorktree {
		rev, err := m.git(ctx, m.repoPath, "rev-parse", "--verify", "HEAD^{commit}")
		if err != nil {
			return "", fmt.Errorf("failed to resolve base revision: %w", err)
		}
		return rev, nil
	}

	if err := os.MkdirAll(filepath.Join(m.baseDir, snapshotDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := filepath.Join(m.baseDir, snapshotDir, "tmp-"+uuid.NewString())
	if err := CopyTree(ctx, m.repoPath, tmp); err != nil {
		removeTree(tmp)
		return "", fmt.Errorf("failed to snapshot target tree: %w", err)
	}
	rev, err := TreeHash(tmp)
	if err != nil {
		removeTree(tmp)
		return "", fmt.Errorf("failed to hash snapshot: %w", err)
	}

	final := m.snapshotPath(rev)
	if _, err := os.Stat(final); err == nil {
		removeTree(tmp)
	} else if err := os.Rename(tmp, final); err != nil {
		removeTree(tmp)
		return "", fmt.Errorf("failed to pin snapshot: %w", err)
	}

	m.pruneSnapshots(rev)
	return rev, nil
}

// UpdateBase fast-forwards the target tree from its upstream. Trees that
// are not git repositories are left alone.
func (m *WorkspaceManager) UpdateBase(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(m.repoPath, ".git")); err != nil {
		if m.mode == ModeWorktree {
			return fmt.Errorf("target tree %s is not a git repository", m.repoPath)
		}
		return nil
	}
	if _, err := m.git(ctx, m.repoPath, "pull", "--ff-only", "--quiet"); err != nil {
		return fmt.Errorf("failed to update base: %w", err)
	}
	return nil
}

// Provision creates an isolated checkout of revision.
func (m *WorkspaceManager) Provision(ctx context.Context, revision string) (*secondary.Workspace, error) {
	if revision == "" {
		return nil, errors.New("cannot provision workspace without a revision")
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	ws := &secondary.Workspace{
		ID:       uuid.NewString(),
		Revision: revision,
	}
	ws.Path = filepath.Join(m.baseDir, ws.ID)

	switch m.mode {
	case ModeWorktree:
		if _, err := m.git(ctx, m.repoPath, "worktree", "add", "--detach", "--quiet", ws.Path, revision); err != nil {
			m.removeWorktree(context.WithoutCancel(ctx), ws.Path)
			return nil, fmt.Errorf("git worktree add failed: %w", err)
		}
	case ModeCopy:
		snapshot := m.snapshotPath(revision)
		if _, err := os.Stat(snapshot); err != nil {
			return nil, fmt.Errorf("snapshot for revision %s not found: %w", revision, err)
		}
		if err := CopyTree(ctx, snapshot, ws.Path); err != nil {
			removeTree(ws.Path)
			return nil, fmt.Errorf("failed to copy snapshot: %w", err)
		}
	}

	m.logger.Debug("workspace provisioned", "workspace", ws.ID, "revision", revision)
	return ws, nil
}

// Release removes a checkout. It is safe to call more than once.
func (m *WorkspaceManager) Release(ctx context.Context, ws *secondary.Workspace) error {
	if ws == nil || ws.Path == "" {
		return nil
	}
	if filepath.Dir(ws.Path) != m.baseDir {
		return fmt.Errorf("refusing to release %s: not a managed workspace", ws.Path)
	}

	if m.mode == ModeWorktree {
		m.removeWorktree(ctx, ws.Path)
	}
	if err := removeTree(ws.Path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ws.ID, err)
	}

	m.logger.Debug("workspace released", "workspace", ws.ID)
	return nil
}

// Prune removes every checkout under the workspace directory. It must only
// run while no attempt holds a workspace.
func (m *WorkspaceManager) Prune(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || e.Name() == snapshotDir {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := m.Release(ctx, &secondary.Workspace{ID: e.Name(), Path: filepath.Join(m.baseDir, e.Name())}); err != nil {
			return removed, err
		}
		removed++
	}

	if m.mode == ModeWorktree {
		if _, err := m.git(ctx, m.repoPath, "worktree", "prune"); err != nil {
			m.logger.Warn("git worktree prune failed", "error", err)
		}
	}
	return removed, nil
}

func (m *WorkspaceManager) removeWorktree(ctx context.Context, path string) {
	if _, err := m.git(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		// The directory is removed by the caller; prune drops the registration.
		if _, err := m.git(ctx, m.repoPath, "worktree", "prune"); err != nil {
			m.logger.Warn("git worktree prune failed", "error", err)
		}
	}
}

func (m *WorkspaceManager) snapshotPath(rev string) string {
	return filepath.Join(m.baseDir, snapshotDir, rev)
}

func (m *WorkspaceManager) pruneSnapshots(keep string) {
	entries, err := os.ReadDir(filepath.Join(m.baseDir, snapshotDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == keep || strings.HasPrefix(e.Name(), "tmp-") {
			continue
		}
		if err := removeTree(m.snapshotPath(e.Name())); err != nil {
			m.logger.Warn("failed to remove old snapshot", "snapshot", e.Name(), "error", err)
		}
	}
}

// git runs a git command in dir and returns its trimmed stdout.
func (m *WorkspaceManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// removeTree removes path even when the test procedure left read-only
// directories behind.
func removeTree(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	return os.RemoveAll(path)
}

var _ secondary.WorkspaceAdapter = (*WorkspaceManager)(nil)

package secondary

import (
	"context"
	"errors"
)

// WorkspaceAdapter defines the secondary port for disposable checkouts of
// the target tree.
type WorkspaceAdapter interface {
	// ResolveBase returns the current revision of the target tree.
	ResolveBase(ctx context.Context) (string, error)

	// UpdateBase advances the target tree from upstream. Only called between
	// batches.
	UpdateBase(ctx context.Context) error

	// Provision creates an isolated checkout of revision.
	Provision(ctx context.Context, revision string) (*Workspace, error)

	// Release removes a checkout and everything in it.
	Release(ctx context.Context, ws *Workspace) error

	// Prune removes checkouts left behind by a previous process.
	Prune(ctx context.Context) (int, error)

	// ReadFile reads a file inside the checkout. exists is false when the
	// file is absent.
	ReadFile(ctx context.Context, ws *Workspace, path string) (data []byte, exists bool, err error)

	// WriteFile replaces a file inside the checkout, creating parents.
	WriteFile(ctx context.Context, ws *Workspace, path string, data []byte) error

	// RemoveFile deletes a file inside the checkout.
	RemoveFile(ctx context.Context, ws *Workspace, path string) error
}

// ErrPathEscape is returned for paths that resolve outside a checkout.
var ErrPathEscape = errors.New("path escapes workspace")

// Workspace is an exclusively owned checkout for one attempt.
type Workspace struct {
	ID       string
	Path     string
	Revision string
}

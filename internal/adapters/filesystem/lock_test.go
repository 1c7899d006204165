//go:build unix

package filesystem_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/example/malipat/internal/adapters/filesystem"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "malipat.lock")

	first, err := filesystem.AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	if _, err := filesystem.AcquireLock(path); !errors.Is(err, filesystem.ErrLocked) {
		t.Errorf("second AcquireLock() error = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	again, err := filesystem.AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	_ = again.Release()
}

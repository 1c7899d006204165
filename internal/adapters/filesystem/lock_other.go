//go:build !unix

package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when another process holds the state lock.
var ErrLocked = errors.New("another malipat process is running against this state directory")

// StateLock falls back to an exclusive create on platforms without flock.
// A crash leaves the file behind and it has to be removed by hand.
type StateLock struct {
	path string
}

// AcquireLock takes the lock at path without blocking.
func AcquireLock(path string) (*StateLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	f.Close()
	return &StateLock{path: path}, nil
}

// Release drops the lock.
func (l *StateLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}

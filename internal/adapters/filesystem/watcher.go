package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// SourceWatcher signals when new messages may have arrived at a source
// path. For a directory every created or written entry counts; for a file
// only events on that file do.
type SourceWatcher struct {
	path    string
	file    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewSourceWatcher creates a watcher for path, a spool directory or an
// mbox file.
func NewSourceWatcher(path string, logger *slog.Logger) (*SourceWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source path: %w", err)
	}

	w := &SourceWatcher{path: path, logger: logger.With("component", "watcher")}
	dir := path
	if !info.IsDir() {
		// Watch the parent so that rotations which replace the file are seen.
		dir = filepath.Dir(path)
		w.file = filepath.Clean(path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = watcher
	return w, nil
}

// Run forwards relevant events to trigger until ctx is cancelled. Sends
// never block: one pending signal is enough to start the next batch.
func (w *SourceWatcher) Run(ctx context.Context, trigger chan<- struct{}) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("source changed", "path", event.Name, "op", event.Op.String())
			select {
			case trigger <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("source watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *SourceWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	if w.file != "" {
		return filepath.Clean(event.Name) == w.file
	}
	base := filepath.Base(event.Name)
	return base != "" && base[0] != '.'
}

// Close stops the watcher.
func (w *SourceWatcher) Close() error {
	return w.watcher.Close()
}

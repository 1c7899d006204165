package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/malipat/internal/ports/secondary"
)

// SpoolSource reads one message per file from a directory. Files are
// processed in lexical name order and the checkpoint is the name of the
// last file returned, so delivery agents should use sortable names such as
// maildir's timestamped ones.
type SpoolSource struct {
	dir string
}

// NewSpoolSource creates a source for the spool directory dir.
func NewSpoolSource(dir string) *SpoolSource {
	return &SpoolSource{dir: dir}
}

// Name identifies the source in the checkpoint table.
func (s *SpoolSource) Name() string {
	return "spool:" + s.dir
}

// Dir returns the spool directory.
func (s *SpoolSource) Dir() string {
	return s.dir
}

// FetchSince returns up to limit messages whose file names sort after
// checkpoint. Hidden files and in-progress temporaries are ignored.
func (s *SpoolSource) FetchSince(ctx context.Context, checkpoint string, limit int) (*secondary.FetchResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list spool %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if name > checkpoint {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	result := &secondary.FetchResult{Checkpoint: checkpoint}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		result.Messages = append(result.Messages, secondary.RawMessage{Ref: path, Data: data})
		result.Checkpoint = name
	}
	return result, nil
}

var _ secondary.PatchSource = (*SpoolSource)(nil)

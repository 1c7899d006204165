package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/secondary"
)

// Entry is one line of the JSON lines report.
type Entry struct {
	Time     string `json:"time"`
	PatchID  string `json:"patch_id"`
	Subject  string `json:"subject,omitempty"`
	Author   string `json:"author,omitempty"`
	Source   string `json:"source,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Fault    string `json:"fault"`
	outcome.ExecutionResult
}

// JSONLReporter appends one JSON object per result to a file.
type JSONLReporter struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewJSONLReporter creates a reporter appending to path.
func NewJSONLReporter(path string) *JSONLReporter {
	return &JSONLReporter{path: path, now: time.Now}
}

// Report appends the result. The file is opened per call so it can be
// rotated underneath a long-running watch.
func (r *JSONLReporter) Report(ctx context.Context, id string, result outcome.ExecutionResult, record *secondary.PatchRecord) error {
	entry := Entry{
		Time:            r.now().UTC().Format(time.RFC3339),
		PatchID:         id,
		Fault:           string(outcome.FaultOf(result.Outcome)),
		ExecutionResult: result,
	}
	if record != nil {
		entry.Subject = record.Subject
		entry.Author = record.Author
		entry.Source = record.SourceRef
		entry.Attempts = record.Attempts
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open report file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

var _ secondary.Reporter = (*JSONLReporter)(nil)

package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/secondary"
)

func init() {
	color.NoColor = true
}

const testID = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestConsoleReporter(t *testing.T) {
	tests := []struct {
		name   string
		result outcome.ExecutionResult
		want   []string
	}{
		{
			name:   "pass",
			result: outcome.ExecutionResult{Outcome: outcome.OutcomeAppliedPassed, Duration: 1500 * time.Millisecond},
			want:   []string{"[PASS]  0123456789ab  fix greeting  (1.5s)\n"},
		},
		{
			name: "apply failure shows first rejection",
			result: outcome.ExecutionResult{
				Outcome:  outcome.OutcomeApplyFailed,
				Apply:    outcome.ApplyRejected,
				Rejected: []string{"a.txt: hunk #1: context does not match at line 1"},
			},
			want: []string{"[NOAPP]", "apply rejected: a.txt: hunk #1"},
		},
		{
			name:   "timeout",
			result: outcome.ExecutionResult{Outcome: outcome.OutcomeAppliedFailed, Test: outcome.TestTimeout, TimedOut: true, Duration: 2 * time.Second},
			want:   []string{"[FAIL]", "test timed out after 2s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := NewConsoleReporter(&buf)
			err := r.Report(context.Background(), testID, tt.result, &secondary.PatchRecord{Subject: "fix greeting"})
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestJSONLReporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "results.jsonl")
	r := NewJSONLReporter(path)
	r.now = func() time.Time { return time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC) }

	record := &secondary.PatchRecord{Subject: "fix greeting", Author: "Ada <ada@example.org>", Attempts: 2}
	require.NoError(t, r.Report(context.Background(), testID, outcome.ExecutionResult{Outcome: outcome.OutcomeAppliedPassed, Apply: outcome.ApplyClean, Test: outcome.TestPass}, record))
	require.NoError(t, r.Report(context.Background(), testID, outcome.ExecutionResult{Outcome: outcome.OutcomeError, Error: "disk full"}, record))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "2026-03-03T10:00:00Z", first["time"])
	assert.Equal(t, testID, first["patch_id"])
	assert.Equal(t, "applied_passed", first["outcome"])
	assert.Equal(t, "none", first["fault"])
	assert.Equal(t, float64(2), first["attempts"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "pipeline", second["fault"])
	assert.Equal(t, "disk full", second["error"])
}

type stubReporter struct {
	calls int
	err   error
}

func (s *stubReporter) Report(context.Context, string, outcome.ExecutionResult, *secondary.PatchRecord) error {
	s.calls++
	return s.err
}

func TestMulti_CallsEveryReporter(t *testing.T) {
	failing := &stubReporter{err: errors.New("boom")}
	ok := &stubReporter{}

	err := Multi{failing, ok}.Report(context.Background(), testID, outcome.ExecutionResult{}, nil)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, Multi{ok}.Report(context.Background(), testID, outcome.ExecutionResult{}, nil))
}

//go:build unix

package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/malipat/internal/config"
)

func doctorConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Source.Path = filepath.Join(dir, "spool")
	cfg.Target.Path = filepath.Join(dir, "target")
	cfg.Target.Mode = "copy"
	cfg.Test.Command = []string{"sh", "-c", "true"}
	cfg.State.Dir = filepath.Join(dir, "state")
	for _, d := range []string{cfg.Source.Path, cfg.Target.Path} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func statuses(results []CheckResult) map[string]string {
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.Name] = r.Status
	}
	return out
}

func TestRunChecks_Healthy(t *testing.T) {
	cfg := doctorConfig(t)

	results := RunChecks(cfg, nil)

	for _, r := range results {
		if r.Status != "✓" {
			t.Errorf("%s: status %s, details %q", r.Name, r.Status, r.Details)
		}
	}
	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		t.Errorf("expected the state check to create the database: %v", err)
	}
}

func TestRunChecks_ConfigError(t *testing.T) {
	results := RunChecks(nil, errors.New("no config file found"))

	if len(results) != 1 || results[0].Status != "✗" {
		t.Fatalf("expected a single failing config check, got %+v", results)
	}
}

func TestRunChecks_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		check  string
		want   string
	}{
		{
			name:   "missing target",
			mutate: func(cfg *config.Config) { cfg.Target.Path = filepath.Join(cfg.Target.Path, "nope") },
			check:  "Target",
			want:   "✗",
		},
		{
			name:   "worktree mode without repository",
			mutate: func(cfg *config.Config) { cfg.Target.Mode = "worktree" },
			check:  "Target",
			want:   "✗",
		},
		{
			name:   "source not created yet",
			mutate: func(cfg *config.Config) { cfg.Source.Path = filepath.Join(cfg.Source.Path, "later") },
			check:  "Source",
			want:   "⚠",
		},
		{
			name:   "mbox pointing at a directory",
			mutate: func(cfg *config.Config) { cfg.Source.Kind = config.SourceMbox },
			check:  "Source",
			want:   "✗",
		},
		{
			name:   "command not on PATH",
			mutate: func(cfg *config.Config) { cfg.Test.Command = []string{"malipat-no-such-command"} },
			check:  "Test command",
			want:   "✗",
		},
		{
			name:   "relative script missing from target",
			mutate: func(cfg *config.Config) { cfg.Test.Command = []string{"./run-tests.sh"} },
			check:  "Test command",
			want:   "✗",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := doctorConfig(t)
			tt.mutate(cfg)

			got := statuses(RunChecks(cfg, nil))
			if got[tt.check] != tt.want {
				t.Errorf("%s status = %s, want %s", tt.check, got[tt.check], tt.want)
			}
		})
	}
}

func TestRunChecks_LockHeld(t *testing.T) {
	cfg := doctorConfig(t)
	lock, err := acquireLock(cfg)
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	defer lock.Release()

	got := statuses(RunChecks(cfg, nil))
	if got["Lock"] != "⚠" {
		t.Errorf("Lock status = %s, want ⚠", got["Lock"])
	}
}

func TestPrintChecks(t *testing.T) {
	var buf bytes.Buffer
	printChecks(&buf, []CheckResult{
		{Name: "Config", Status: "✓"},
		{Name: "Source", Status: "✗", Details: "  spool missing"},
	}, true)

	output := buf.String()
	if !strings.Contains(output, "Details:") || !strings.Contains(output, "spool missing") {
		t.Errorf("expected details for failing checks, got '%s'", output)
	}
	if !strings.Contains(output, "Issues found") {
		t.Errorf("expected issues footer, got '%s'", output)
	}
}

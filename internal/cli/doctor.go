package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/malipat/internal/adapters/filesystem"
	"github.com/example/malipat/internal/config"
	"github.com/example/malipat/internal/db"
	"github.com/example/malipat/internal/wire"
)

// CheckResult represents the outcome of a single check
type CheckResult struct {
	Name    string
	Status  string // "✓", "⚠", "✗"
	Details string // Only shown if Status != "✓"
}

// DoctorCmd returns the doctor command for environment validation
func DoctorCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the malipat environment",
		Long: `Environment health check for malipat.

Validates:
- Configuration file (location, syntax, values)
- Target repository and workspace mode
- Patch source path
- Test command on PATH
- State directory, database and lock

Examples:
  malipat doctor              # Run full health check
  malipat doctor --quiet      # Exit code only (0=healthy, 1=issues)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wire.Config()
			results := RunChecks(cfg, err)

			hasErrors := false
			for _, r := range results {
				if r.Status == "✗" {
					hasErrors = true
					break
				}
			}

			if !quiet {
				printChecks(cmd.OutOrStdout(), results, hasErrors)
			}
			if hasErrors {
				return fmt.Errorf("environment validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode - exit code only")

	return cmd
}

// RunChecks validates cfg. A configuration error short-circuits the rest.
func RunChecks(cfg *config.Config, cfgErr error) []CheckResult {
	if cfgErr != nil {
		return []CheckResult{{Name: "Config", Status: "✗", Details: "  " + cfgErr.Error()}}
	}
	return []CheckResult{
		{Name: "Config", Status: "✓"},
		checkTarget(cfg),
		checkSource(cfg),
		checkCommand(cfg),
		checkState(cfg),
		checkLock(cfg),
	}
}

func printChecks(out io.Writer, results []CheckResult, hasErrors bool) {
	// Print compact table
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Check              Status")
	fmt.Fprintln(out, "─────────────────────────")
	for _, r := range results {
		fmt.Fprintf(out, "%-18s %s\n", r.Name, r.Status)
	}
	fmt.Fprintln(out)

	// Print details for non-passing checks
	hasDetails := false
	for _, r := range results {
		if r.Status != "✓" && r.Details != "" {
			if !hasDetails {
				fmt.Fprintln(out, "Details:")
				hasDetails = true
			}
			fmt.Fprintf(out, "\n%s:\n%s\n", r.Name, r.Details)
		}
	}

	if hasErrors {
		fmt.Fprintln(out, "\n⚠ Issues found. Fix the configuration and run 'malipat doctor' again.")
	} else {
		fmt.Fprintln(out, "All checks passed.")
	}
}

// checkTarget validates the target tree for the configured workspace mode
func checkTarget(cfg *config.Config) CheckResult {
	info, err := os.Stat(cfg.Target.Path)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Target", Status: "✗", Details: fmt.Sprintf("  %s is not a directory", cfg.Target.Path)}
	}
	if cfg.Target.Mode != filesystem.ModeWorktree && !cfg.Target.UpdateBase {
		return CheckResult{Name: "Target", Status: "✓"}
	}

	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "Target", Status: "✗", Details: "  git not found on PATH"}
	}
	if err := exec.Command("git", "-C", cfg.Target.Path, "rev-parse", "--verify", "HEAD").Run(); err != nil {
		return CheckResult{Name: "Target", Status: "✗", Details: fmt.Sprintf("  %s is not a git repository with commits", cfg.Target.Path)}
	}
	if cfg.Target.UpdateBase {
		if err := exec.Command("git", "-C", cfg.Target.Path, "rev-parse", "--abbrev-ref", "@{upstream}").Run(); err != nil {
			return CheckResult{Name: "Target", Status: "⚠", Details: "  update_base is set but the current branch has no upstream"}
		}
	}
	return CheckResult{Name: "Target", Status: "✓"}
}

// checkSource validates the patch source path
func checkSource(cfg *config.Config) CheckResult {
	info, err := os.Stat(cfg.Source.Path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Source", Status: "⚠", Details: fmt.Sprintf("  %s does not exist yet", cfg.Source.Path)}
	}
	if err != nil {
		return CheckResult{Name: "Source", Status: "✗", Details: "  " + err.Error()}
	}

	switch cfg.Source.Kind {
	case config.SourceSpool:
		if !info.IsDir() {
			return CheckResult{Name: "Source", Status: "✗", Details: fmt.Sprintf("  spool source %s is not a directory", cfg.Source.Path)}
		}
	case config.SourceMbox:
		if info.IsDir() {
			return CheckResult{Name: "Source", Status: "✗", Details: fmt.Sprintf("  mbox source %s is a directory", cfg.Source.Path)}
		}
	}
	return CheckResult{Name: "Source", Status: "✓"}
}

// checkCommand validates that the test command can be started
func checkCommand(cfg *config.Config) CheckResult {
	name := cfg.Test.Command[0]
	if strings.ContainsRune(name, filepath.Separator) && !filepath.IsAbs(name) {
		// Relative paths are resolved inside each workspace.
		if _, err := os.Stat(filepath.Join(cfg.Target.Path, name)); err != nil {
			return CheckResult{Name: "Test command", Status: "✗", Details: fmt.Sprintf("  %s not found in %s", name, cfg.Target.Path)}
		}
		return CheckResult{Name: "Test command", Status: "✓"}
	}
	if _, err := exec.LookPath(name); err != nil {
		return CheckResult{Name: "Test command", Status: "✗", Details: fmt.Sprintf("  %s not found on PATH", name)}
	}
	return CheckResult{Name: "Test command", Status: "✓"}
}

// checkState validates the state directory and database schema
func checkState(cfg *config.Config) CheckResult {
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return CheckResult{Name: "State", Status: "✗", Details: "  " + err.Error()}
	}
	probe, err := os.CreateTemp(cfg.State.Dir, ".doctor-*")
	if err != nil {
		return CheckResult{Name: "State", Status: "✗", Details: fmt.Sprintf("  %s is not writable", cfg.State.Dir)}
	}
	probe.Close()
	os.Remove(probe.Name())

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return CheckResult{Name: "State", Status: "✗", Details: "  " + err.Error()}
	}
	database.Close()
	return CheckResult{Name: "State", Status: "✓"}
}

// checkLock reports whether another process is running a batch
func checkLock(cfg *config.Config) CheckResult {
	lock, err := filesystem.AcquireLock(cfg.LockPath())
	if errors.Is(err, filesystem.ErrLocked) {
		return CheckResult{Name: "Lock", Status: "⚠", Details: "  another malipat process is running"}
	}
	if err != nil {
		return CheckResult{Name: "Lock", Status: "✗", Details: "  " + err.Error()}
	}
	lock.Release()
	return CheckResult{Name: "Lock", Status: "✓"}
}

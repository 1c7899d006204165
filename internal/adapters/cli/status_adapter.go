// Package cli contains thin adapters that render StatusService and
// PipelineService results for the terminal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/example/malipat/internal/adapters/reporter"
	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/core/patch"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/ports/secondary"
)

// maxSubject bounds the subject column of the patch table.
const maxSubject = 60

// StatusAdapter is a thin adapter that translates CLI operations to StatusService calls.
// It depends only on the StatusService interface, enabling easy testing with mocks.
type StatusAdapter struct {
	service primary.StatusService
	out     io.Writer
}

// NewStatusAdapter creates a new StatusAdapter with the given service.
func NewStatusAdapter(service primary.StatusService, out io.Writer) *StatusAdapter {
	return &StatusAdapter{
		service: service,
		out:     out,
	}
}

// List prints patches matching filters as a table.
func (a *StatusAdapter) List(ctx context.Context, filters primary.PatchFilters) ([]*primary.Patch, error) {
	patches, err := a.service.ListPatches(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}

	if len(patches) == 0 {
		fmt.Fprintln(a.out, "No patches recorded.")
		fmt.Fprintln(a.out)
		fmt.Fprintln(a.out, "Process the configured source:")
		fmt.Fprintln(a.out, "  malipat run")
		return patches, nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOUTCOME\tFAULT\tTRIES\tSUBJECT\tLAST ERROR")
	fmt.Fprintln(w, "--\t-------\t-----\t-----\t-------\t----------")

	for _, p := range patches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			patch.ShortID(p.ID),
			reporter.OutcomeLabel(p.Outcome),
			p.Fault,
			p.Attempts,
			truncate(p.Subject, maxSubject),
			truncate(p.LastError, maxSubject),
		)
	}

	w.Flush()
	return patches, nil
}

// Summary prints per-outcome counts and the latest batch.
func (a *StatusAdapter) Summary(ctx context.Context) (map[outcome.Outcome]int, error) {
	counts, err := a.service.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count patches: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Fprintln(a.out, "Patches")
	total := 0
	for _, o := range outcome.All {
		total += counts[o]
		if counts[o] == 0 {
			continue
		}
		fmt.Fprintf(a.out, "  %s %-15s %d\n", reporter.OutcomeLabel(o), o, counts[o])
	}
	fmt.Fprintf(a.out, "  total: %d\n", total)

	batch, err := a.service.LatestBatch(ctx)
	if err != nil {
		return counts, fmt.Errorf("failed to load latest batch: %w", err)
	}
	fmt.Fprintln(a.out)
	bold.Fprintln(a.out, "Last batch")
	if batch == nil {
		fmt.Fprintln(a.out, "  none yet")
		return counts, nil
	}
	fmt.Fprintf(a.out, "  %s  %s  %s\n", patch.ShortID(batch.ID), batchStatus(batch.Status), batch.StartedAt)
	fmt.Fprintf(a.out, "  source:     %s\n", batch.Source)
	fmt.Fprintf(a.out, "  base:       %s\n", patch.ShortID(batch.BaseRevision))
	fmt.Fprintf(a.out, "  checkpoint: %s -> %s\n", orNone(batch.CheckpointBefore), orNone(batch.CheckpointAfter))
	fmt.Fprintf(a.out, "  discovered %d, skipped %d, invalid %d, executed %d, errors %d\n",
		batch.Discovered, batch.Skipped, batch.Invalid, batch.Executed, batch.Errors)
	if batch.Error != "" {
		fmt.Fprintf(a.out, "  error: %s\n", color.RedString(batch.Error))
	}
	return counts, nil
}

// Show displays a patch and its attempt history. The output of the most
// recent attempt is printed when withOutput is set.
func (a *StatusAdapter) Show(ctx context.Context, id string, withOutput bool) (*primary.PatchDetail, error) {
	detail, err := a.service.GetPatch(ctx, id)
	if errors.Is(err, secondary.ErrNotFound) {
		return nil, fmt.Errorf("no patch matches %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patch: %w", err)
	}

	p := detail.Patch
	fmt.Fprintf(a.out, "\nPatch: %s\n", p.ID)
	fmt.Fprintf(a.out, "Subject:    %s\n", p.Subject)
	fmt.Fprintf(a.out, "Author:     %s\n", p.Author)
	if p.MessageID != "" {
		fmt.Fprintf(a.out, "Message-Id: %s\n", p.MessageID)
	}
	fmt.Fprintf(a.out, "Source:     %s\n", p.SourceRef)
	fmt.Fprintf(a.out, "Outcome:    %s %s (fault: %s)\n", reporter.OutcomeLabel(p.Outcome), p.Outcome, p.Fault)
	fmt.Fprintf(a.out, "First seen: %s\n", p.FirstSeen)
	if p.LastError != "" {
		fmt.Fprintf(a.out, "Last error: %s\n", p.LastError)
	}
	if p.RetryRequested {
		fmt.Fprintln(a.out, color.CyanString("Retry requested; runs in the next batch."))
	}

	if len(detail.Attempts) > 0 {
		fmt.Fprintln(a.out)
		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tOUTCOME\tAPPLY\tTEST\tEXIT\tDURATION\tBASE\tSTARTED")
		for _, at := range detail.Attempts {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				at.Number,
				reporter.OutcomeLabel(at.Outcome),
				at.ApplyStatus,
				testStatus(at),
				exitCode(at.ExitCode),
				(time.Duration(at.DurationMS) * time.Millisecond).String(),
				patch.ShortID(at.BaseRevision),
				at.StartedAt,
			)
		}
		w.Flush()

		last := detail.Attempts[len(detail.Attempts)-1]
		for _, r := range last.Rejected {
			fmt.Fprintf(a.out, "  %s %s\n", color.YellowString("rejected"), r)
		}
		if last.Error != "" {
			fmt.Fprintf(a.out, "  %s %s\n", color.RedString("error"), last.Error)
		}
		if withOutput && last.Output != "" {
			fmt.Fprintln(a.out)
			fmt.Fprintf(a.out, "Output of attempt %d:\n", last.Number)
			fmt.Fprint(a.out, last.Output)
			if !strings.HasSuffix(last.Output, "\n") {
				fmt.Fprintln(a.out)
			}
			if last.Truncated {
				fmt.Fprintln(a.out, color.New(color.FgHiBlack).Sprint("(output truncated)"))
			}
		}
	}
	fmt.Fprintln(a.out)

	return detail, nil
}

// Retry flags a patch for the next batch.
func (a *StatusAdapter) Retry(ctx context.Context, id string) (*primary.Patch, error) {
	resp, err := a.service.RetryPatch(ctx, primary.RetryPatchRequest{PatchID: id})
	if errors.Is(err, secondary.ErrNotFound) {
		return nil, fmt.Errorf("no patch matches %q", id)
	}
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(a.out, "✓ Patch %s scheduled for retry (attempt %d)\n", patch.ShortID(resp.Patch.ID), resp.Patch.Attempts+1)
	fmt.Fprintf(a.out, "  %s\n", resp.Patch.Subject)
	return resp.Patch, nil
}

// PrintBatch renders the summary of one RunBatch call.
func PrintBatch(out io.Writer, s *primary.BatchSummary) {
	if s == nil {
		return
	}
	fmt.Fprintf(out, "Batch %s on %s: discovered %d, skipped %d, invalid %d, executed %d",
		patch.ShortID(s.BatchID), patch.ShortID(s.BaseRevision), s.Discovered, s.Skipped, s.Invalid, s.Executed)
	if s.Retried > 0 {
		fmt.Fprintf(out, " (%d retried)", s.Retried)
	}
	fmt.Fprintf(out, " in %s\n", s.Duration.Round(time.Millisecond))

	var parts []string
	for _, o := range outcome.All {
		if n := s.Outcomes[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", o, n))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(out, "  %s\n", strings.Join(parts, ", "))
	}

	switch {
	case s.Halted:
		fmt.Fprintln(out, color.RedString("  halted; checkpoint stays at %s", orNone(s.CheckpointBefore)))
	case s.Advanced:
		fmt.Fprintf(out, "  checkpoint %s -> %s\n", orNone(s.CheckpointBefore), s.CheckpointAfter)
	case s.Discovered > 0:
		fmt.Fprintln(out, color.YellowString("  checkpoint held at %s", orNone(s.CheckpointBefore)))
	}
}

func batchStatus(status string) string {
	switch status {
	case secondary.BatchCompleted:
		return color.GreenString(status)
	case secondary.BatchHalted, secondary.BatchFailed:
		return color.RedString(status)
	default:
		return color.CyanString(status)
	}
}

func testStatus(a *primary.Attempt) string {
	if a.TimedOut {
		return string(outcome.TestTimeout)
	}
	return string(a.TestStatus)
}

func exitCode(code int) string {
	if code < 0 {
		return "-"
	}
	return fmt.Sprint(code)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

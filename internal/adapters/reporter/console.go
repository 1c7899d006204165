// Package reporter contains Reporter implementations.
package reporter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/core/patch"
	"github.com/example/malipat/internal/ports/secondary"
)

// ConsoleReporter prints one colored line per result.
type ConsoleReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleReporter creates a reporter writing to w.
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

// Report writes the result line, followed by the failure summary if any.
func (r *ConsoleReporter) Report(ctx context.Context, id string, result outcome.ExecutionResult, record *secondary.PatchRecord) error {
	subject := ""
	if record != nil {
		subject = record.Subject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  (%s)\n", OutcomeLabel(result.Outcome), patch.ShortID(id), subject, result.Duration.Round(time.Millisecond))
	if summary := result.Summary(); summary != "" {
		fmt.Fprintf(&b, "       %s\n", color.New(color.FgHiBlack).Sprint(summary))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, b.String())
	return err
}

// OutcomeLabel renders an outcome as a fixed-width colored tag.
func OutcomeLabel(o outcome.Outcome) string {
	switch o {
	case outcome.OutcomeAppliedPassed:
		return color.New(color.FgGreen).Sprint("[PASS] ")
	case outcome.OutcomeAppliedFailed:
		return color.New(color.FgRed).Sprint("[FAIL] ")
	case outcome.OutcomeApplyFailed:
		return color.New(color.FgYellow).Sprint("[NOAPP]")
	case outcome.OutcomeInvalid:
		return color.New(color.FgHiBlack).Sprint("[INVAL]")
	case outcome.OutcomeError:
		return color.New(color.FgHiMagenta).Sprint("[ERROR]")
	default:
		return color.New(color.FgCyan).Sprint("[PEND] ")
	}
}

var _ secondary.Reporter = (*ConsoleReporter)(nil)

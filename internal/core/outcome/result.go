package outcome

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionResult is what one apply-and-test attempt produced.
type ExecutionResult struct {
	Outcome      Outcome       `json:"outcome"`
	Apply        ApplyStatus   `json:"apply_status"`
	Test         TestStatus    `json:"test_status"`
	TimedOut     bool          `json:"timed_out"`
	ExitCode     int           `json:"exit_code"`
	Output       string        `json:"output,omitempty"`
	Truncated    bool          `json:"truncated"`
	Rejected     []string      `json:"rejected,omitempty"`
	Error        string        `json:"error,omitempty"`
	BaseRevision string        `json:"base_revision,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// ErrorResult builds the result of an attempt the pipeline could not carry
// out itself.
func ErrorResult(err error, duration time.Duration) ExecutionResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ExecutionResult{
		Outcome:  OutcomeError,
		Apply:    ApplyNotAttempted,
		Test:     TestNotRun,
		ExitCode: -1,
		Error:    msg,
		Duration: duration,
	}
}

// Summary returns a one-line description suitable for a record's
// last-error field. Passing results summarize to the empty string.
func (r ExecutionResult) Summary() string {
	switch r.Outcome {
	case OutcomeAppliedPassed, OutcomePending:
		return ""
	case OutcomeApplyFailed:
		if len(r.Rejected) == 0 {
			return fmt.Sprintf("apply %s", r.Apply)
		}
		return fmt.Sprintf("apply %s: %s", r.Apply, r.Rejected[0])
	case OutcomeAppliedFailed:
		switch {
		case r.TimedOut:
			return fmt.Sprintf("test timed out after %s", r.Duration.Round(time.Millisecond))
		case r.Test == TestCrashed:
			return "test crashed: " + r.Error
		default:
			return fmt.Sprintf("test failed with exit code %d", r.ExitCode)
		}
	default:
		return firstLine(r.Error)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package outcome

import "fmt"

// ProcessExit describes how the test procedure ended.
type ProcessExit struct {
	// StartErr is set when the procedure could not be started.
	StartErr error
	// HarnessErr is set when capturing or supervising the procedure failed.
	HarnessErr error

	ExitCode int
	TimedOut bool
	// Signal names the signal that terminated the process, if any.
	Signal string
}

// Classification is the outcome assigned to a finished test procedure.
type Classification struct {
	Outcome  Outcome
	Test     TestStatus
	TimedOut bool
	Error    string
}

// ClassifyTest maps a process exit onto an outcome.
// Rules:
// - Tooling failures (could not start, harness I/O) are pipeline errors
// - A timeout is a test failure with the timeout flag set
// - A signal the harness did not send is a crashed test, still a patch failure
// - Otherwise exit code 0 passes and anything else fails
func ClassifyTest(exit ProcessExit) Classification {
	if exit.StartErr != nil {
		return Classification{
			Outcome: OutcomeError,
			Test:    TestNotRun,
			Error:   fmt.Sprintf("test procedure could not start: %v", exit.StartErr),
		}
	}
	if exit.HarnessErr != nil {
		return Classification{
			Outcome: OutcomeError,
			Test:    TestNotRun,
			Error:   fmt.Sprintf("test harness failed: %v", exit.HarnessErr),
		}
	}
	if exit.TimedOut {
		return Classification{Outcome: OutcomeAppliedFailed, Test: TestTimeout, TimedOut: true}
	}
	if exit.Signal != "" {
		return Classification{
			Outcome: OutcomeAppliedFailed,
			Test:    TestCrashed,
			Error:   "terminated by signal " + exit.Signal,
		}
	}
	if exit.ExitCode == 0 {
		return Classification{Outcome: OutcomeAppliedPassed, Test: TestPass}
	}
	return Classification{Outcome: OutcomeAppliedFailed, Test: TestFail}
}

// ClassifyApply returns the apply status for a patch given how many of its
// hunks applied and how many were rejected.
func ClassifyApply(applied, rejected int) ApplyStatus {
	switch {
	case rejected == 0:
		return ApplyClean
	case applied > 0:
		return ApplyPartial
	default:
		return ApplyRejected
	}
}

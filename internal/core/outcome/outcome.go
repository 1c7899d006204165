// Package outcome contains the closed set of patch outcomes and the pure
// rules that classify executions and gate retries.
// This is part of the Functional Core - no I/O, only pure functions.
package outcome

import (
	"fmt"
	"strings"
)

// Outcome is the last recorded result of a patch.
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomeAppliedPassed Outcome = "applied_passed"
	OutcomeAppliedFailed Outcome = "applied_failed"
	OutcomeApplyFailed   Outcome = "apply_failed"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeError         Outcome = "error"
)

// All lists every outcome in display order.
var All = []Outcome{
	OutcomePending,
	OutcomeAppliedPassed,
	OutcomeAppliedFailed,
	OutcomeApplyFailed,
	OutcomeInvalid,
	OutcomeError,
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	for _, known := range All {
		if o == known {
			return true
		}
	}
	return false
}

// Terminal reports whether o ends an attempt. Only pending is not terminal.
func (o Outcome) Terminal() bool {
	return o.Valid() && o != OutcomePending
}

// Parse converts user input into an Outcome. Dashes are accepted in place of
// underscores so "apply-failed" works on the command line.
func Parse(s string) (Outcome, error) {
	o := Outcome(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}

// Fault separates outcomes caused by the patch from those caused by the
// pipeline's own tooling.
type Fault string

const (
	FaultNone     Fault = "none"
	FaultPatch    Fault = "patch"
	FaultPipeline Fault = "pipeline"
)

// FaultOf returns who is responsible for an outcome.
func FaultOf(o Outcome) Fault {
	switch o {
	case OutcomeAppliedFailed, OutcomeApplyFailed, OutcomeInvalid:
		return FaultPatch
	case OutcomeError:
		return FaultPipeline
	default:
		return FaultNone
	}
}

// ApplyStatus is the result of applying a patch's hunks.
type ApplyStatus string

const (
	ApplyNotAttempted ApplyStatus = "not_attempted"
	ApplyClean        ApplyStatus = "clean"
	ApplyRejected     ApplyStatus = "rejected"
	ApplyPartial      ApplyStatus = "partial"
)

// TestStatus is the result of the test procedure.
type TestStatus string

const (
	TestNotRun  TestStatus = "not_run"
	TestPass    TestStatus = "pass"
	TestFail    TestStatus = "fail"
	TestTimeout TestStatus = "timeout"
	TestCrashed TestStatus = "crashed"
)

package outcome

import "fmt"

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%s", r.Reason)
}

// ScheduleContext provides context for scheduling a discovered patch.
type ScheduleContext struct {
	PatchID        string
	Known          bool
	RetryRequested bool
	SeenInBatch    bool
}

// CanSchedule evaluates whether a discovered patch should be executed.
// Rules:
// - A patch already seen earlier in the same batch is skipped
// - A patch already known to the store is skipped unless a retry was requested
func CanSchedule(ctx ScheduleContext) GuardResult {
	if ctx.SeenInBatch {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("patch %s already scheduled in this batch", shortID(ctx.PatchID)),
		}
	}
	if ctx.Known && !ctx.RetryRequested {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("patch %s already known", shortID(ctx.PatchID)),
		}
	}
	return GuardResult{Allowed: true}
}

// RetryContext provides context for retry guards.
type RetryContext struct {
	PatchID     string
	Outcome     Outcome
	Attempts    int
	MaxAttempts int
	HasMessage  bool
}

// CanRetry evaluates whether a patch may be executed again.
// Rules:
// - Invalid messages never run, and passing patches have nothing to retry
// - A pending attempt may still be running; once a batch finds it
//   interrupted it is recorded as error and becomes retryable
// - The attempt budget must not be exhausted
// - The raw message must still be stored so the patch can be rebuilt
func CanRetry(ctx RetryContext) GuardResult {
	switch ctx.Outcome {
	case OutcomeError, OutcomeAppliedFailed, OutcomeApplyFailed:
	case OutcomePending:
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("cannot retry patch %s: attempt %d is still pending", shortID(ctx.PatchID), ctx.Attempts),
		}
	case OutcomeInvalid:
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("cannot retry patch %s: message is malformed", shortID(ctx.PatchID)),
		}
	default:
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("cannot retry patch %s: outcome is %s", shortID(ctx.PatchID), ctx.Outcome),
		}
	}

	if ctx.MaxAttempts > 0 && ctx.Attempts >= ctx.MaxAttempts {
		return GuardResult{
			Allowed: false,
			Reason: fmt.Sprintf("cannot retry patch %s: %d of %d attempts used",
				shortID(ctx.PatchID), ctx.Attempts, ctx.MaxAttempts),
		}
	}

	if !ctx.HasMessage {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("cannot retry patch %s: raw message not stored", shortID(ctx.PatchID)),
		}
	}

	return GuardResult{Allowed: true}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

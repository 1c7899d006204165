// Package ctxutil provides context utilities that can be safely imported anywhere.
// This package has no internal dependencies to avoid import cycles.
package ctxutil

import "context"

// AttemptKey is the context key for the attempt being executed.
// Exported so it can be used consistently across packages.
type AttemptKey struct{}

// BatchKey is the context key for the running batch.
type BatchKey struct{}

// Attempt identifies one execution of a patch.
type Attempt struct {
	PatchID string
	Number  int
}

// WithAttempt returns a context carrying the patch identity and attempt number.
func WithAttempt(ctx context.Context, patchID string, number int) context.Context {
	return context.WithValue(ctx, AttemptKey{}, Attempt{PatchID: patchID, Number: number})
}

// AttemptFromContext returns the attempt from context, or false if not set.
func AttemptFromContext(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(AttemptKey{}).(Attempt)
	return a, ok
}

// WithBatchID returns a context with the batch ID embedded.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, BatchKey{}, batchID)
}

// BatchFromContext returns the batch ID from context, or empty string if not set.
func BatchFromContext(ctx context.Context) string {
	if v := ctx.Value(BatchKey{}); v != nil {
		return v.(string)
	}
	return ""
}

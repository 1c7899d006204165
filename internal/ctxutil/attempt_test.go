package ctxutil

import (
	"context"
	"testing"
)

func TestAttemptRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := AttemptFromContext(ctx); ok {
		t.Fatal("expected no attempt in empty context")
	}

	ctx = WithAttempt(ctx, "abc", 2)
	a, ok := AttemptFromContext(ctx)
	if !ok || a.PatchID != "abc" || a.Number != 2 {
		t.Errorf("AttemptFromContext() = %+v, %v", a, ok)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	if got := BatchFromContext(context.Background()); got != "" {
		t.Errorf("BatchFromContext() = %q, want empty", got)
	}
	if got := BatchFromContext(WithBatchID(context.Background(), "b-1")); got != "b-1" {
		t.Errorf("BatchFromContext() = %q, want %q", got, "b-1")
	}
}

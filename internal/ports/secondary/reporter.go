package secondary

import (
	"context"

	"github.com/example/malipat/internal/core/outcome"
)

// Reporter defines the secondary port for publishing results.
// Reporting is best effort; errors are logged, never retried.
type Reporter interface {
	Report(ctx context.Context, id string, result outcome.ExecutionResult, record *PatchRecord) error
}

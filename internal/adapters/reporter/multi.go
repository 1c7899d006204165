package reporter

import (
	"context"
	"errors"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/secondary"
)

// Multi fans a result out to several reporters. Every reporter is called
// even when an earlier one fails.
type Multi []secondary.Reporter

func (m Multi) Report(ctx context.Context, id string, result outcome.ExecutionResult, record *secondary.PatchRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, id, result, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ secondary.Reporter = Multi(nil)

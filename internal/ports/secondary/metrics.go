package secondary

import (
	"time"

	"github.com/example/malipat/internal/core/outcome"
)

// PipelineMetrics defines the secondary port for pipeline instrumentation.
type PipelineMetrics interface {
	MessagesDiscovered(n int)
	MessagesSkipped(n int)
	MessagesInvalid(n int)
	AttemptStarted()
	AttemptFinished(result outcome.ExecutionResult)
	BatchFinished(status string, duration time.Duration)
}

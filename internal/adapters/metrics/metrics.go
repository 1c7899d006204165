// Package metrics provides Prometheus instrumentation for the pipeline.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/secondary"
)

const namespace = "malipat"

// Metrics implements secondary.PipelineMetrics on a Prometheus registry.
type Metrics struct {
	discovered      prometheus.Counter
	skipped         prometheus.Counter
	invalid         prometheus.Counter
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	reporterErrors  prometheus.Counter
	batches         *prometheus.CounterVec
	batchDuration   prometheus.Histogram
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		discovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_discovered_total",
			Help:      "Messages returned by the patch source.",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Messages skipped because their patch was already known.",
		}),
		invalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_invalid_total",
			Help:      "Messages that could not be parsed as patches.",
		}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Finished apply-and-test attempts by outcome.",
		}, []string{"outcome"}),
		attemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of apply-and-test attempts.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempts_in_flight",
			Help:      "Attempts currently executing.",
		}),
		reporterErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reporter_errors_total",
			Help:      "Results that could not be reported.",
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Finished batches by status.",
		}, []string{"status"}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of pipeline batches.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) MessagesDiscovered(n int) { m.discovered.Add(float64(n)) }

func (m *Metrics) MessagesSkipped(n int) { m.skipped.Add(float64(n)) }

func (m *Metrics) MessagesInvalid(n int) { m.invalid.Add(float64(n)) }

func (m *Metrics) AttemptStarted() { m.inFlight.Inc() }

func (m *Metrics) AttemptFinished(result outcome.ExecutionResult) {
	m.inFlight.Dec()
	label := string(result.Outcome)
	m.attempts.WithLabelValues(label).Inc()
	m.attemptDuration.WithLabelValues(label).Observe(result.Duration.Seconds())
}

func (m *Metrics) BatchFinished(status string, duration time.Duration) {
	m.batches.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration.Seconds())
}

// InstrumentReporter counts the failures of next.
func (m *Metrics) InstrumentReporter(next secondary.Reporter) secondary.Reporter {
	return &instrumentedReporter{next: next, errors: m.reporterErrors}
}

type instrumentedReporter struct {
	next   secondary.Reporter
	errors prometheus.Counter
}

func (r *instrumentedReporter) Report(ctx context.Context, id string, result outcome.ExecutionResult, record *secondary.PatchRecord) error {
	err := r.next.Report(ctx, id, result, record)
	if err != nil {
		r.errors.Inc()
	}
	return err
}

var _ secondary.PipelineMetrics = (*Metrics)(nil)

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueItemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_queue_items_processed_total",
			Help: "Total number of queue items processed, by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	QueueItemsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchmark_queue_items_pending",
			Help: "Current number of pending queue items for a run",
		},
		[]string{"run_id"},
	)

	AdapterCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchmark_adapter_call_duration_seconds",
			Help:    "End-to-end duration of a provider adapter call",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	AdapterTimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchmark_adapter_ttft_seconds",
			Help:    "Time to first streamed token for a provider adapter call",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	AdapterTokensPerSecond = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchmark_adapter_tokens_per_second",
			Help:    "Output tokens per second for a provider adapter call",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
		},
		[]string{"provider", "model"},
	)

	AdapterRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_adapter_retries_total",
			Help: "Total number of adapter-level retries issued for transient upstream errors",
		},
		[]string{"provider", "model"},
	)

	AdapterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_adapter_errors_total",
			Help: "Total number of classified adapter errors, by error code",
		},
		[]string{"provider", "model", "error_code"},
	)

	BudgetSpendUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchmark_budget_spend_usd",
			Help: "Current rolling spend against the budget window, in USD",
		},
	)

	BudgetAbortTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "benchmark_budget_abort_total",
			Help: "Total number of batches aborted because the budget cap was exceeded",
		},
	)

	TokenValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_token_validation_failures_total",
			Help: "Total number of benchmark attempts rewritten as failures by the token validator",
		},
		[]string{"provider", "model"},
	)
)

// Metrics gates Prometheus recording behind a single enabled flag, so
// callers can construct it unconditionally and let configuration decide
// whether series are actually populated.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

// RecordAdapterCall records the outcome of one provider adapter call:
// overall latency, plus time to first token and output throughput when
// they are positive. It does not record whether the call succeeded.
func (m *Metrics) RecordAdapterCall(provider, model string, duration, ttft time.Duration, tokensPerSecond float64) {
	if !m.isEnabled() {
		return
	}
	AdapterCallDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if ttft > 0 {
		AdapterTimeToFirstToken.WithLabelValues(provider, model).Observe(ttft.Seconds())
	}
	if tokensPerSecond > 0 {
		AdapterTokensPerSecond.WithLabelValues(provider, model).Observe(tokensPerSecond)
	}
}

func (m *Metrics) RecordAdapterRetry(provider, model string) {
	if !m.isEnabled() {
		return
	}
	AdapterRetriesTotal.WithLabelValues(provider, model).Inc()
}

func (m *Metrics) RecordAdapterError(provider, model, errorCode string) {
	if !m.isEnabled() {
		return
	}
	AdapterErrorsTotal.WithLabelValues(provider, model, errorCode).Inc()
}

func (m *Metrics) RecordQueueItemProcessed(provider, model, outcome string) {
	if !m.isEnabled() {
		return
	}
	QueueItemsProcessedTotal.WithLabelValues(provider, model, outcome).Inc()
}

func (m *Metrics) SetQueuePending(runID string, count int) {
	if !m.isEnabled() {
		return
	}
	QueueItemsPending.WithLabelValues(runID).Set(float64(count))
}

func (m *Metrics) SetBudgetSpend(usd float64) {
	if !m.isEnabled() {
		return
	}
	BudgetSpendUSD.Set(usd)
}

func (m *Metrics) RecordBudgetAbort() {
	if !m.isEnabled() {
		return
	}
	BudgetAbortTotal.Inc()
}

func (m *Metrics) RecordTokenValidationFailure(provider, model string) {
	if !m.isEnabled() {
		return
	}
	TokenValidationFailuresTotal.WithLabelValues(provider, model).Inc()
}

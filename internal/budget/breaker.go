// Package budget implements the Budget Breaker: a pre-flight check the
// Queue Runner consults before each batch to decide whether the rolling
// spend window has exceeded the configured cap.
package budget

import (
	"context"
	"log/slog"

	"github.com/mazh-io/benchmark-engine/internal/monitoring"
)

// SpendSource is the subset of Store the breaker needs.
type SpendSource interface {
	GetRecentSpending(ctx context.Context, hours int) (float64, error)
}

// Status is the result of a budget check.
type Status struct {
	CurrentSpend float64
	BudgetCap    float64
	Remaining    float64
	PercentUsed  float64
	ShouldAbort  bool
}

type Breaker struct {
	store       SpendSource
	capUSD      float64
	windowHours int
	metrics     *monitoring.Metrics
	logger      *slog.Logger
}

func NewBreaker(store SpendSource, capUSD float64, windowHours int, metrics *monitoring.Metrics, logger *slog.Logger) *Breaker {
	return &Breaker{store: store, capUSD: capUSD, windowHours: windowHours, metrics: metrics, logger: logger}
}

// Check reports the current rolling spend against the configured cap. On
// a store error it fails open: the caller is told not to abort, since a
// storage hiccup should not by itself halt a benchmark run. The error is
// still returned so the caller can log it.
func (b *Breaker) Check(ctx context.Context) (Status, error) {
	spend, err := b.store.GetRecentSpending(ctx, b.windowHours)
	if err != nil {
		b.logger.Error("budget breaker: failed to read recent spending, failing open", "error", err)
		return Status{BudgetCap: b.capUSD, ShouldAbort: false}, err
	}

	b.metrics.SetBudgetSpend(spend)

	status := Status{
		CurrentSpend: spend,
		BudgetCap:    b.capUSD,
		Remaining:    b.capUSD - spend,
	}
	if b.capUSD > 0 {
		status.PercentUsed = spend / b.capUSD * 100
	}
	status.ShouldAbort = b.capUSD > 0 && spend >= b.capUSD

	if status.ShouldAbort {
		b.logger.Warn("budget cap exceeded, aborting batch",
			"current_spend", spend, "budget_cap", b.capUSD)
		b.metrics.RecordBudgetAbort()
	}
	return status, nil
}

// Package store implements the Persistence Contract: the durable record of
// runs, queue items, results, errors, and prices that the rest of the
// benchmark core operates against.
package store

import (
	"time"

	"github.com/mazh-io/benchmark-engine/internal/tokenvalidator"
)

// QueueStatus is one of the terminal or transient states a QueueItem can
// occupy.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// DefaultMaxAttempts is the retry budget assigned to every QueueItem at
// enqueue time.
const DefaultMaxAttempts = 3

// PriceSuppressionWindow is the minimum age a Price row must reach before
// a new one may be inserted for the same (provider, model) pair.
const PriceSuppressionWindow = 24 * time.Hour

// Provider mirrors one row of the Provider table.
type Provider struct {
	ID      string
	Name    string
	BaseURL string
	LogoURL string
}

// Model mirrors one row of the Model table. Name is stored as the caller
// passed it to GetOrCreateModel; the store does not normalize it.
type Model struct {
	ID            string
	ProviderID    string
	Name          string
	ContextWindow int
	Active        bool
	LastSeenAt    *time.Time
}

// Rate is the per-million-token price pair for a provider/model.
type Rate struct {
	InputPerM  float64
	OutputPerM float64
}

// Run mirrors one row of the Run table.
type Run struct {
	ID          string
	RunName     string
	TriggeredBy string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// QueueItem mirrors one row of the QueueItem table.
type QueueItem struct {
	ID           string
	RunID        string
	ProviderKey  string
	ModelName    string
	Status       QueueStatus
	Attempts     int
	MaxAttempts  int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	CreatedAt    time.Time
}

// BenchmarkResult is the set of fields save_benchmark accepts to write one
// Result row. ProviderID/ModelID may be empty if the caller only has the
// legacy text fields. InputTokens/OutputTokens/Success/ErrorMessage carry
// the caller's as-reported values; SaveBenchmark overwrites them with the
// Token Validator's verdict before the row is written. Prompt is the
// benchmark prompt text, supplied so the validator can estimate a missing
// input token count; it is never itself persisted.
type BenchmarkResult struct {
	RunID           string
	ProviderID      string
	ModelID         string
	Provider        string
	Model           string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	TotalLatencyMs  float64
	TTFTMs          *float64
	TPS             *float64
	CostUSD         float64
	StatusCode      int
	Success         bool
	ErrorMessage    string
	ResponseText    string
	Prompt          string
	CreatedAt       time.Time
}

// RunError is the set of fields save_run_error accepts to write one
// RunError row.
type RunError struct {
	RunID        string
	ProviderID   string
	ModelID      string
	Provider     string
	Model        string
	ErrorType    string
	ErrorMessage string
	StatusCode   int
}

// QueueStats summarizes a run's QueueItems by status.
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// maxResponsePreviewLen is the truncation point for a successful result's
// response_text: first 100 characters plus a literal ellipsis.
const maxResponsePreviewLen = 100

// truncateResponseText keeps the full text for failures, truncating to
// 100 chars + "..." only for successful results.
func truncateResponseText(text string, success bool) string {
	if success && len(text) > maxResponsePreviewLen {
		return text[:maxResponsePreviewLen] + "..."
	}
	return text
}

// applyTokenValidation runs the Token Validator against result's reported
// token counts and overwrites InputTokens/OutputTokens with the validated
// (possibly estimated) values. If the validator's failure policy trips,
// it also overrides Success/ErrorMessage so a call that returned HTTP 200
// with unusable token counts is still persisted as a failed benchmark.
// Both SaveBenchmark implementations call this before writing a row, so
// the failure policy is applied exactly once and atomically with
// persistence, per the Persistence Contract.
func applyTokenValidation(result *BenchmarkResult) {
	validation := tokenvalidator.Validate(result.InputTokens, result.OutputTokens, result.Prompt, result.ResponseText)
	result.InputTokens = validation.InputTokens
	result.OutputTokens = validation.OutputTokens
	if validation.ShouldFailBenchmark() {
		result.Success = false
		result.ErrorMessage = "Token validation failed: " + joinWarnings(validation.Warnings)
	}
}

func joinWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return "unspecified"
	}
	joined := warnings[0]
	for _, w := range warnings[1:] {
		joined += "; " + w
	}
	return joined
}

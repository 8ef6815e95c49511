package store

import (
	"context"
)

// Store is the Persistence Contract: every operation the Queue Runner,
// Budget Breaker, and Run Manager need from durable storage. Database-layer
// errors never propagate as panics; they return as a Go error the caller
// logs and reacts to per operation (most operations treat an error as "no
// row"/"not applied" rather than aborting the batch).
type Store interface {
	CreateRun(ctx context.Context, name, triggeredBy string) (string, error)
	FinishRun(ctx context.Context, runID string) error

	GetOrCreateProvider(ctx context.Context, name, baseURL, logoURL string) (string, error)
	GetOrCreateModel(ctx context.Context, rawName, providerID string, contextWindow int) (string, error)
	UpsertModelsFromDiscovery(ctx context.Context, providerName string, rawNames []string) error
	SetModelsActive(ctx context.Context, providerName string, names []string) error

	GetModelPricing(ctx context.Context, providerID, modelID string) (*Rate, error)
	SavePrice(ctx context.Context, providerID, modelID string, rate Rate) (string, error)

	// SaveBenchmark invokes the Token Validator and the response-text
	// truncation rule before inserting, so the failure policy is applied
	// exactly once and atomically with persistence. result is mutated in
	// place to reflect the validated token counts, truncated text, and
	// (if validation failed) the overridden Success/ErrorMessage.
	SaveBenchmark(ctx context.Context, result *BenchmarkResult) (string, error)
	SaveRunError(ctx context.Context, runErr RunError) (string, error)

	EnqueueBenchmarks(ctx context.Context, runID string, pairs []ProviderModelPair) error
	GetPendingQueueItems(ctx context.Context, limit int) ([]QueueItem, error)
	MarkQueueItemProcessing(ctx context.Context, id string) error
	MarkQueueItemCompleted(ctx context.Context, id string) error
	MarkQueueItemFailed(ctx context.Context, id, errorMessage string) error
	GetQueueStats(ctx context.Context, runID string) (QueueStats, error)

	GetRecentSpending(ctx context.Context, hours int) (float64, error)
}

// ProviderModelPair names one (provider_key, model_name) pair to enqueue.
type ProviderModelPair struct {
	ProviderKey string
	ModelName   string
}

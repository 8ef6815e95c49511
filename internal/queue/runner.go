// Package queue implements the Queue Runner: the component that drives
// the pipeline from Run creation to Result/Error persistence under
// concurrency, retry, and budget constraints.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mazh-io/benchmark-engine/internal/adapter"
	"github.com/mazh-io/benchmark-engine/internal/budget"
	"github.com/mazh-io/benchmark-engine/internal/config"
	ambientlog "github.com/mazh-io/benchmark-engine/internal/logger"
	"github.com/mazh-io/benchmark-engine/internal/monitoring"
	"github.com/mazh-io/benchmark-engine/internal/pricing"
	"github.com/mazh-io/benchmark-engine/internal/run"
	"github.com/mazh-io/benchmark-engine/internal/store"
	"github.com/mazh-io/benchmark-engine/internal/worker"
)

// debugLogMaxField bounds how much of a single string field survives into a
// Debug-level log line; response_text and prompt values are cut at the
// logger's fixed 50-character limit instead.
const debugLogMaxField = 200

// Status strings returned by RunBatch, matching the three terminal states
// a batch invocation can report.
const (
	StatusAborted   = "aborted"
	StatusIdle      = "idle"
	StatusCompleted = "completed"
)

// ReasonBudgetExceeded is the only currently-defined abort reason.
const ReasonBudgetExceeded = "budget_exceeded"

// BatchResult is what RunBatch returns to its caller (the HTTP surface).
type BatchResult struct {
	Status     string
	Reason     string
	Processed  int
	Successful int
	Failed     int
}

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithConcurrency fans items within one batch out across n workers instead
// of processing them sequentially. n <= 1 keeps the default sequential
// behavior, which yields deterministic per-item TPS measurements since
// calls don't compete for the same network interface at the same instant.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		r.concurrency = n
	}
}

// Runner drives run_benchmark_batch. It holds no mutable state of its own;
// all coordination happens through Store.
type Runner struct {
	store        store.Store
	runs         *run.Manager
	breaker      *budget.Breaker
	registry     *adapter.Registry
	pricingCache *pricing.Cache
	metrics      *monitoring.Metrics
	logger       *slog.Logger

	maxBatchSize int
	concurrency  int

	providerIndex map[string]config.ProviderConfig
	modelIndex    map[string]config.ModelEntry
}

// NewRunner builds a Runner. providers is the static catalog from config,
// used both to enumerate the active (provider, model) pairs at
// InitBenchmarkQueue time and to resolve per-model reasoning/context-window
// settings during RunBatch.
func NewRunner(
	s store.Store,
	runs *run.Manager,
	breaker *budget.Breaker,
	registry *adapter.Registry,
	pricingCache *pricing.Cache,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
	providers []config.ProviderConfig,
	maxBatchSize int,
	opts ...Option,
) *Runner {
	r := &Runner{
		store:         s,
		runs:          runs,
		breaker:       breaker,
		registry:      registry,
		pricingCache:  pricingCache,
		metrics:       metrics,
		logger:        logger,
		maxBatchSize:  maxBatchSize,
		concurrency:   1,
		providerIndex: make(map[string]config.ProviderConfig, len(providers)),
		modelIndex:    make(map[string]config.ModelEntry),
	}
	for _, p := range providers {
		r.providerIndex[string(p.Key)] = p
		for _, m := range p.Models {
			r.modelIndex[string(p.Key)+"/"+m.Name] = m
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InitBenchmarkQueue starts a new run, enumerates the active catalog, and
// enqueues one QueueItem per active (provider, model) pair. It performs no
// benchmarking work itself.
func (r *Runner) InitBenchmarkQueue(ctx context.Context, runName, triggeredBy string) (string, error) {
	runID, err := r.runs.Start(ctx, runName, triggeredBy)
	if err != nil {
		return "", err
	}

	var pairs []store.ProviderModelPair
	for _, p := range r.providerIndex {
		for _, modelName := range p.ActiveModels() {
			pairs = append(pairs, store.ProviderModelPair{ProviderKey: string(p.Key), ModelName: modelName})
		}
	}

	if err := r.store.EnqueueBenchmarks(ctx, runID, pairs); err != nil {
		return "", fmt.Errorf("queue runner: init: %w", err)
	}

	r.logger.Info("benchmark queue initialized", "run_id", runID, "pairs", len(pairs))
	return runID, nil
}

// RunBatch claims up to batchSize pending items and drives each through
// adapter invocation and result persistence.
func (r *Runner) RunBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	if batchSize <= 0 || batchSize > r.maxBatchSize {
		return BatchResult{}, fmt.Errorf("queue runner: batch_size must be in [1, %d], got %d", r.maxBatchSize, batchSize)
	}

	status, err := r.breaker.Check(ctx)
	if err != nil {
		r.logger.Warn("queue runner: budget check failed, proceeding (fail-open)", "error", err)
	}
	if status.ShouldAbort {
		return BatchResult{Status: StatusAborted, Reason: ReasonBudgetExceeded}, nil
	}

	items, err := r.store.GetPendingQueueItems(ctx, batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("queue runner: fetch pending: %w", err)
	}
	if len(items) == 0 {
		return BatchResult{Status: StatusIdle}, nil
	}

	var processed, successful, failed int
	record := func(ok bool, skipped bool) {
		if skipped {
			return
		}
		processed++
		if ok {
			successful++
		} else {
			failed++
		}
	}

	if r.concurrency > 1 {
		jobQueue := make(chan worker.Job, len(items))
		results := make(chan itemResult, len(items))
		for _, item := range items {
			jobQueue <- &processJob{runner: r, item: item, results: results}
		}
		close(jobQueue)
		wg := worker.SpawnWorkerPool(ctx, r.concurrency, jobQueue, r.logger)
		wg.Wait()
		close(results)
		for res := range results {
			record(res.success, res.skipped)
		}
	} else {
		for _, item := range items {
			ok, skipped := r.processItem(ctx, item)
			record(ok, skipped)
		}
	}

	return BatchResult{Status: StatusCompleted, Processed: processed, Successful: successful, Failed: failed}, nil
}

// itemResult carries one claimed item's outcome back from a worker.
type itemResult struct {
	success bool
	skipped bool
}

// processJob adapts one QueueItem into a worker.Job so RunBatch can fan
// items out across worker.SpawnWorkerPool when concurrency > 1.
type processJob struct {
	runner  *Runner
	item    store.QueueItem
	results chan<- itemResult
}

func (j *processJob) Execute(ctx context.Context) worker.Result {
	ok, skipped := j.runner.processItem(ctx, j.item)
	j.results <- itemResult{success: ok, skipped: skipped}
	return j
}

func (j *processJob) Error() error {
	return nil
}

// processItem drives one claimed-or-claimable QueueItem through steps
// (a)-(h): attempt-budget check, claim, provider/model resolution, adapter
// invocation, and result persistence. The second return value is true when
// the item was skipped entirely (lost the claim race to another worker) and
// should not count toward processed/successful/failed.
func (r *Runner) processItem(ctx context.Context, item store.QueueItem) (success bool, skipped bool) {
	logger := r.logger.With("run_id", item.RunID, "queue_item_id", item.ID, "provider", item.ProviderKey, "model", item.ModelName)

	if item.Attempts >= item.MaxAttempts {
		if err := r.store.MarkQueueItemFailed(ctx, item.ID, "Max retry attempts exceeded"); err != nil {
			logger.Error("failed to mark exhausted item as failed", "error", err)
		}
		r.metrics.RecordQueueItemProcessed(item.ProviderKey, item.ModelName, "failed")
		return false, false
	}

	if err := r.store.MarkQueueItemProcessing(ctx, item.ID); err != nil {
		logger.Debug("could not claim item, likely lost the race to another worker", "error", err)
		return false, true
	}

	providerCfg, ok := r.providerIndex[item.ProviderKey]
	if !ok {
		r.failItem(ctx, item, adapter.ErrorTypeConfigError, fmt.Sprintf("unknown provider key %q", item.ProviderKey), 0, "", "", logger)
		return false, false
	}

	providerID, err := r.store.GetOrCreateProvider(ctx, providerCfg.Name, providerCfg.BaseURL, "")
	if err != nil {
		r.failItem(ctx, item, adapter.ErrorTypeConfigError, fmt.Sprintf("failed to resolve provider: %v", err), 0, "", "", logger)
		return false, false
	}

	modelEntry := r.modelIndex[item.ProviderKey+"/"+item.ModelName]
	modelID, err := r.store.GetOrCreateModel(ctx, item.ModelName, providerID, modelEntry.ContextWindow)
	if err != nil {
		r.failItem(ctx, item, adapter.ErrorTypeConfigError, fmt.Sprintf("failed to resolve model: %v", err), 0, providerID, "", logger)
		return false, false
	}

	impl, ok := r.registry.Get(item.ProviderKey)
	if !ok {
		r.failItem(ctx, item, adapter.ErrorTypeConfigError, fmt.Sprintf("no adapter registered for provider %q", item.ProviderKey), 0, providerID, modelID, logger)
		return false, false
	}

	envelope := safeCall(impl, ctx, adapter.CallParams{
		Model:            item.ModelName,
		Prompt:           benchmarkPrompt,
		Reasoning:        modelEntry.Reasoning,
		ReasoningTimeout: modelEntry.ReasoningTimeout,
	})

	if !envelope.Success() {
		errType := envelope.Err.ErrorType
		if errType == "" {
			errType = adapter.ErrorTypeUnknown
		}
		r.metrics.RecordAdapterError(item.ProviderKey, item.ModelName, errType)
		r.failItem(ctx, item, errType, envelope.Err.ErrorMessage, envelope.Err.StatusCode, providerID, modelID, logger)
		return false, false
	}

	var ttft time.Duration
	if envelope.Ok.TTFTMs != nil {
		ttft = time.Duration(*envelope.Ok.TTFTMs * float64(time.Millisecond))
	}
	var tps float64
	if envelope.Ok.TPS != nil {
		tps = *envelope.Ok.TPS
	}
	duration := time.Duration(envelope.Ok.TotalLatencyMs * float64(time.Millisecond))
	r.metrics.RecordAdapterCall(item.ProviderKey, item.ModelName, duration, ttft, tps)

	rate, err := r.pricingCache.GetRate(ctx, providerID, modelID, item.ProviderKey)
	if err != nil {
		logger.Warn("failed to resolve pricing rate, treating as zero-cost", "error", err)
	}
	costUSD := pricing.CalculateCost(envelope.Ok.InputTokens, envelope.Ok.OutputTokens, rate)

	benchmark := &store.BenchmarkResult{
		RunID:           item.RunID,
		ProviderID:      providerID,
		ModelID:         modelID,
		Provider:        item.ProviderKey,
		Model:           item.ModelName,
		InputTokens:     envelope.Ok.InputTokens,
		OutputTokens:    envelope.Ok.OutputTokens,
		ReasoningTokens: envelope.Ok.ReasoningTokens,
		TotalLatencyMs:  envelope.Ok.TotalLatencyMs,
		TTFTMs:          envelope.Ok.TTFTMs,
		TPS:             envelope.Ok.TPS,
		CostUSD:         costUSD,
		StatusCode:      envelope.Ok.StatusCode,
		Success:         true,
		ResponseText:    envelope.Ok.ResponseText,
		Prompt:          benchmarkPrompt,
	}

	// SaveBenchmark runs the Token Validator atomically with the insert and
	// may flip Success to false in place; read it back afterward rather
	// than re-deciding it here.
	if _, err = r.store.SaveBenchmark(ctx, benchmark); err != nil {
		logger.Error("failed to persist benchmark result", "error", err)
	}
	if !benchmark.Success {
		r.metrics.RecordTokenValidationFailure(item.ProviderKey, item.ModelName)
	}

	if payload, err := json.Marshal(map[string]string{
		"prompt":        benchmark.Prompt,
		"response_text": benchmark.ResponseText,
	}); err == nil {
		logger.Debug("benchmark call payload", "payload", ambientlog.TruncateLongFields(string(payload), debugLogMaxField))
	}

	if err := r.store.MarkQueueItemCompleted(ctx, item.ID); err != nil {
		logger.Error("failed to mark item completed", "error", err)
	}
	r.metrics.RecordQueueItemProcessed(item.ProviderKey, item.ModelName, "completed")
	return true, false
}

// safeCall invokes impl.Call and converts a panic into a PROVIDER_CRASH
// envelope instead of letting it take down the batch goroutine. Adapters
// are third-party-shaped (HTTP clients, SDKs) and an unexpected nil
// dereference or type assertion failure inside one must fail only the
// queue item being processed.
func safeCall(impl adapter.Adapter, ctx context.Context, params adapter.CallParams) (envelope adapter.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			envelope = adapter.Err(adapter.ErrResult{
				ErrorType:    adapter.ErrorTypeProviderCrash,
				ErrorMessage: fmt.Sprintf("adapter panic: %v", rec),
				StatusCode:   0,
			})
		}
	}()
	return impl.Call(ctx, params)
}

// failItem persists a RunError and transitions the QueueItem per the
// queue-level retry policy (back to pending, or terminal failed once
// attempts are exhausted). Both operations are attempted even if one
// fails; a failure to persist the error record must never prevent the
// queue item from being retried or terminated.
func (r *Runner) failItem(ctx context.Context, item store.QueueItem, errorType, errorMessage string, statusCode int, providerID, modelID string, logger *slog.Logger) {
	_, saveErr := r.store.SaveRunError(ctx, store.RunError{
		RunID:        item.RunID,
		ProviderID:   providerID,
		ModelID:      modelID,
		Provider:     item.ProviderKey,
		Model:        item.ModelName,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		StatusCode:   statusCode,
	})
	if saveErr != nil {
		logger.Error("failed to persist run error", "error", saveErr)
	}

	if err := r.store.MarkQueueItemFailed(ctx, item.ID, errorMessage); err != nil {
		logger.Error("failed to mark item failed", "error", err)
	}
	r.metrics.RecordQueueItemProcessed(item.ProviderKey, item.ModelName, "failed")
}

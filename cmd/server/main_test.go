package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazh-io/benchmark-engine/internal/adapter"
	"github.com/mazh-io/benchmark-engine/internal/budget"
	"github.com/mazh-io/benchmark-engine/internal/config"
	"github.com/mazh-io/benchmark-engine/internal/monitoring"
	"github.com/mazh-io/benchmark-engine/internal/pricing"
	"github.com/mazh-io/benchmark-engine/internal/queue"
	"github.com/mazh-io/benchmark-engine/internal/run"
	"github.com/mazh-io/benchmark-engine/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRunner(t *testing.T, providers []config.ProviderConfig) *queue.Runner {
	t.Helper()
	logger := discardLogger()
	s := store.NewInMemoryStore()
	runs := run.NewManager(s, logger)
	metrics := monitoring.New(false)
	breaker := budget.NewBreaker(s, 15.0, 24, metrics, logger)

	cfg := &config.Config{Providers: providers}
	reg, err := adapter.Build(context.Background(), cfg, logger)
	require.NoError(t, err)

	cache, err := pricing.NewCache(queue.NewPricingStore(s), map[string]pricing.Rate{
		"openai": {InputPerM: 1, OutputPerM: 2},
	})
	require.NoError(t, err)

	return queue.NewRunner(s, runs, breaker, reg, cache, metrics, logger, providers, 50)
}

func TestInitHandler_ReturnsRunID(t *testing.T) {
	runner := testRunner(t, nil)
	handler := initHandler(runner, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/benchmark/init?run_name=smoke", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body["run_id"])
}

func TestProcessHandler_EndToEndWithRunningServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a summary"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":400,"completion_tokens":30}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	providers := []config.ProviderConfig{
		{
			Key:     config.ProviderTypeOpenAI,
			Name:    "openai",
			BaseURL: srv.URL,
			APIKey:  "test-key",
			Models:  []config.ModelEntry{{Name: "gpt-4o-mini", Active: true}},
		},
	}
	runner := testRunner(t, providers)
	logger := discardLogger()

	initReq := httptest.NewRequest(http.MethodPost, "/api/benchmark/init", nil)
	initRec := httptest.NewRecorder()
	initHandler(runner, logger)(initRec, initReq)
	require.Equal(t, http.StatusOK, initRec.Code)

	cfg := &config.Config{Retry: config.RetryPolicyConfig{DefaultBatchSize: 10, MaxBatchSize: 50}}
	processReq := httptest.NewRequest(http.MethodPost, "/api/benchmark/process?batch_size=10", nil)
	processRec := httptest.NewRecorder()
	processHandler(runner, cfg, logger)(processRec, processReq)

	assert.Equal(t, http.StatusOK, processRec.Code)

	var body map[string]queue.BatchResult
	require.NoError(t, json.NewDecoder(processRec.Body).Decode(&body))
	result := body["result"]
	assert.Equal(t, queue.StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Successful)
}

func TestProcessHandler_RejectsInvalidBatchSize(t *testing.T) {
	runner := testRunner(t, nil)
	cfg := &config.Config{Retry: config.RetryPolicyConfig{DefaultBatchSize: 10, MaxBatchSize: 50}}

	req := httptest.NewRequest(http.MethodPost, "/api/benchmark/process?batch_size=not-a-number", nil)
	rec := httptest.NewRecorder()
	processHandler(runner, cfg, discardLogger())(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusHandler_ReturnsQueueStats(t *testing.T) {
	logger := discardLogger()
	s := store.NewInMemoryStore()
	runID, err := s.CreateRun(context.Background(), "smoke", "test")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/benchmark/status/{run_id}", statusHandler(s, logger))

	req := httptest.NewRequest(http.MethodGet, "/api/benchmark/status/"+runID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, runID, body["run_id"])
}

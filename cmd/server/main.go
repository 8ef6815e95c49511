package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mazh-io/benchmark-engine/internal/adapter"
	"github.com/mazh-io/benchmark-engine/internal/budget"
	"github.com/mazh-io/benchmark-engine/internal/config"
	"github.com/mazh-io/benchmark-engine/internal/logger"
	"github.com/mazh-io/benchmark-engine/internal/monitoring"
	"github.com/mazh-io/benchmark-engine/internal/pricing"
	"github.com/mazh-io/benchmark-engine/internal/queue"
	"github.com/mazh-io/benchmark-engine/internal/run"
	"github.com/mazh-io/benchmark-engine/internal/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)
	if cfg.Server.JSONLogs {
		log = logger.NewJSON(cfg.Server.LoggingLevel)
	}

	log.Info("starting benchmark engine",
		"version", Version,
		"commit", Commit,
		"port", cfg.Server.Port,
		"store_type", cfg.Store.Type,
	)

	s, err := buildStore(cfg, log)
	if err != nil {
		log.Error("failed to construct store", "error", err)
		os.Exit(1)
	}

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	priceDefaults := make(map[string]pricing.Rate, len(cfg.Providers))
	for _, p := range cfg.Providers {
		priceDefaults[string(p.Key)] = pricing.Rate{InputPerM: p.InputPerM, OutputPerM: p.OutputPerM}
	}
	priceCache, err := pricing.NewCache(queue.NewPricingStore(s), priceDefaults)
	if err != nil {
		log.Error("failed to construct pricing cache", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootstrapPrices(ctx, s, priceCache, cfg, log)

	breaker := budget.NewBreaker(s, cfg.Budget.CapUSD, cfg.Budget.WindowHours, metrics, log)

	registry, err := adapter.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build adapter registry", "error", err)
		os.Exit(1)
	}

	runs := run.NewManager(s, log)
	runner := queue.NewRunner(s, runs, breaker, registry, priceCache, metrics, log, cfg.Providers, cfg.Retry.MaxBatchSize,
		queue.WithConcurrency(cfg.Retry.BatchConcurrency))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/benchmark/init", initHandler(runner, log))
	mux.HandleFunc("/api/benchmark/process", processHandler(runner, cfg, log))
	mux.HandleFunc("/api/benchmark/status/{run_id}", statusHandler(s, log))
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if closer, ok := s.(*store.PostgresStore); ok {
		closer.Close()
	}

	log.Info("server shutdown complete")
}

// buildStore constructs the Persistence Contract implementation named by
// cfg.Store.Type: "local" for the in-memory fake (useful for demos and
// single-box evaluation), "supabase" for the pgx-backed Postgres store.
func buildStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Store.Type == "local" {
		return store.NewInMemoryStore(), nil
	}
	return store.NewPostgresStore(store.PostgresConfig{
		DSN:                 cfg.Store.DSN,
		MaxConns:            cfg.Store.MaxConns,
		MinConns:            cfg.Store.MinConns,
		ConnectTimeout:      cfg.Store.ConnectTimeout,
		HealthCheckInterval: cfg.Store.HealthCheckInterval,
	}, log)
}

// bootstrapPrices seeds the pricing cache/store from cfg.Pricing's link
// (if configured) before the external scraper collaborator has written any
// Price rows of its own. Failures are logged, not fatal: the cache still
// falls back to each provider's configured default rate.
func bootstrapPrices(ctx context.Context, s store.Store, cache *pricing.Cache, cfg *config.Config, log *slog.Logger) {
	if cfg.Pricing.ModelPricesLink == "" {
		return
	}

	entries, err := pricing.LoadBootstrapPrices(ctx, cfg.Pricing.ModelPricesLink, log)
	if err != nil {
		log.Warn("failed to load bootstrap price table, falling back to configured defaults", "error", err)
		return
	}

	for _, entry := range entries {
		providerID, err := s.GetOrCreateProvider(ctx, entry.Provider, "", "")
		if err != nil {
			log.Warn("bootstrap prices: failed to resolve provider", "provider", entry.Provider, "error", err)
			continue
		}
		modelID, err := s.GetOrCreateModel(ctx, entry.Model, providerID, 0)
		if err != nil {
			log.Warn("bootstrap prices: failed to resolve model", "model", entry.Model, "error", err)
			continue
		}
		rate := pricing.Rate{InputPerM: entry.InputPerM, OutputPerM: entry.OutputPerM}
		if _, err := cache.SavePrice(ctx, providerID, modelID, rate); err != nil {
			log.Warn("bootstrap prices: failed to save price", "provider", entry.Provider, "model", entry.Model, "error", err)
		}
	}
	log.Info("bootstrap prices loaded", "count", len(entries))
}

func initHandler(runner *queue.Runner, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("run_name")
		if name == "" {
			name = "benchmark-" + time.Now().UTC().Format("20060102T150405Z")
		}
		triggeredBy := r.URL.Query().Get("triggered_by")
		if triggeredBy == "" {
			triggeredBy = "api"
		}

		runID, err := runner.InitBenchmarkQueue(r.Context(), name, triggeredBy)
		if err != nil {
			log.Error("init_benchmark_queue failed", "error", err)
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
	}
}

func processHandler(runner *queue.Runner, cfg *config.Config, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchSize := cfg.Retry.DefaultBatchSize
		if v := r.URL.Query().Get("batch_size"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid batch_size: %w", err))
				return
			}
			batchSize = parsed
		}

		result, err := runner.RunBatch(r.Context(), batchSize)
		if err != nil {
			log.Error("run_benchmark_batch failed", "error", err)
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func statusHandler(s store.Store, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		if runID == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("run_id is required"))
			return
		}

		stats, err := s.GetQueueStats(r.Context(), runID)
		if err != nil {
			log.Error("get_queue_stats failed", "run_id", runID, "error", err)
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "queue_stats": stats})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

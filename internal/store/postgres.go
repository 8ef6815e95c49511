package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig carries the connection pool tunables the Store needs out
// of internal/config, kept separate so this package does not import config
// directly.
type PostgresConfig struct {
	DSN                 string
	MaxConns            int32
	MinConns            int32
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
}

// PostgresStore implements Store against a pgx connection pool, with a
// background health-check loop that keeps retrying the connection with
// exponential backoff rather than surfacing a permanently broken pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *slog.Logger

	healthy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	reconnectMu    sync.Mutex
	lastReconnect  time.Time
	reconnectDelay time.Duration
}

func NewPostgresStore(cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	ps := &PostgresStore{
		cfg:            cfg,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: time.Second,
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: invalid database DSN: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolConfig.ConnConfig.OnNotice = func(c *pgconn.PgConn, n *pgconn.Notice) {
		ps.logger.Debug("postgres notice", "severity", n.Severity, "message", n.Message)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	ps.pool = pool
	ps.healthy.Store(true)

	ps.wg.Add(1)
	go ps.healthCheckLoop()

	ps.logger.Info("benchmark store connection pool initialized",
		"max_conns", cfg.MaxConns, "min_conns", cfg.MinConns)

	return ps, nil
}

func (ps *PostgresStore) Close() {
	if !ps.closed.CompareAndSwap(false, true) {
		return
	}
	ps.cancel()

	done := make(chan struct{})
	go func() {
		ps.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		ps.logger.Warn("store health check goroutine did not stop within timeout")
	}

	if ps.pool != nil {
		ps.pool.Close()
	}
	ps.logger.Info("benchmark store connection pool closed")
}

func (ps *PostgresStore) healthCheckLoop() {
	defer ps.wg.Done()

	ticker := time.NewTicker(ps.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case <-ticker.C:
			ps.performHealthCheck()
		}
	}
}

func (ps *PostgresStore) performHealthCheck() {
	ctx, cancel := context.WithTimeout(ps.ctx, 5*time.Second)
	defer cancel()

	var result int
	err := ps.pool.QueryRow(ctx, queryHealthCheck).Scan(&result)
	if err != nil {
		wasHealthy := ps.healthy.Swap(false)
		if wasHealthy {
			ps.logger.Error("store health check failed", "error", err)
		}
		ps.tryReconnect()
		return
	}
	wasUnhealthy := !ps.healthy.Swap(true)
	if wasUnhealthy {
		ps.logger.Info("store connection restored")
		ps.reconnectDelay = time.Second
	}
}

func (ps *PostgresStore) tryReconnect() {
	ps.reconnectMu.Lock()
	defer ps.reconnectMu.Unlock()

	if time.Since(ps.lastReconnect) < ps.reconnectDelay {
		return
	}

	ctx, cancel := context.WithTimeout(ps.ctx, ps.cfg.ConnectTimeout)
	defer cancel()

	err := ps.pool.Ping(ctx)
	ps.lastReconnect = time.Now().UTC()

	if err != nil {
		ps.reconnectDelay = minDuration(ps.reconnectDelay*2, 30*time.Second)
		ps.logger.Error("store reconnect failed", "error", err, "next_delay", ps.reconnectDelay)
		return
	}
	ps.healthy.Store(true)
	ps.reconnectDelay = time.Second
	ps.logger.Info("store reconnect successful")
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

const (
	queryHealthCheck = `SELECT 1`

	queryCreateRun = `
INSERT INTO runs (run_name, triggered_by)
VALUES ($1, $2)
RETURNING id`

	queryFinishRun = `
UPDATE runs SET finished_at = now() WHERE id = $1`

	queryGetOrCreateProvider = `
INSERT INTO providers (name, base_url, logo_url)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`

	queryGetOrCreateModel = `
INSERT INTO models (provider_id, name, context_window, last_seen_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (provider_id, name) DO UPDATE SET last_seen_at = now()
RETURNING id`

	querySetModelsActive = `
UPDATE models SET active = (name = ANY($2))
WHERE provider_id = (SELECT id FROM providers WHERE name = $1)`

	queryGetModelPricing = `
SELECT input_per_m, output_per_m FROM prices
WHERE provider_id = $1 AND model_id = $2
ORDER BY "timestamp" DESC
LIMIT 1`

	queryGetLatestPriceTimestamp = `
SELECT id, "timestamp" FROM prices
WHERE provider_id = $1 AND model_id = $2
ORDER BY "timestamp" DESC
LIMIT 1`

	queryInsertPrice = `
INSERT INTO prices (provider_id, model_id, input_per_m, output_per_m)
VALUES ($1, $2, $3, $4)
RETURNING id`

	queryInsertResult = `
INSERT INTO results (
	run_id, provider_id, model_id, provider, model,
	input_tokens, output_tokens, reasoning_tokens,
	total_latency_ms, ttft_ms, tps, cost_usd,
	status_code, success, error_message, response_text
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
RETURNING id`

	queryInsertRunError = `
INSERT INTO run_errors (
	run_id, provider_id, model_id, provider, model,
	error_type, error_message, status_code
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`

	queryEnqueueItem = `
INSERT INTO queue_items (run_id, provider_key, model_name, max_attempts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id, provider_key, model_name) DO NOTHING`

	queryGetPendingQueueItems = `
SELECT id, run_id, provider_key, model_name, status, attempts, max_attempts, created_at
FROM queue_items
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1`

	// queryClaimQueueItem is the race-safe claim: the conditional WHERE
	// clause means at most one concurrent caller can move a given row out
	// of pending, which RowsAffected() confirms.
	queryClaimQueueItem = `
UPDATE queue_items
SET status = 'processing', attempts = attempts + 1, started_at = now()
WHERE id = $1 AND status = 'pending'`

	queryCompleteQueueItem = `
UPDATE queue_items SET status = 'completed', completed_at = now() WHERE id = $1`

	queryFailQueueItem = `
UPDATE queue_items
SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
    started_at = CASE WHEN attempts >= max_attempts THEN started_at ELSE NULL END,
    error_message = $2
WHERE id = $1`

	queryGetQueueStats = `
SELECT status, count(*) FROM queue_items WHERE run_id = $1 GROUP BY status`

	queryGetRecentSpending = `
SELECT COALESCE(SUM(cost_usd), 0) FROM results WHERE created_at >= now() - ($1 || ' hours')::interval`
)

func (ps *PostgresStore) CreateRun(ctx context.Context, name, triggeredBy string) (string, error) {
	var id string
	err := ps.pool.QueryRow(ctx, queryCreateRun, name, triggeredBy).Scan(&id)
	return id, err
}

func (ps *PostgresStore) FinishRun(ctx context.Context, runID string) error {
	_, err := ps.pool.Exec(ctx, queryFinishRun, runID)
	return err
}

func (ps *PostgresStore) GetOrCreateProvider(ctx context.Context, name, baseURL, logoURL string) (string, error) {
	var id string
	err := ps.pool.QueryRow(ctx, queryGetOrCreateProvider, name, baseURL, logoURL).Scan(&id)
	return id, err
}

func (ps *PostgresStore) GetOrCreateModel(ctx context.Context, rawName, providerID string, contextWindow int) (string, error) {
	var id string
	err := ps.pool.QueryRow(ctx, queryGetOrCreateModel, providerID, rawName, contextWindow).Scan(&id)
	return id, err
}

func (ps *PostgresStore) UpsertModelsFromDiscovery(ctx context.Context, providerName string, rawNames []string) error {
	providerID, err := ps.GetOrCreateProvider(ctx, providerName, "", "")
	if err != nil {
		return fmt.Errorf("discovery upsert: resolve provider: %w", err)
	}
	for _, name := range rawNames {
		if _, err := ps.GetOrCreateModel(ctx, name, providerID, 0); err != nil {
			return fmt.Errorf("discovery upsert: resolve model %s: %w", name, err)
		}
	}
	return nil
}

func (ps *PostgresStore) SetModelsActive(ctx context.Context, providerName string, names []string) error {
	_, err := ps.pool.Exec(ctx, querySetModelsActive, providerName, names)
	return err
}

func (ps *PostgresStore) GetModelPricing(ctx context.Context, providerID, modelID string) (*Rate, error) {
	var rate Rate
	err := ps.pool.QueryRow(ctx, queryGetModelPricing, providerID, modelID).Scan(&rate.InputPerM, &rate.OutputPerM)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// SavePrice applies the suppression window server-side: it checks the
// latest row's age before inserting a new one, matching the behavior
// InMemoryStore enforces locally.
func (ps *PostgresStore) SavePrice(ctx context.Context, providerID, modelID string, rate Rate) (string, error) {
	var existingID string
	var timestamp time.Time
	err := ps.pool.QueryRow(ctx, queryGetLatestPriceTimestamp, providerID, modelID).Scan(&existingID, &timestamp)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("save price: check existing: %w", err)
	}
	if err == nil && time.Since(timestamp) < PriceSuppressionWindow {
		return existingID, nil
	}

	var id string
	err = ps.pool.QueryRow(ctx, queryInsertPrice, providerID, modelID, rate.InputPerM, rate.OutputPerM).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("save price: insert: %w", err)
	}
	return id, nil
}

func (ps *PostgresStore) SaveBenchmark(ctx context.Context, result *BenchmarkResult) (string, error) {
	applyTokenValidation(result)
	result.ResponseText = truncateResponseText(result.ResponseText, result.Success)

	var id string
	err := ps.pool.QueryRow(ctx, queryInsertResult,
		result.RunID, nullableString(result.ProviderID), nullableString(result.ModelID),
		result.Provider, result.Model,
		result.InputTokens, result.OutputTokens, result.ReasoningTokens,
		result.TotalLatencyMs, result.TTFTMs, result.TPS, result.CostUSD,
		result.StatusCode, result.Success, result.ErrorMessage, result.ResponseText,
	).Scan(&id)
	return id, err
}

func (ps *PostgresStore) SaveRunError(ctx context.Context, runErr RunError) (string, error) {
	var id string
	err := ps.pool.QueryRow(ctx, queryInsertRunError,
		runErr.RunID, nullableString(runErr.ProviderID), nullableString(runErr.ModelID),
		runErr.Provider, runErr.Model, runErr.ErrorType, runErr.ErrorMessage, runErr.StatusCode,
	).Scan(&id)
	return id, err
}

func (ps *PostgresStore) EnqueueBenchmarks(ctx context.Context, runID string, pairs []ProviderModelPair) error {
	batch := &pgx.Batch{}
	for _, pair := range pairs {
		batch.Queue(queryEnqueueItem, runID, pair.ProviderKey, pair.ModelName, DefaultMaxAttempts)
	}
	br := ps.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range pairs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("enqueue benchmarks: %w", err)
		}
	}
	return nil
}

func (ps *PostgresStore) GetPendingQueueItems(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := ps.pool.Query(ctx, queryGetPendingQueueItems, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.RunID, &item.ProviderKey, &item.ModelName,
			&item.Status, &item.Attempts, &item.MaxAttempts, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (ps *PostgresStore) MarkQueueItemProcessing(ctx context.Context, id string) error {
	tag, err := ps.pool.Exec(ctx, queryClaimQueueItem, id)
	if err != nil {
		return fmt.Errorf("claim queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim queue item %s: already claimed or missing", id)
	}
	return nil
}

func (ps *PostgresStore) MarkQueueItemCompleted(ctx context.Context, id string) error {
	_, err := ps.pool.Exec(ctx, queryCompleteQueueItem, id)
	return err
}

func (ps *PostgresStore) MarkQueueItemFailed(ctx context.Context, id, errorMessage string) error {
	_, err := ps.pool.Exec(ctx, queryFailQueueItem, id, errorMessage)
	return err
}

func (ps *PostgresStore) GetQueueStats(ctx context.Context, runID string) (QueueStats, error) {
	rows, err := ps.pool.Query(ctx, queryGetQueueStats, runID)
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, err
		}
		switch QueueStatus(status) {
		case QueueStatusPending:
			stats.Pending = count
		case QueueStatusProcessing:
			stats.Processing = count
		case QueueStatusCompleted:
			stats.Completed = count
		case QueueStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (ps *PostgresStore) GetRecentSpending(ctx context.Context, hours int) (float64, error) {
	var total float64
	err := ps.pool.QueryRow(ctx, queryGetRecentSpending, hours).Scan(&total)
	return total, err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PostgresStore)(nil)

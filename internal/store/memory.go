package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store entirely in process memory, guarded by a
// single mutex. It is used for local development (store.type: local) and
// gives the rest of the core a Store it can exercise without a live
// Postgres instance.
type InMemoryStore struct {
	mu sync.Mutex

	providers map[string]*Provider // keyed by lower(name)
	models    map[string]*Model    // keyed by providerID + "/" + lower(name)
	prices    map[string][]*priceEntry

	runs       map[string]*Run
	queueItems map[string]*QueueItem
	queueOrder []string // insertion order, for stable pending scans

	results    []BenchmarkResult
	runErrors  []RunError
	spendByRun map[string]float64
}

type priceEntry struct {
	id        string
	rate      Rate
	timestamp time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		providers:  make(map[string]*Provider),
		models:     make(map[string]*Model),
		prices:     make(map[string][]*priceEntry),
		runs:       make(map[string]*Run),
		queueItems: make(map[string]*QueueItem),
		spendByRun: make(map[string]float64),
	}
}

func newID() string {
	return uuid.New().String()
}

func (s *InMemoryStore) CreateRun(ctx context.Context, name, triggeredBy string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	s.runs[id] = &Run{
		ID:          id,
		RunName:     name,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now(),
	}
	return id, nil
}

func (s *InMemoryStore) FinishRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	now := time.Now()
	run.FinishedAt = &now
	return nil
}

func (s *InMemoryStore) GetOrCreateProvider(ctx context.Context, name, baseURL, logoURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	if p, ok := s.providers[key]; ok {
		return p.ID, nil
	}
	p := &Provider{ID: newID(), Name: name, BaseURL: baseURL, LogoURL: logoURL}
	s.providers[key] = p
	return p.ID, nil
}

func (s *InMemoryStore) modelKey(providerID, name string) string {
	return providerID + "/" + strings.ToLower(name)
}

func (s *InMemoryStore) GetOrCreateModel(ctx context.Context, rawName, providerID string, contextWindow int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.modelKey(providerID, rawName)
	if m, ok := s.models[key]; ok {
		now := time.Now()
		m.LastSeenAt = &now
		return m.ID, nil
	}
	m := &Model{
		ID:            newID(),
		ProviderID:    providerID,
		Name:          rawName,
		ContextWindow: contextWindow,
	}
	now := time.Now()
	m.LastSeenAt = &now
	s.models[key] = m
	return m.ID, nil
}

func (s *InMemoryStore) UpsertModelsFromDiscovery(ctx context.Context, providerName string, rawNames []string) error {
	providerID, err := s.GetOrCreateProvider(ctx, providerName, "", "")
	if err != nil {
		return err
	}
	for _, name := range rawNames {
		if _, err := s.GetOrCreateModel(ctx, name, providerID, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) SetModelsActive(ctx context.Context, providerName string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(providerName)
	provider, ok := s.providers[key]
	if !ok {
		return fmt.Errorf("provider %s not found", providerName)
	}

	active := make(map[string]bool, len(names))
	for _, n := range names {
		active[strings.ToLower(n)] = true
	}
	for k, m := range s.models {
		if !strings.HasPrefix(k, provider.ID+"/") {
			continue
		}
		m.Active = active[strings.ToLower(m.Name)]
	}
	return nil
}

func (s *InMemoryStore) GetModelPricing(ctx context.Context, providerID, modelID string) (*Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := providerID + "/" + modelID
	entries := s.prices[key]
	if len(entries) == 0 {
		return nil, nil
	}
	latest := entries[len(entries)-1]
	rate := latest.rate
	return &rate, nil
}

// SavePrice enforces the suppression window: a new row is only written if
// the most recent row for this (provider, model) pair is older than
// PriceSuppressionWindow, or none exists yet. Otherwise it returns the
// existing row's id without writing a duplicate.
func (s *InMemoryStore) SavePrice(ctx context.Context, providerID, modelID string, rate Rate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := providerID + "/" + modelID
	entries := s.prices[key]
	now := time.Now()
	if len(entries) > 0 {
		latest := entries[len(entries)-1]
		if now.Sub(latest.timestamp) < PriceSuppressionWindow {
			return latest.id, nil
		}
	}
	entry := &priceEntry{id: newID(), rate: rate, timestamp: now}
	s.prices[key] = append(entries, entry)
	return entry.id, nil
}

func (s *InMemoryStore) SaveBenchmark(ctx context.Context, result *BenchmarkResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applyTokenValidation(result)
	result.ResponseText = truncateResponseText(result.ResponseText, result.Success)
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	s.results = append(s.results, *result)
	s.spendByRun[result.RunID] += result.CostUSD
	return newID(), nil
}

func (s *InMemoryStore) SaveRunError(ctx context.Context, runErr RunError) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runErrors = append(s.runErrors, runErr)
	return newID(), nil
}

// EnqueueBenchmarks is idempotent per (run_id, provider_key, model_name):
// pairs already present for the run are left untouched rather than
// duplicated or reset.
func (s *InMemoryStore) EnqueueBenchmarks(ctx context.Context, runID string, pairs []ProviderModelPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool)
	for _, id := range s.queueOrder {
		item := s.queueItems[id]
		if item.RunID != runID {
			continue
		}
		existing[item.ProviderKey+"/"+item.ModelName] = true
	}

	for _, pair := range pairs {
		dedupeKey := pair.ProviderKey + "/" + pair.ModelName
		if existing[dedupeKey] {
			continue
		}
		id := newID()
		s.queueItems[id] = &QueueItem{
			ID:          id,
			RunID:       runID,
			ProviderKey: pair.ProviderKey,
			ModelName:   pair.ModelName,
			Status:      QueueStatusPending,
			MaxAttempts: DefaultMaxAttempts,
			CreatedAt:   time.Now(),
		}
		s.queueOrder = append(s.queueOrder, id)
		existing[dedupeKey] = true
	}
	return nil
}

func (s *InMemoryStore) GetPendingQueueItems(ctx context.Context, limit int) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []QueueItem
	for _, id := range s.queueOrder {
		if len(out) >= limit {
			break
		}
		item := s.queueItems[id]
		if item.Status == QueueStatusPending {
			out = append(out, *item)
		}
	}
	return out, nil
}

// MarkQueueItemProcessing performs the race-safe claim: it only transitions
// an item out of pending if it is still pending, mirroring the conditional
// UPDATE a real database backend uses to guarantee at most one concurrent
// claim. Returns an error if the item is missing or already claimed.
func (s *InMemoryStore) MarkQueueItemProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queueItems[id]
	if !ok {
		return fmt.Errorf("queue item %s not found", id)
	}
	if item.Status != QueueStatusPending {
		return fmt.Errorf("queue item %s already claimed (status=%s)", id, item.Status)
	}
	now := time.Now()
	item.Status = QueueStatusProcessing
	item.Attempts++
	item.StartedAt = &now
	return nil
}

func (s *InMemoryStore) MarkQueueItemCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queueItems[id]
	if !ok {
		return fmt.Errorf("queue item %s not found", id)
	}
	now := time.Now()
	item.Status = QueueStatusCompleted
	item.CompletedAt = &now
	return nil
}

// MarkQueueItemFailed re-queues the item as pending if it still has
// attempts remaining, or transitions it to failed once its attempt budget
// is exhausted.
func (s *InMemoryStore) MarkQueueItemFailed(ctx context.Context, id, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queueItems[id]
	if !ok {
		return fmt.Errorf("queue item %s not found", id)
	}
	item.ErrorMessage = errorMessage
	if item.Attempts >= item.MaxAttempts {
		now := time.Now()
		item.Status = QueueStatusFailed
		item.CompletedAt = &now
		return nil
	}
	item.Status = QueueStatusPending
	item.StartedAt = nil
	return nil
}

func (s *InMemoryStore) GetQueueStats(ctx context.Context, runID string) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats QueueStats
	for _, id := range s.queueOrder {
		item := s.queueItems[id]
		if item.RunID != runID {
			continue
		}
		switch item.Status {
		case QueueStatusPending:
			stats.Pending++
		case QueueStatusProcessing:
			stats.Processing++
		case QueueStatusCompleted:
			stats.Completed++
		case QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *InMemoryStore) GetRecentSpending(ctx context.Context, hours int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	var total float64
	for _, r := range s.results {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		total += r.CostUSD
	}
	return total, nil
}

var _ Store = (*InMemoryStore)(nil)

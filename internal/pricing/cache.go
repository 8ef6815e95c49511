// Package pricing implements the Pricing Cache: a read-through view of the
// latest Price row per (provider, model), backed by a bounded in-process
// LRU so the Queue Runner's per-item cost computation doesn't round-trip
// to the store on every call.
package pricing

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Rate is the per-million-token price for a provider/model pair.
type Rate struct {
	InputPerM  float64
	OutputPerM float64
}

// PriceRow mirrors one row of the append-only Price history.
type PriceRow struct {
	ID         string
	ProviderID string
	ModelID    string
	Rate       Rate
	Timestamp  time.Time
}

// PriceStore is the subset of the Persistence Contract the cache needs:
// fetching the latest price row and appending new ones.
type PriceStore interface {
	GetModelPricing(ctx context.Context, providerID, modelID string) (*PriceRow, error)
	SavePrice(ctx context.Context, providerID, modelID string, rate Rate) (string, error)
}

// cacheSize covers the full realistic provider x model catalog with
// headroom; the benchmark core benchmarks dozens of pairs, not millions.
const cacheSize = 4096

// Cache is a read-through LRU over PriceStore.GetModelPricing, keyed on
// "providerID/modelID", with write-through invalidation on SavePrice so a
// price update is visible to the next adapter call in the same process.
type Cache struct {
	store    PriceStore
	lru      *lru.Cache[string, *PriceRow]
	defaults map[string]Rate
}

// NewCache builds a Cache backed by store. defaults maps a provider key to
// the fallback rate used when no Price row exists yet for that provider's
// models, sourced from the config's provider entries.
func NewCache(store PriceStore, defaults map[string]Rate) (*Cache, error) {
	l, err := lru.New[string, *PriceRow](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct pricing LRU: %w", err)
	}
	return &Cache{store: store, lru: l, defaults: defaults}, nil
}

func cacheKey(providerID, modelID string) string {
	return providerID + "/" + modelID
}

// GetRate returns the rate to use for a (provider, model) pair: the latest
// Price row if one exists, or providerKey's configured default otherwise.
// providerKey is the human-readable provider key (e.g. "openai") used to
// look up defaults, distinct from providerID which is the store's row id.
func (c *Cache) GetRate(ctx context.Context, providerID, modelID, providerKey string) (Rate, error) {
	key := cacheKey(providerID, modelID)

	if row, ok := c.lru.Get(key); ok {
		return row.Rate, nil
	}

	row, err := c.store.GetModelPricing(ctx, providerID, modelID)
	if err != nil {
		return Rate{}, fmt.Errorf("failed to load pricing for %s: %w", key, err)
	}
	if row != nil {
		c.lru.Add(key, row)
		return row.Rate, nil
	}

	if rate, ok := c.defaults[providerKey]; ok {
		return rate, nil
	}

	return Rate{}, nil
}

// SavePrice appends a new Price row (subject to the store's 24h insertion
// suppression window) and invalidates the cached entry so the next GetRate
// call picks up the fresh row rather than a stale cached one.
func (c *Cache) SavePrice(ctx context.Context, providerID, modelID string, rate Rate) (string, error) {
	id, err := c.store.SavePrice(ctx, providerID, modelID, rate)
	if err != nil {
		return "", err
	}
	c.lru.Remove(cacheKey(providerID, modelID))
	return id, nil
}

// CalculateCost scales linearly with tokens per million at the given rate.
func CalculateCost(inputTokens, outputTokens int, rate Rate) float64 {
	return float64(inputTokens)/1e6*rate.InputPerM + float64(outputTokens)/1e6*rate.OutputPerM
}

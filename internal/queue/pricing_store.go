package queue

import (
	"context"

	"github.com/mazh-io/benchmark-engine/internal/pricing"
	"github.com/mazh-io/benchmark-engine/internal/store"
)

// PricingStoreAdapter bridges the Persistence Contract's GetModelPricing/
// SavePrice (which speak store.Rate) to the Pricing Cache's PriceStore
// interface (which speaks pricing.Rate/pricing.PriceRow). The two packages
// define structurally identical rate types independently: store.Rate
// describes a persisted row, pricing.Rate describes a cached read. This
// adapter is the one place that converts between them rather than
// collapsing the packages into each other. Exported so cmd/server can wire
// pricing.NewCache directly against a store.Store.
type PricingStoreAdapter struct {
	store store.Store
}

// NewPricingStore wraps s so it satisfies pricing.PriceStore.
func NewPricingStore(s store.Store) *PricingStoreAdapter {
	return &PricingStoreAdapter{store: s}
}

func (a *PricingStoreAdapter) GetModelPricing(ctx context.Context, providerID, modelID string) (*pricing.PriceRow, error) {
	rate, err := a.store.GetModelPricing(ctx, providerID, modelID)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, nil
	}
	return &pricing.PriceRow{
		ProviderID: providerID,
		ModelID:    modelID,
		Rate:       pricing.Rate(*rate),
	}, nil
}

func (a *PricingStoreAdapter) SavePrice(ctx context.Context, providerID, modelID string, rate pricing.Rate) (string, error) {
	return a.store.SavePrice(ctx, providerID, modelID, store.Rate(rate))
}

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mazh-io/benchmark-engine/internal/auth"
	"github.com/mazh-io/benchmark-engine/internal/config"
	"github.com/mazh-io/benchmark-engine/internal/httputil"
)

// adapterHTTPTimeout exceeds the longest per-model call timeout (120s for
// reasoning models) so the per-request context deadline is always what
// actually cuts a call short, not the client's own blanket timeout.
const adapterHTTPTimeout = 130 * time.Second

// Registry is the static map built once at process start. Build fails fast
// on any provider it cannot construct an adapter for, rather than
// discovering the gap mid-batch at dispatch time.
type Registry struct {
	adapters map[string]Adapter
}

// Build constructs one Adapter per configured provider. Keyed by
// ProviderConfig.Key so the Queue Runner can look an adapter up by the
// same string it stores on a QueueItem.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	reg := &Registry{adapters: make(map[string]Adapter, len(cfg.Providers))}
	httpClient := httputil.NewHTTPClient(adapterHTTPTimeout)

	var tokenManager *auth.VertexTokenManager

	for _, p := range cfg.Providers {
		switch p.Key {
		case config.ProviderTypeAnthropic:
			// A missing API key is a per-call CONFIG_ERROR (see
			// anthropicAdapter.Call), not a Build-time failure: the queue
			// item retries and fails again until the key is fixed, rather
			// than taking the whole server down at startup.
			reg.adapters[string(p.Key)] = newAnthropicAdapter(p.APIKey)

		case config.ProviderTypeVertexAI:
			if p.ProjectID == "" || p.Location == "" {
				return nil, fmt.Errorf("adapter registry: provider %s: project_id and location are required", p.Key)
			}
			if tokenManager == nil {
				tokenManager = auth.NewVertexTokenManager(logger)
			}
			a, err := newVertexAdapter(ctx, p.ProjectID, p.Location, tokenManager, string(p.Key), p.CredentialsFile, p.CredentialsJSON)
			if err != nil {
				return nil, fmt.Errorf("adapter registry: provider %s: %w", p.Key, err)
			}
			reg.adapters[string(p.Key)] = a

		default:
			if !p.Key.IsValid() {
				return nil, fmt.Errorf("adapter registry: unknown provider key %q", p.Key)
			}
			if p.BaseURL == "" {
				return nil, fmt.Errorf("adapter registry: provider %s: base_url is required", p.Key)
			}
			reg.adapters[string(p.Key)] = newOpenAICompatibleAdapter(string(p.Key), p.BaseURL, p.APIKey, httpClient)
		}
	}

	return reg, nil
}

// Get looks up the Adapter registered for a provider key.
func (r *Registry) Get(providerKey string) (Adapter, bool) {
	a, ok := r.adapters[providerKey]
	return a, ok
}

// Package run implements the Run Manager: a thin lifecycle wrapper around
// the Store's run bookkeeping so the Queue Runner never touches run rows
// directly.
package run

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mazh-io/benchmark-engine/internal/store"
)

// Manager starts and finishes benchmark runs. It holds no state of its
// own beyond its dependencies, so a caller can construct one per request
// or share a single instance; both are safe since Store implementations
// are expected to be concurrency-safe.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

func NewManager(s store.Store, logger *slog.Logger) *Manager {
	return &Manager{store: s, logger: logger}
}

// Start creates a new run row and returns its id.
func (m *Manager) Start(ctx context.Context, name, triggeredBy string) (string, error) {
	runID, err := m.store.CreateRun(ctx, name, triggeredBy)
	if err != nil {
		return "", fmt.Errorf("run manager: start: %w", err)
	}
	m.logger.Info("run started", "run_id", runID, "run_name", name, "triggered_by", triggeredBy)
	return runID, nil
}

// Finish marks a run's finished_at timestamp.
func (m *Manager) Finish(ctx context.Context, runID string) error {
	if err := m.store.FinishRun(ctx, runID); err != nil {
		return fmt.Errorf("run manager: finish: %w", err)
	}
	m.logger.Info("run finished", "run_id", runID)
	return nil
}

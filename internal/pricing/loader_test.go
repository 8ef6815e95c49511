package pricing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const samplePriceTable = `[
	{"provider": "openai", "model": "gpt-4o-mini", "input_per_m": 0.15, "output_per_m": 0.6},
	{"provider": "anthropic", "model": "claude-3-5-sonnet", "input_per_m": 3.0, "output_per_m": 15.0}
]`

func TestLoadBootstrapPrices_FromBarePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.json")
	if err := os.WriteFile(path, []byte(samplePriceTable), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	entries, err := LoadBootstrapPrices(context.Background(), path, discardLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapPrices returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Provider != "openai" || entries[0].InputPerM != 0.15 {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
}

func TestLoadBootstrapPrices_FromFileURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.json")
	if err := os.WriteFile(path, []byte(samplePriceTable), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	entries, err := LoadBootstrapPrices(context.Background(), "file://"+path, discardLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapPrices returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestLoadBootstrapPrices_FromHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(samplePriceTable))
	}))
	defer srv.Close()

	entries, err := LoadBootstrapPrices(context.Background(), srv.URL, discardLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapPrices returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestLoadBootstrapPrices_MissingFile(t *testing.T) {
	if _, err := LoadBootstrapPrices(context.Background(), "/no/such/path/prices.json", discardLogger()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBootstrapPrices_HTTPNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := LoadBootstrapPrices(context.Background(), srv.URL, discardLogger()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mazh-io/benchmark-engine/internal/httputil"
)

// MaxFileSizeBytes bounds how large a bootstrap price table file or
// response may be, guarding against an accidental or malicious multi-GB
// download at startup.
const MaxFileSizeBytes = 100 * 1024 * 1024

// bootstrapEntry is one row of the bootstrap price table JSON: a flat
// array of provider/model/rate triples used to seed the store before the
// external scraper collaborator has written anything.
type bootstrapEntry struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	InputPerM  float64 `json:"input_per_m"`
	OutputPerM float64 `json:"output_per_m"`
}

// LoadBootstrapPrices loads a price table from link, which may be a
// "file://" URL, an "http(s)://" URL, or a bare filesystem path. It returns
// the entries found; the caller is responsible for writing them through
// SavePrice (and is subject to that call's 24h suppression window).
func LoadBootstrapPrices(ctx context.Context, link string, logger *slog.Logger) ([]bootstrapEntry, error) {
	var data []byte
	var err error

	switch {
	case strings.HasPrefix(link, "file://"):
		data, err = loadFromFile(strings.TrimPrefix(link, "file://"))
	case strings.HasPrefix(link, "http://"), strings.HasPrefix(link, "https://"):
		data, err = loadFromHTTP(ctx, link, logger)
	default:
		data, err = loadFromFile(link)
	}
	if err != nil {
		return nil, err
	}

	var entries []bootstrapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse price table json: %w", err)
	}
	return entries, nil
}

func loadFromFile(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)

	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to stat price table file %s: %w", cleaned, err)
	}
	if info.Size() > MaxFileSizeBytes {
		return nil, fmt.Errorf("price table file %s exceeds max size %d bytes", cleaned, MaxFileSizeBytes)
	}

	data, err := os.ReadFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to read price table file %s: %w", cleaned, err)
	}
	return data, nil
}

func loadFromHTTP(ctx context.Context, link string, logger *slog.Logger) ([]byte, error) {
	client := httputil.NewHTTPClient(httputil.DefaultTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", link, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price table from %s: %w", link, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("failed to close price table response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price table fetch from %s: status %d", link, resp.StatusCode)
	}

	if resp.ContentLength > MaxFileSizeBytes {
		return nil, fmt.Errorf("price table response from %s exceeds max size %d bytes", link, MaxFileSizeBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read price table response from %s: %w", link, err)
	}
	return data, nil
}

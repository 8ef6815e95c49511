// Package httputil provides the shared HTTP client construction (used by
// the adapter registry for the OpenAI-compatible adapters and by the
// Pricing Cache's remote price-table loader) and a safe fetch helper.
package httputil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single round trip when the caller doesn't
	// supply its own context deadline.
	DefaultTimeout = 10 * time.Second

	maxResponseSizeBytes = 10 * 1024 * 1024 // 10MB cap on any fetched body

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// NewHTTPClient builds an *http.Client with bounded connect/idle timeouts
// suitable for short-lived, infrequent outbound fetches (price table
// downloads, health checks). Passing timeout <= 0 uses DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// FetchURL issues a GET request against url using client, enforcing a size
// cap on the response body and logging (not returning) a response preview
// on non-200 status so callers see a short, safe diagnostic.
func FetchURL(ctx context.Context, client *http.Client, url string, logger *slog.Logger) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
		logger.Error("non-200 response",
			"url", url,
			"status", resp.StatusCode,
			"response_preview", safeStringPreview(body, 200),
		)
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}

// safeStringPreview converts bytes to a short, safely-escaped string for
// logging, even when the data isn't valid UTF-8.
func safeStringPreview(data []byte, maxLen int) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	escaped := fmt.Sprintf("%q", data)
	if len(escaped) > 2 {
		return escaped[1 : len(escaped)-1]
	}
	return escaped
}

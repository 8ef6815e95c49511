package adapter

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// maxAdapterRetries bounds the adapter-local retry loop: the transport
// call itself, not the queue-level attempt counter.
const maxAdapterRetries = 3

var retryableSubstrings = []string{
	"502", "503", "504", "timeout", "connection reset", "connection refused", "temporary failure",
}

// shouldRetryTransport decides whether a transport-level failure warrants
// an adapter-local retry: 5xx status codes, or a message that smells like
// a transient infrastructure error. 429 and all other 4xx are excluded;
// those are surfaced to the Runner instead.
func shouldRetryTransport(statusCode int, message string) bool {
	if statusCode >= 500 && statusCode <= 599 {
		return true
	}
	lower := strings.ToLower(message)
	for _, substr := range retryableSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// retryDelay returns the backoff for the given zero-indexed attempt
// (0, 1, 2 -> 1s, 2s, 4s), capped at 10s, plus up to 50ms of jitter to
// avoid synchronized retries across concurrently running batches.
func retryDelay(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Intn(50)) * time.Millisecond
	return base + jitter
}

// withTransportRetry runs call up to maxAdapterRetries+1 times, retrying
// only on the transport-level conditions shouldRetryTransport recognizes.
// call returns the attempt's envelope plus the raw status code and message,
// which are used purely to decide whether to retry; the final envelope
// returned is always the last attempt's.
func withTransportRetry(ctx context.Context, call func(ctx context.Context) (Envelope, int, string)) Envelope {
	var envelope Envelope
	for attempt := 0; attempt <= maxAdapterRetries; attempt++ {
		var statusCode int
		var message string
		envelope, statusCode, message = call(ctx)
		if envelope.Success() || !shouldRetryTransport(statusCode, message) {
			return envelope
		}
		if attempt == maxAdapterRetries {
			break
		}
		select {
		case <-ctx.Done():
			return envelope
		case <-time.After(retryDelay(attempt)):
		}
	}
	return envelope
}

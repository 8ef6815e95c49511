package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAICompatibleAdapter_Success(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
	})
	defer srv.Close()

	a := newOpenAICompatibleAdapter("openai", srv.URL, "test-key", srv.Client())
	envelope := a.Call(context.Background(), CallParams{Model: "gpt-4o-mini", Prompt: "summarize this"})

	if !envelope.Success() {
		t.Fatalf("expected success, got error: %+v", envelope.Err)
	}
	if envelope.Ok.ResponseText != "Hello world" {
		t.Fatalf("expected accumulated response text, got %q", envelope.Ok.ResponseText)
	}
	if envelope.Ok.InputTokens != 12 || envelope.Ok.OutputTokens != 3 {
		t.Fatalf("expected usage tokens from final chunk, got input=%d output=%d", envelope.Ok.InputTokens, envelope.Ok.OutputTokens)
	}
	if envelope.Ok.TTFTMs == nil {
		t.Fatal("expected TTFT to be recorded")
	}
}

func TestOpenAICompatibleAdapter_MissingAPIKeyFailsFast(t *testing.T) {
	a := newOpenAICompatibleAdapter("openai", "http://example.invalid", "", http.DefaultClient)
	envelope := a.Call(context.Background(), CallParams{Model: "gpt-4o-mini", Prompt: "x"})

	if envelope.Success() {
		t.Fatal("expected failure for missing API key")
	}
	if envelope.Err.ErrorType != ErrorTypeConfigError {
		t.Fatalf("expected CONFIG_ERROR, got %s", envelope.Err.ErrorType)
	}
}

func TestOpenAICompatibleAdapter_EmptyResponseIsAnomaly(t *testing.T) {
	srv := sseServer(t, nil)
	defer srv.Close()

	a := newOpenAICompatibleAdapter("openai", srv.URL, "test-key", srv.Client())
	envelope := a.Call(context.Background(), CallParams{Model: "gpt-4o-mini", Prompt: "x"})

	if envelope.Success() {
		t.Fatal("expected empty-response failure")
	}
	if envelope.Err.ErrorType != ErrorTypeEmptyResponse {
		t.Fatalf("expected EMPTY_RESPONSE, got %s", envelope.Err.ErrorType)
	}
	if envelope.Err.StatusCode != 200 {
		t.Fatalf("expected status 200 on empty-response anomaly, got %d", envelope.Err.StatusCode)
	}
}

func TestOpenAICompatibleAdapter_NonOKStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	a := newOpenAICompatibleAdapter("openai", srv.URL, "test-key", srv.Client())
	envelope := a.Call(context.Background(), CallParams{Model: "gpt-4o-mini", Prompt: "x"})

	if envelope.Success() {
		t.Fatal("expected failure for 429 response")
	}
	if envelope.Err.ErrorType != ErrorTypeRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %s", envelope.Err.ErrorType)
	}
}

func TestCallParams_Timeout(t *testing.T) {
	reasoning := CallParams{Reasoning: true}
	if reasoning.Timeout() != 120*time.Second {
		t.Fatalf("expected 120s timeout for reasoning model, got %v", reasoning.Timeout())
	}

	standard := CallParams{Reasoning: false}
	if standard.Timeout() != 60*time.Second {
		t.Fatalf("expected 60s timeout for standard model, got %v", standard.Timeout())
	}

	custom := CallParams{Reasoning: true, ReasoningTimeout: 90 * time.Second}
	if custom.Timeout() != 90*time.Second {
		t.Fatalf("expected custom reasoning timeout to be respected, got %v", custom.Timeout())
	}
}

package httputil

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewHTTPClient_DefaultsTimeout(t *testing.T) {
	client := NewHTTPClient(0)
	if client.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, client.Timeout)
	}
}

func TestNewHTTPClient_RespectsExplicitTimeout(t *testing.T) {
	client := NewHTTPClient(2 * time.Second)
	if client.Timeout != 2*time.Second {
		t.Errorf("expected timeout 2s, got %v", client.Timeout)
	}
}

func TestFetchURL_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := FetchURL(context.Background(), NewHTTPClient(time.Second), srv.URL, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestFetchURL_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	_, err := FetchURL(context.Background(), NewHTTPClient(time.Second), srv.URL, discardLogger())
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestSafeStringPreview_TruncatesAndEscapes(t *testing.T) {
	preview := safeStringPreview([]byte("hello\x00world"), 5)
	if preview == "" {
		t.Fatal("expected non-empty preview")
	}
}

func TestSafeStringPreview_Empty(t *testing.T) {
	if got := safeStringPreview(nil, 10); got != "" {
		t.Errorf("expected empty preview for empty input, got %q", got)
	}
}

package remotesink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kluzzebass/fapilog/internal/sink"
)

func TestWriteBatchGroupsByStreamLabel(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, StreamLabels: []string{"level"}}, nil)
	events := []sink.Event{
		{"level": "info", "event": "a"},
		{"level": "error", "event": "b"},
		{"level": "info", "event": "c"},
	}
	if err := s.WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	streams, _ := captured["streams"].([]any)
	if len(streams) != 2 {
		t.Fatalf("expected 2 distinct streams (info, error), got %d: %v", len(streams), captured)
	}
}

func TestWriteBatchRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, MaxRetries: 5, BackoffBaseSecs: 0.01}, nil)
	if err := s.WriteBatch(context.Background(), []sink.Event{{"event": "a"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWriteBatchDropsImmediatelyOnNonRetryable4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, MaxRetries: 5, BackoffBaseSecs: 0.01}, nil)
	err := s.WriteBatch(context.Background(), []sink.Event{{"event": "a"}})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 attempt for non-retryable 4xx, got %d", calls)
	}
}

func TestWriteBatchExhaustsRetriesAndDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, MaxRetries: 2, BackoffBaseSecs: 0.01}, nil)
	err := s.WriteBatch(context.Background(), []sink.Event{{"event": "a"}})
	if err == nil {
		t.Fatal("expected error after exhausting retries on 429")
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	if d := backoffDelay(1, 1); d != 1*time.Second {
		t.Errorf("attempt 1: got %v, want 1s", d)
	}
	if d := backoffDelay(1, 2); d != 2*time.Second {
		t.Errorf("attempt 2: got %v, want 2s", d)
	}
	if d := backoffDelay(1, 10); d != 60*time.Second {
		t.Errorf("attempt 10: got %v, want capped at 60s", d)
	}
}

func TestWriteBatchEmptyIsNoOp(t *testing.T) {
	s := New(Config{Endpoint: "http://unused.invalid"}, nil)
	if err := s.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
}

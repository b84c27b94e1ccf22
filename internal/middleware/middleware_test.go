package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kluzzebass/fapilog/internal/eventctx"
)

type recordingPublisher struct {
	calls []string
	level string
}

func (p *recordingPublisher) Process(ctx context.Context, level, message string, fields map[string]any) {
	p.calls = append(p.calls, message)
	p.level = level
}

func TestMiddlewareBindsCorrelationFieldsForDownstreamHandler(t *testing.T) {
	var seen map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = eventctx.Get(r.Context())
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	})

	mw := New(Config{}, nil)(handler)
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.RemoteAddr = "203.0.113.7:54321"
	req.Header.Set("User-Agent", "test-agent")
	rr := httptest.NewRecorder()

	mw.ServeHTTP(rr, req)

	if seen["method"] != "GET" {
		t.Fatalf("method = %v", seen["method"])
	}
	if seen["path"] != "/widgets" {
		t.Fatalf("path = %v", seen["path"])
	}
	if seen["client_ip"] != "203.0.113.7" {
		t.Fatalf("client_ip = %v", seen["client_ip"])
	}
	if seen["user_agent"] != "test-agent" {
		t.Fatalf("user_agent = %v", seen["user_agent"])
	}
	if _, ok := seen["trace_id"].(string); !ok {
		t.Fatalf("expected trace_id bound, got %v", seen["trace_id"])
	}
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMiddlewareAdoptsInboundTraceHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	mw := New(Config{TraceHeaderName: "X-Trace"}, nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace", "incoming-trace-id")
	rr := httptest.NewRecorder()

	mw.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Trace-Id"); got != "incoming-trace-id" {
		t.Fatalf("X-Trace-Id = %q, want adopted inbound id", got)
	}
}

func TestMiddlewareGeneratesTraceIDWhenAbsent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	mw := New(Config{}, nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Trace-Id"); got == "" {
		t.Fatal("expected a generated trace id header")
	}
}

func TestMiddlewareSetsResponseTimeHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	mw := New(Config{}, nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Response-Time-Ms"); got == "" {
		t.Fatal("expected X-Response-Time-Ms header to be set")
	}
}

func TestMiddlewareClearsContextAfterRequest(t *testing.T) {
	var ctxDuringRequest context.Context
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxDuringRequest = r.Context()
	})
	mw := New(Config{}, nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)

	// The request's own context isn't mutated (contexts are immutable);
	// what matters is that the cleared snapshot built afterward reports
	// nothing set, which we verify via a fresh Get on a cleared context.
	cleared := eventctx.Clear(ctxDuringRequest)
	if got := eventctx.Get(cleared); len(got) != 0 {
		t.Fatalf("expected cleared context to report no bound fields, got %v", got)
	}
}

func TestMiddlewareEmitsStructuredRecordOnPanicAndRepanics(t *testing.T) {
	pub := &recordingPublisher{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	mw := New(Config{}, pub)(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate after cleanup")
		}
		if len(pub.calls) != 1 {
			t.Fatalf("expected exactly one published record on panic, got %d", len(pub.calls))
		}
		if pub.level != "error" {
			t.Fatalf("expected error-level record on panic, got %q", pub.level)
		}
	}()
	mw.ServeHTTP(rr, req)
}

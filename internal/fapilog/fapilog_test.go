package fapilog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kluzzebass/fapilog/internal/settings"
	"github.com/kluzzebass/fapilog/internal/sink"
)

// captureSink is a minimal in-memory sink.Sink used to observe what a
// configured Logger actually delivers, without touching stdout.
type captureSink struct {
	mu     sync.Mutex
	events []sink.Event
}

func (c *captureSink) Write(ctx context.Context, e sink.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) snapshot() []sink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sink.Event, len(c.events))
	copy(out, c.events)
	return out
}

func testSettings(cs *captureSink) settings.Settings {
	s, err := settings.Load(nil,
		settings.WithSinks(settings.SinkSpec{Value: sink.Sink(cs)}),
		settings.WithQueueEnabled(false),
	)
	if err != nil {
		panic(err)
	}
	return s
}

func TestConfigureStartsAndStopsCleanly(t *testing.T) {
	cs := &captureSink{}
	l, err := Configure(testSettings(cs))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if l.Name() == "" {
		t.Fatal("expected a generated instance name")
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestConfigureDefaultsToStdoutSinkWhenNoneConfigured(t *testing.T) {
	s, err := settings.Load(nil, settings.WithQueueEnabled(false))
	if err != nil {
		t.Fatalf("settings.Load: %v", err)
	}
	// The default settings already point at stdout://json; Configure must
	// not fail building it.
	l, err := Configure(s)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer l.Stop(context.Background())
	if len(l.sinks) != 1 {
		t.Fatalf("expected exactly one default sink, got %d", len(l.sinks))
	}
}

func TestLoggerEmitDeliversToConfiguredSink(t *testing.T) {
	cs := &captureSink{}
	l, err := Configure(testSettings(cs))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer l.Stop(context.Background())

	l.Info(context.Background(), "hello", map[string]any{"n": 1})

	events := cs.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(events))
	}
	if events[0]["event"] != "hello" {
		t.Fatalf("event field = %v", events[0]["event"])
	}
	if events[0]["level"] != "info" {
		t.Fatalf("level field = %v", events[0]["level"])
	}
}

func TestLoggerEmitLevelConveniences(t *testing.T) {
	cs := &captureSink{}
	l, err := Configure(testSettings(cs))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer l.Stop(context.Background())

	l.Debug(context.Background(), "d", nil)
	l.Warning(context.Background(), "w", nil)
	l.Error(context.Background(), "e", nil)
	l.Critical(context.Background(), "c", nil)

	events := cs.snapshot()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	wantLevels := []string{"debug", "warning", "error", "critical"}
	for i, want := range wantLevels {
		if events[i]["level"] != want {
			t.Fatalf("event %d level = %v, want %v", i, events[i]["level"], want)
		}
	}
}

func TestLoggerDroppedReportsZeroWhenQueueingDisabled(t *testing.T) {
	cs := &captureSink{}
	l, err := Configure(testSettings(cs))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer l.Stop(context.Background())

	if got := l.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d, want 0 with queueing disabled", got)
	}
}

func TestLoggerMiddlewareBindsAndDeliversOnPanic(t *testing.T) {
	cs := &captureSink{}
	l, err := Configure(testSettings(cs))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer l.Stop(context.Background())

	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr := httptest.NewRecorder()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate through middleware")
			}
		}()
		handler.ServeHTTP(rr, req)
	}()

	// allow the pipeline's direct write to land (queueing disabled, so
	// this is synchronous, but the panic-path publish happens in the
	// deferred recover before re-panicking).
	events := cs.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 panic record delivered, got %d", len(events))
	}
	if events[0]["level"] != "error" {
		t.Fatalf("expected error-level panic record, got %v", events[0]["level"])
	}
}

func TestConfigureWithUserContextSecretDoesNotFail(t *testing.T) {
	cs := &captureSink{}
	l, err := Configure(testSettings(cs), WithUserContextSecret([]byte("secret")), WithEnvironment("staging"))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer l.Stop(context.Background())
}

func TestConfigureResourceSamplingSchedulesWithoutError(t *testing.T) {
	cs := &captureSink{}
	s := testSettings(cs)
	s.EnableResourceMetrics = true
	l, err := Configure(s)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	// Give the scheduler a moment to run at least once; failure here
	// would be a panic or goroutine leak, not an assertion on timing.
	time.Sleep(10 * time.Millisecond)
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

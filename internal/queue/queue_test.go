package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kluzzebass/fapilog/internal/settings"
	"github.com/kluzzebass/fapilog/internal/sink"
)

type fakeSink struct {
	mu     sync.Mutex
	events []sink.Event
	fail   int // number of remaining WriteBatch calls to fail
}

func (f *fakeSink) Write(ctx context.Context, e sink.Event) error {
	return f.WriteBatch(ctx, []sink.Event{e})
}

func (f *fakeSink) WriteBatch(ctx context.Context, events []sink.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errBoom
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeSink) snapshot() []sink.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sink.Event, len(f.events))
	copy(out, f.events)
	return out
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}

func TestEnqueueDropsBeyondCapacityUnderDropPolicy(t *testing.T) {
	w := New(Config{Size: 2, BatchSize: 10, BatchTimeout: time.Hour, RetryDelay: time.Millisecond, MaxRetries: 0, Overflow: settings.OverflowDrop}, nil)

	// Fill the channel directly to simulate a blocked worker (never
	// started, so nothing drains it).
	w.mu.Lock()
	w.ch = make(chan Record, 2)
	w.state = StateRunning
	w.mu.Unlock()

	ok1 := w.Enqueue(Record{Event: sink.Event{"n": 1}})
	ok2 := w.Enqueue(Record{Event: sink.Event{"n": 2}})
	ok3 := w.Enqueue(Record{Event: sink.Event{"n": 3}})
	ok4 := w.Enqueue(Record{Event: sink.Event{"n": 4}})

	if !ok1 || !ok2 {
		t.Fatalf("expected first two enqueues to succeed: %v %v", ok1, ok2)
	}
	if ok3 || ok4 {
		t.Fatalf("expected overflow enqueues to be dropped: %v %v", ok3, ok4)
	}
	if got := w.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestStartDispatchesAndDrainsOnStop(t *testing.T) {
	w := New(Config{Size: 16, BatchSize: 4, BatchTimeout: 20 * time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 1, Overflow: settings.OverflowDrop}, nil)
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs := &fakeSink{}
	for i := 0; i < 3; i++ {
		if !w.Enqueue(Record{Event: sink.Event{"n": i}, Sinks: []sink.Sink{fs}}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", w.State())
	}
	if got := len(fs.snapshot()); got != 3 {
		t.Fatalf("sink received %d events, want 3", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(Config{Size: 4, BatchSize: 4, BatchTimeout: time.Millisecond}, nil)
	ctx := context.Background()
	_ = w.Start(ctx)
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestDeliverWithRetryDropsAfterMaxRetries(t *testing.T) {
	w := New(Config{Size: 4, BatchSize: 4, BatchTimeout: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2}, nil)
	fs := &fakeSink{fail: 10}
	w.deliverWithRetry(context.Background(), fs, []sink.Event{{"n": 1}})
	if got := len(fs.snapshot()); got != 0 {
		t.Fatalf("expected batch dropped after retries exhausted, got %d events delivered", got)
	}
}

func TestDeliverWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	w := New(Config{Size: 4, BatchSize: 4, BatchTimeout: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 3}, nil)
	fs := &fakeSink{fail: 2}
	w.deliverWithRetry(context.Background(), fs, []sink.Event{{"n": 1}})
	if got := len(fs.snapshot()); got != 1 {
		t.Fatalf("expected batch delivered after transient failures, got %d events", got)
	}
}

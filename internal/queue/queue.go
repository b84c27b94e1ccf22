// Package queue implements the bounded asynchronous queue and worker
// (C6): a batching background dispatcher that decouples log production
// from sink I/O, with overflow, retry/backoff, and drain-on-shutdown
// semantics (spec.md §4.7).
//
// The drain-complete broadcast is grounded on internal/notify.Signal;
// the background-goroutine-with-context-cancellation shape for the
// dispatch loop mirrors internal/server/ratelimit.go's startCleanup
// idiom.
package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kluzzebass/fapilog/internal/notify"
	"github.com/kluzzebass/fapilog/internal/settings"
	"github.com/kluzzebass/fapilog/internal/sink"
)

// Record is the queue's unit of work: an event plus the set of sinks
// responsible for delivering it (spec.md §3 "Queue record").
type Record struct {
	Event sink.Event
	Sinks []sink.Sink
}

// State is the worker's lifecycle state machine (spec.md §4.7).
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config configures a Worker. Zero values are replaced by spec.md's
// stated defaults where one exists.
type Config struct {
	Size          int
	BatchSize     int
	BatchTimeout  time.Duration
	RetryDelay    time.Duration
	MaxRetries    int
	Overflow      settings.OverflowStrategy
	DrainDeadline time.Duration // default 5s, per spec.md §4.7/§5
	MaxBackoff    time.Duration // default 60s, mirrors the remote sink's cap
}

// Worker is the bounded queue plus its single dispatch goroutine.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	ch      chan Record
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
	drained *notify.Signal

	dropped atomic.Int64
}

// New creates a Worker in the stopped state. Call Start to begin
// dispatching.
func New(cfg Config, logger *slog.Logger) *Worker {
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{cfg: cfg, logger: logger, state: StateStopped, drained: notify.NewSignal()}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Dropped returns the number of events discarded by overflow since
// construction (spec.md's "dropped events must be observable").
func (w *Worker) Dropped() int64 {
	return w.dropped.Load()
}

// Start transitions stopped -> starting -> running, initializing the
// bounded channel and spawning the dispatch goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStarting
	w.ch = make(chan Record, w.cfg.Size)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = StateRunning
	w.mu.Unlock()

	go func() {
		defer close(w.doneCh)
		w.run(runCtx)
	}()
	return nil
}

// Enqueue attempts a non-blocking put. Returns false if the event was
// dropped (queue full under "drop", probabilistically throttled under
// "sample", or the worker is not running).
func (w *Worker) Enqueue(rec Record) bool {
	w.mu.Lock()
	state := w.state
	ch := w.ch
	w.mu.Unlock()
	if state != StateRunning {
		return false
	}

	if w.cfg.Overflow == settings.OverflowSample {
		if fill := float64(len(ch)) / float64(cap(ch)); fill > 0 && rand.Float64() < fill {
			w.dropped.Add(1)
			return false
		}
	}

	select {
	case ch <- rec:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Stop is idempotent and cooperative: it stops accepting new events
// (the channel itself stays open), signals the dispatch loop, waits up to
// the drain deadline for the dispatch loop to finish, then cancels the
// run context so any in-flight sink write is abandoned at its next I/O
// boundary (spec.md §5). Safe to call from a goroutine that did not
// create the Worker — this is the "synchronous, non-cooperative"
// shutdown entry point spec.md §4.7 requires as well, since it blocks
// the caller rather than requiring an event loop.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateStopped:
		w.mu.Unlock()
		return nil
	case StateStopping:
		done := w.doneCh
		w.mu.Unlock()
		<-done
		return nil
	}
	w.state = StateStopping
	close(w.stopCh)
	done := w.doneCh
	cancel := w.cancel
	w.mu.Unlock()

	deadline := time.NewTimer(w.cfg.DrainDeadline)
	defer deadline.Stop()
	select {
	case <-done:
	case <-deadline.C:
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.drained.Notify()
	return nil
}

// Drained returns a channel closed once after the next successful
// Stop() completes, for callers (e.g. the facade) that want to observe
// drain completion without holding Stop's caller goroutine.
func (w *Worker) Drained() <-chan struct{} { return w.drained.C() }

// run is the dispatch loop: collect a batch, deliver it to every sink
// it names, repeat until stopped and drained.
func (w *Worker) run(ctx context.Context) {
	for {
		batch, more := w.collectBatch(ctx)
		if len(batch) > 0 {
			w.dispatchBatch(ctx, batch)
		}
		if !more {
			return
		}
	}
}

// collectBatch pulls up to BatchSize events, or returns early once
// BatchTimeout has elapsed since the first event arrived (spec.md's
// "batch timeout triggers dispatch of a single-event batch" boundary
// case). The second return value is false once the queue has been
// closed and fully drained.
func (w *Worker) collectBatch(ctx context.Context) ([]Record, bool) {
	w.mu.Lock()
	ch := w.ch
	stopCh := w.stopCh
	w.mu.Unlock()

	var batch []Record
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	for len(batch) < w.cfg.BatchSize {
		select {
		case rec := <-ch:
			batch = append(batch, rec)
			if len(batch) == 1 {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.cfg.BatchTimeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				return batch, true
			}
			timer.Reset(w.cfg.BatchTimeout)
		case <-stopCh:
			return w.drainBuffered(ch, batch), false
		case <-ctx.Done():
			return batch, false
		}
	}
	return batch, true
}

// drainBuffered empties whatever is already sitting in the channel
// without blocking, appending it to batch, once stop has been
// signaled. The channel itself is never closed (producers may still
// hold a reference); Enqueue's StateRunning check is what actually
// stops new entries once Stop begins.
func (w *Worker) drainBuffered(ch chan Record, batch []Record) []Record {
	for {
		select {
		case rec := <-ch:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// dispatchBatch groups the batch by destination sink, preserving each
// sink's view of arrival order (spec.md §5: "no cross-sink ordering is
// promised" but per-sink order is), and delivers each group
// independently so one sink's failure never stalls another.
func (w *Worker) dispatchBatch(ctx context.Context, batch []Record) {
	var order []sink.Sink
	grouped := make(map[sink.Sink][]sink.Event, len(batch))
	for _, rec := range batch {
		for _, s := range rec.Sinks {
			if _, seen := grouped[s]; !seen {
				order = append(order, s)
			}
			grouped[s] = append(grouped[s], rec.Event)
		}
	}
	for _, s := range order {
		w.deliverWithRetry(ctx, s, grouped[s])
	}
}

// deliverWithRetry writes events to s, retrying with exponential
// backoff (retry_delay * 2^attempt, capped at MaxBackoff) up to
// MaxRetries before dropping the batch and logging one diagnostic.
func (w *Worker) deliverWithRetry(ctx context.Context, s sink.Sink, events []sink.Event) {
	for attempt := 0; ; attempt++ {
		err := sink.WriteBatch(ctx, s, events)
		if err == nil {
			return
		}
		if attempt >= w.cfg.MaxRetries {
			w.logger.Warn("sink delivery retry budget exhausted, dropping batch",
				"error", err, "events", len(events))
			return
		}
		delay := w.cfg.RetryDelay * time.Duration(uint64(1)<<uint(attempt))
		if delay > w.cfg.MaxBackoff || delay <= 0 {
			delay = w.cfg.MaxBackoff
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

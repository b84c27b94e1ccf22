// Shared async-enricher processor: wraps an AsyncEnricher with the
// created -> started -> running -> stopping -> stopped lifecycle state
// machine spec.md §4.4 and §9 describe, plus a per-enricher circuit
// breaker and TTL+LRU cache. Unhealthy enrichers are skipped without
// being removed from the registry.
package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kluzzebass/fapilog/internal/breaker"
	"github.com/kluzzebass/fapilog/internal/ttlcache"
)

// LifecycleState mirrors the state machine spec.md §9 names.
type LifecycleState int

const (
	Created LifecycleState = iota
	Started
	Running
	Stopping
	Stopped
)

func (s LifecycleState) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AsyncProcessor manages the lifecycle, circuit breaker, and cache for
// one registered async enricher.
type AsyncProcessor struct {
	name    string
	impl    AsyncEnricher
	breaker *breaker.Breaker
	cache   *ttlcache.Cache
	logger  *slog.Logger

	mu      sync.Mutex
	state   LifecycleState
	healthy bool
}

// NewAsyncProcessor wraps impl. cacheTTL/cacheSize of zero disable
// caching (every call passes through).
func NewAsyncProcessor(name string, impl AsyncEnricher, failureThreshold int, recoveryTimeout time.Duration, cacheTTL time.Duration, cacheSize int, logger *slog.Logger) *AsyncProcessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var cache *ttlcache.Cache
	if cacheTTL > 0 {
		cache = ttlcache.New(cacheTTL, cacheSize)
	}
	return &AsyncProcessor{
		name:    name,
		impl:    impl,
		breaker: breaker.New(failureThreshold, recoveryTimeout),
		cache:   cache,
		logger:  logger,
		state:   Created,
		healthy: true,
	}
}

// Start runs the enricher's startup hook and transitions to Running.
func (p *AsyncProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	p.state = Started
	p.mu.Unlock()

	if err := p.impl.Startup(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.state = Running
	p.mu.Unlock()
	return nil
}

// Stop runs the enricher's shutdown hook and transitions to Stopped.
func (p *AsyncProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.state = Stopping
	p.mu.Unlock()

	err := p.impl.Shutdown(ctx)

	p.mu.Lock()
	p.state = Stopped
	p.mu.Unlock()
	return err
}

// State returns the processor's current lifecycle state.
func (p *AsyncProcessor) State() LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Healthy reports the last health_check result (true until the first
// check runs).
func (p *AsyncProcessor) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// SweepCache evicts expired entries from the processor's result cache.
// A no-op when caching is disabled. Intended to be called periodically
// by the facade's background scheduler rather than inline on the hot
// path.
func (p *AsyncProcessor) SweepCache() {
	if p.cache != nil {
		p.cache.Sweep()
	}
}

// cacheKeyFor derives a deterministic cache key from the event's
// client_ip field when present, falling back to no caching — this
// mirrors the GeoIP enricher's lookup-by-IP determinism spec.md calls
// out, while staying generic enough for other async enrichers keyed
// similarly.
func cacheKeyFor(event Event) (string, bool) {
	if v, ok := event["client_ip"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// Call invokes the wrapped enricher subject to the circuit breaker and
// cache. A failed enrichment is recorded against the breaker and its
// contribution is skipped entirely (never failing the event), per
// spec.md §4.4; the health flag is set only from HealthCheck.
func (p *AsyncProcessor) Call(ctx context.Context, event Event) Event {
	if p.State() != Running {
		return event
	}
	if !p.breaker.Allow() {
		return event
	}

	if key, ok := cacheKeyFor(event); ok && p.cache != nil {
		if cached, hit := p.cache.Get(key); hit {
			p.breaker.RecordSuccess()
			return mergeMissing(event, cached.(Event))
		}
	}

	healthy := p.impl.HealthCheck(ctx)
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
	if !healthy {
		return event
	}

	out, err := p.impl.EnrichAsync(ctx, p.logger, event)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("async enricher failed, continuing without its contribution", "enricher", p.name, "error", err)
		return event
	}
	p.breaker.RecordSuccess()

	if key, ok := cacheKeyFor(event); ok && p.cache != nil {
		added := Event{}
		for k, v := range out {
			if _, existed := event[k]; !existed {
				added[k] = v
			}
		}
		p.cache.Set(key, added)
	}
	return out
}

// mergeMissing copies keys from added into event that event does not
// already have, preserving spec.md §4.3's "never overwrite" rule.
func mergeMissing(event, added Event) Event {
	for k, v := range added {
		if _, exists := event[k]; !exists {
			event[k] = v
		}
	}
	return event
}

// RunGroup executes names concurrently under a shared deadline;
// cancellation at the group timeout leaves the event unmodified by the
// enrichers that didn't finish in time (spec.md §9's worked example).
func RunGroup(ctx context.Context, processors map[string]*AsyncProcessor, names []string, event Event, timeout time.Duration) Event {
	if len(names) == 0 {
		return event
	}
	groupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		name  string
		event Event
	}
	results := make(chan result, len(names))
	for _, n := range names {
		p, ok := processors[n]
		if !ok {
			results <- result{name: n, event: event}
			continue
		}
		go func(name string, p *AsyncProcessor) {
			done := make(chan Event, 1)
			go func() { done <- p.Call(groupCtx, cloneEvent(event)) }()
			select {
			case out := <-done:
				results <- result{name: name, event: out}
			case <-groupCtx.Done():
				results <- result{name: name, event: event}
			}
		}(n, p)
	}

	merged := event
	for range names {
		r := <-results
		merged = mergeMissing(merged, r.event)
	}
	return merged
}

func cloneEvent(event Event) Event {
	out := make(Event, len(event))
	for k, v := range event {
		out[k] = v
	}
	return out
}

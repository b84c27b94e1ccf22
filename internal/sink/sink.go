// Package sink defines the pluggable delivery-target contract (C5) and
// a scheme-keyed factory registry, generalizing the teacher's
// per-ingester factory convention (internal/ingester/*/factory.go:
// NewFactory() returning a constructor keyed by type name) from a flat
// type-string map to full URI-based instantiation.
package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Event is the mapping the pipeline produces. Defined here as an alias
// so sink implementations don't need to import the pipeline package.
type Event = map[string]any

// Sink is the minimal contract every delivery target satisfies.
type Sink interface {
	// Write delivers a single event. Implementations that only support
	// batch delivery may implement it by wrapping WriteBatch.
	Write(ctx context.Context, event Event) error
}

// BatchWriter is implemented by sinks that can deliver a group of
// events more efficiently than one at a time (spec.md §4.5: "write_batch
// is expected to be non-blocking when the queue is present").
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Starter is implemented by sinks with setup work (opening a file,
// connecting a client). Optional — spec.md §3 "start() and stop() are
// optional for simple sinks".
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by sinks with teardown work.
type Stopper interface {
	Stop(ctx context.Context) error
}

// WriteBatch delivers events to sink, using WriteBatch when available
// and falling back to sequential Write otherwise. This is the single
// call site the queue worker (C6) uses, so sinks never need to
// implement both.
func WriteBatch(ctx context.Context, s Sink, events []Event) error {
	if bw, ok := s.(BatchWriter); ok {
		return bw.WriteBatch(ctx, events)
	}
	for _, e := range events {
		if err := s.Write(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Start calls Start on s if it implements Starter; otherwise a no-op.
func Start(ctx context.Context, s Sink) error {
	if st, ok := s.(Starter); ok {
		return st.Start(ctx)
	}
	return nil
}

// Stop calls Stop on s if it implements Stopper; otherwise a no-op.
func Stop(ctx context.Context, s Sink) error {
	if st, ok := s.(Stopper); ok {
		return st.Stop(ctx)
	}
	return nil
}

// Factory constructs a Sink from a parsed URI and an optional scoped
// logger (nil means "use a discard logger", per internal/logging.Default).
type Factory func(uri uriconf.Parsed, logger *slog.Logger) (Sink, error)

// Registry is a process-wide (but never implicit) store of sink
// factories keyed by URI scheme, generalizing
// orchestrator.Factories.ChunkManagers/IndexManagers into the uniform
// scheme-keyed shape spec.md §4.5 calls for.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. logger is the base logger
// passed to factories; nil means components get a discard logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{factories: make(map[string]Factory), logger: logger}
}

// Register adds a factory under scheme. Re-registering the same scheme
// is a configuration error — scheme uniqueness is enforced per
// spec.md §4.5.
func (r *Registry) Register(scheme string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[scheme]; exists {
		return ferror.New(ferror.Configuration, "sink.registry", "register", nil).WithKey("scheme").WithValue(scheme)
	}
	r.factories[scheme] = f
	return nil
}

// CreateFromURI parses uri and invokes the factory registered for its
// scheme.
func (r *Registry) CreateFromURI(uri string) (Sink, error) {
	parsed, err := uriconf.Parse("sink", uri)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[parsed.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, ferror.New(ferror.Configuration, "sink.registry", "create_from_uri", nil).WithKey("scheme").WithValue(parsed.Scheme)
	}
	return f(parsed, r.logger)
}

// Schemes returns all registered scheme names.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}

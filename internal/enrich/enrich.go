// Package enrich implements the Enricher Registry (C4): a named,
// metadata-rich store of enrichers with URI-based instantiation,
// conditional activation, and dependency-ordered execution for both
// synchronous and asynchronous implementations.
//
// The registration/lookup shape generalizes TEACHER's
// orchestrator/registry.go (a name-keyed factory map guarded by a
// mutex) to the richer metadata and dependency-graph spec.md §4.4
// describes.
package enrich

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Event is the mapping enrichers read and add fields to.
type Event = map[string]any

// Func is the synchronous enricher contract: a plain transform that
// returns the (possibly modified) event. Enrichers never overwrite a
// key the event already has (spec.md §4.3's "existing user-populated
// fields are never overwritten").
type Func func(ctx context.Context, logger *slog.Logger, event Event) (Event, error)

// Enricher is the unified interface a registered enricher satisfies,
// sync or async, resolving spec.md §9's "should the registry migrate
// to a single Enricher interface" open question: Func gets this method
// for free, so a plain callable is already a full Enricher and callers
// never need to hand-write an adapter.
type Enricher interface {
	Enrich(ctx context.Context, logger *slog.Logger, event Event) (Event, error)
}

// Enrich makes Func satisfy Enricher.
func (f Func) Enrich(ctx context.Context, logger *slog.Logger, event Event) (Event, error) {
	return f(ctx, logger, event)
}

// AsyncEnricher is the lifecycle-bearing contract for enrichers that
// need setup/teardown and should run under the shared async processor
// (spec.md §4.4): startup, shutdown, health_check, enrich_async.
type AsyncEnricher interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	EnrichAsync(ctx context.Context, logger *slog.Logger, event Event) (Event, error)
}

// Condition decides, given an activation context, whether an enricher
// should run for a particular event. Evaluation must be side-effect-
// free per spec.md §4.4.
type Condition func(ActivationContext) bool

// ActivationContext carries the information conditions may consult.
type ActivationContext struct {
	Environment string
	Level       string
	Event       Event
}

// Metadata describes a registered enricher.
type Metadata struct {
	Name         string
	Description  string
	Priority     int // lower runs first
	Dependencies []string
	Async        bool
	Conditions   []Condition
}

// entry bundles metadata with exactly one of Func or AsyncEnricher.
type entry struct {
	meta  Metadata
	fn    Func
	async AsyncEnricher
}

// Registry stores enrichers by unique name and resolves execution
// order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{entries: make(map[string]*entry), logger: logger}
}

// RegisterFunc registers a synchronous enricher.
func (r *Registry) RegisterFunc(meta Metadata, fn Func) error {
	return r.register(meta, fn, nil)
}

// RegisterAsync registers an asynchronous, lifecycle-bearing enricher.
func (r *Registry) RegisterAsync(meta Metadata, a AsyncEnricher) error {
	meta.Async = true
	return r.register(meta, nil, a)
}

func (r *Registry) register(meta Metadata, fn Func, a AsyncEnricher) error {
	if meta.Name == "" {
		return ferror.New(ferror.Configuration, "enrich.registry", "register", nil).WithKey("name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[meta.Name]; exists {
		return ferror.New(ferror.Configuration, "enrich.registry", "register", nil).WithKey("name").WithValue(meta.Name)
	}
	for _, dep := range meta.Dependencies {
		if _, ok := r.entries[dep]; !ok {
			return ferror.New(ferror.Configuration, "enrich.registry", "register", nil).
				WithKey("dependency").WithValue(dep)
		}
	}
	r.entries[meta.Name] = &entry{meta: meta, fn: fn, async: a}
	return nil
}

// GetMetadata returns the metadata registered under name.
func (r *Registry) GetMetadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Metadata{}, false
	}
	return e.meta, true
}

// ListEnrichers returns all registered names, lexicographically
// sorted.
func (r *Registry) ListEnrichers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ResolveOrder topologically sorts names by their declared
// dependencies, tie-broken by priority ascending then name
// lexicographically. Returns a dependency error naming the cycle if
// one exists.
func (r *Registry) ResolveOrder(names []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]*entry, len(names))
	for _, n := range names {
		e, ok := r.entries[n]
		if !ok {
			return nil, ferror.New(ferror.Configuration, "enrich.registry", "resolve_order", nil).WithKey("name").WithValue(n)
		}
		set[n] = e
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(set))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return ferror.New(ferror.Configuration, "enrich.registry", "resolve_order", nil).
				WithKey("cycle").WithValue(cycleString(append(path, name)))
		}
		color[name] = gray
		path = append(path, name)

		e := set[name]
		deps := append([]string(nil), e.meta.Dependencies...)
		sort.Slice(deps, func(i, j int) bool {
			return lessByPriorityThenName(set[deps[i]], set[deps[j]], deps[i], deps[j])
		})
		for _, dep := range deps {
			if _, inSet := set[dep]; !inSet {
				continue // dependency exists in registry but wasn't requested; skip
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		color[name] = black
		path = path[:len(path)-1]
		order = append(order, name)
		return nil
	}

	sortedNames := append([]string(nil), names...)
	sort.Slice(sortedNames, func(i, j int) bool {
		return lessByPriorityThenName(set[sortedNames[i]], set[sortedNames[j]], sortedNames[i], sortedNames[j])
	})
	for _, n := range sortedNames {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ResolveLevels performs the Kahn-style dependency levelling spec.md
// §4.4 describes: each returned group contains names with no
// dependency edge between them (safe to run concurrently); groups run
// in order (each group's dependencies are satisfied by an earlier
// group). Within a group, names are sorted by priority ascending then
// name, matching ResolveOrder's tie-break. A cycle fails with a
// configuration error whose value lists every name that could not be
// levelled, sorted.
func (r *Registry) ResolveLevels(names []string) ([][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]*entry, len(names))
	for _, n := range names {
		e, ok := r.entries[n]
		if !ok {
			return nil, ferror.New(ferror.Configuration, "enrich.registry", "resolve_levels", nil).WithKey("name").WithValue(n)
		}
		set[n] = e
	}

	// indegree counts only dependencies that are also in the requested
	// set; a dependency outside the set is assumed already satisfied.
	indegree := make(map[string]int, len(set))
	dependents := make(map[string][]string, len(set))
	for n, e := range set {
		for _, dep := range e.meta.Dependencies {
			if _, inSet := set[dep]; inSet {
				indegree[n]++
				dependents[dep] = append(dependents[dep], n)
			}
		}
	}

	pending := make(map[string]int, len(set))
	for n := range set {
		pending[n] = indegree[n]
	}
	visited := make(map[string]bool, len(set))

	var levels [][]string
	for len(visited) < len(set) {
		var frontier []string
		for n := range set {
			if !visited[n] && pending[n] == 0 {
				frontier = append(frontier, n)
			}
		}
		if len(frontier) == 0 {
			// Every remaining name has an unsatisfied dependency: a cycle
			// exists among them. List them all, sorted, for a
			// deterministic diagnostic.
			var remaining []string
			for n := range set {
				if !visited[n] {
					remaining = append(remaining, n)
				}
			}
			sort.Strings(remaining)
			return nil, ferror.New(ferror.Configuration, "enrich.registry", "resolve_levels", nil).
				WithKey("cycle").WithValue(cycleString(remaining))
		}
		sort.Slice(frontier, func(i, j int) bool {
			return lessByPriorityThenName(set[frontier[i]], set[frontier[j]], frontier[i], frontier[j])
		})
		levels = append(levels, frontier)
		for _, n := range frontier {
			visited[n] = true
			for _, dep := range dependents[n] {
				pending[dep]--
			}
		}
	}
	return levels, nil
}

func lessByPriorityThenName(a, b *entry, nameA, nameB string) bool {
	if a == nil || b == nil {
		return nameA < nameB
	}
	if a.meta.Priority != b.meta.Priority {
		return a.meta.Priority < b.meta.Priority
	}
	return nameA < nameB
}

func cycleString(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}

// Activate reports whether every condition attached to name passes for
// ac. Unregistered names never activate.
func (r *Registry) Activate(name string, ac ActivationContext) bool {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	for _, cond := range e.meta.Conditions {
		if !cond(ac) {
			return false
		}
	}
	return true
}

// RunSync invokes the synchronous enricher registered under name.
// Failures are caught and downgraded to a debug diagnostic per
// spec.md §4.4; the event is returned unmodified on failure.
func (r *Registry) RunSync(ctx context.Context, name string, event Event) Event {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.fn == nil {
		return event
	}
	out, err := safeCall(ctx, e.fn, r.logger, event)
	if err != nil {
		r.logger.Debug("enricher failed, continuing without its contribution", "enricher", name, "error", err)
		return event
	}
	return out
}

func safeCall(ctx context.Context, fn Func, logger *slog.Logger, event Event) (out Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = ferror.New(ferror.Configuration, "enrich", "run_sync", nil).WithKey("panic").WithValue(p)
		}
	}()
	return fn(ctx, logger, event)
}

// Async returns the AsyncEnricher registered under name, if any.
func (r *Registry) Async(name string) (AsyncEnricher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.async == nil {
		return nil, false
	}
	return e.async, true
}

// Factory constructs an enricher (sync or async) from a parsed URI.
type Factory func(uri uriconf.Parsed, logger *slog.Logger) (Func, AsyncEnricher, error)

// FactoryRegistry maps URI schemes to enricher factories, mirroring
// sink.Registry's shape so enrichers declared as URIs in Settings can
// be instantiated the same way sinks are.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

func NewFactoryRegistry(logger *slog.Logger) *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory), logger: logger}
}

func (r *FactoryRegistry) Register(scheme string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[scheme]; exists {
		return ferror.New(ferror.Configuration, "enrich.factory_registry", "register", nil).WithKey("scheme").WithValue(scheme)
	}
	r.factories[scheme] = f
	return nil
}

func (r *FactoryRegistry) CreateFromURI(uri string) (Func, AsyncEnricher, error) {
	parsed, err := uriconf.Parse("enricher", uri)
	if err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[parsed.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, ferror.New(ferror.Configuration, "enrich.factory_registry", "create_from_uri", nil).WithKey("scheme").WithValue(parsed.Scheme)
	}
	return f(parsed, r.logger)
}

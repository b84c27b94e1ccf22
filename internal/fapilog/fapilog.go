// Package fapilog implements the Container / Facade (C8): the single
// entry point applications configure once and log through for the
// life of the process, or of one logical sub-component.
//
// Lifecycle ownership (single mutex-guarded running bool, Start/Stop
// pair) is grounded directly on internal/orchestrator.Orchestrator's
// lifecycle.go: "owns chunk/index/query managers" generalizes here to
// "owns the queue worker, the async-enricher processor pool, and the
// background scheduler." The periodic-job scheduling (resource
// sampling, enricher-cache janitor) reuses the teacher's
// cronRotationManager/Scheduler gocron.NewScheduler/NewJob/Start/Shutdown
// idiom, generalized from cron expressions to fixed-interval jobs.
package fapilog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/go-co-op/gocron/v2"

	"github.com/kluzzebass/fapilog/internal/enrich"
	"github.com/kluzzebass/fapilog/internal/enrich/geoip"
	"github.com/kluzzebass/fapilog/internal/enrich/resource"
	"github.com/kluzzebass/fapilog/internal/enrich/usercontext"
	"github.com/kluzzebass/fapilog/internal/enrich/useragent"
	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/logging"
	"github.com/kluzzebass/fapilog/internal/middleware"
	"github.com/kluzzebass/fapilog/internal/pipeline"
	"github.com/kluzzebass/fapilog/internal/queue"
	"github.com/kluzzebass/fapilog/internal/redact"
	"github.com/kluzzebass/fapilog/internal/settings"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/sink/stdoutsink"
	"github.com/kluzzebass/fapilog/internal/sysmetrics"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

const (
	asyncFailureThreshold = 3
	asyncRecoveryTimeout  = 30 * time.Second
	asyncCacheTTL         = 5 * time.Minute
	asyncCacheSize        = 10_000
	resourceSampleEvery   = 15 * time.Second
	cacheSweepEvery       = 1 * time.Minute
)

// options collects Option-applied configuration Configure needs beyond
// the Settings value itself.
type options struct {
	logger            *slog.Logger
	environment       string
	userContextSecret []byte
	sinkFactories     *sink.Registry
	enricherFactories *enrich.FactoryRegistry
}

// Option customizes Configure beyond what Settings captures.
type Option func(*options)

// WithLogger supplies the internal diagnostics logger (spec.md's
// ambient logging stack). Discarded by default.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithEnvironment feeds enrich.ActivationContext.Environment for
// condition-gated enrichers (spec.md §4.4).
func WithEnvironment(env string) Option { return func(o *options) { o.environment = env } }

// WithUserContextSecret enables JWT-backed user-context enrichment
// (internal/enrich/usercontext) when settings.UserContextEnabled is
// set. Without it, the enricher still runs but only surfaces whatever
// the request context already carries.
func WithUserContextSecret(secret []byte) Option {
	return func(o *options) { o.userContextSecret = secret }
}

// WithSinkFactoryRegistry overrides the default sink factory registry,
// letting hosts add their own schemes alongside the built-ins.
func WithSinkFactoryRegistry(r *sink.Registry) Option {
	return func(o *options) { o.sinkFactories = r }
}

// WithEnricherFactoryRegistry overrides the default enricher factory
// registry.
func WithEnricherFactoryRegistry(r *enrich.FactoryRegistry) Option {
	return func(o *options) { o.enricherFactories = r }
}

// Logger is the configured, running container: one queue worker, one
// enricher registry with its async processors, and one pipeline,
// reachable through Emit and, when the host runs an HTTP server,
// through Middleware.
type Logger struct {
	name     string
	settings settings.Settings
	opts     options

	registry  *enrich.Registry
	async     map[string]*enrich.AsyncProcessor
	customSet []string

	pipeline *pipeline.Pipeline
	queue    *queue.Worker
	sinks    []sink.Sink

	scheduler gocron.Scheduler

	mu      sync.Mutex
	running bool
}

// Configure parses/validates the given settings' dependents into a
// ready-to-use Logger: sinks and enrichers are instantiated, the queue
// (if enabled) and every async enricher are started, and a background
// scheduler begins resource sampling and enricher-cache maintenance.
// Configure is cheap to call multiple times with independent Settings —
// each call returns an independently owned Logger (spec.md's "supports
// multiple independent containers with isolated state").
func Configure(s settings.Settings, opts ...Option) (*Logger, error) {
	o := options{logger: logging.Discard(), environment: "production"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sinkFactories == nil {
		o.sinkFactories = defaultSinkFactories(o.logger)
	}
	if o.enricherFactories == nil {
		o.enricherFactories = defaultEnricherFactories(o.logger)
	}

	l := &Logger{
		name:     petname.Generate(2, "-"),
		settings: s,
		opts:     o,
		registry: enrich.NewRegistry(o.logger),
		async:    make(map[string]*enrich.AsyncProcessor),
	}

	if err := l.buildSinks(); err != nil {
		return nil, err
	}
	if err := l.buildBuiltinEnrichers(); err != nil {
		return nil, err
	}
	if err := l.buildCustomEnrichers(); err != nil {
		return nil, err
	}

	var red *redact.Redactor
	if len(s.RedactFields) > 0 || len(s.RedactPatterns) > 0 {
		var err error
		red, err = redact.New(s.RedactPatterns, s.RedactFields, s.RedactReplacement)
		if err != nil {
			return nil, err
		}
	}

	if s.QueueEnabled {
		l.queue = queue.New(queue.Config{
			Size:         s.QueueSize,
			BatchSize:    s.BatchSize,
			BatchTimeout: s.BatchTimeout,
			RetryDelay:   s.RetryDelay,
			MaxRetries:   s.MaxRetries,
			Overflow:     s.OverflowStrategy,
		}, o.logger)
	}

	var enqueuer pipeline.Enqueuer
	if l.queue != nil {
		enqueuer = l.queue
	}
	p, err := pipeline.New(pipeline.Config{
		Settings:        s,
		Registry:        l.registry,
		AsyncProcessors: l.async,
		Redactor:        red,
		Queue:           enqueuer,
		Sinks:           l.sinks,
		Environment:     o.environment,
		Logger:          o.logger,
	}, l.customSet)
	if err != nil {
		return nil, err
	}
	l.pipeline = p

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferror.New(ferror.Configuration, "fapilog", "configure", err)
	}
	l.scheduler = sched

	if err := l.Start(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// Name returns this container's diagnostic instance name (a generated
// two-word petname), useful for distinguishing multiple Loggers in
// shared process diagnostics.
func (l *Logger) Name() string { return l.name }

// logResourceSample emits a periodic diagnostic record of the host
// process's own memory/CPU usage, independent of the per-event
// "resource" enricher (which only runs when an application event is
// actually logged). Runs on the background scheduler.
func (l *Logger) logResourceSample() {
	l.opts.logger.Debug("resource sample",
		"memory_bytes", sysmetrics.MemoryInuse(),
		"cpu_percent", sysmetrics.CPUPercent())
}

// Start brings up the queue worker, every async enricher, and the
// background scheduler. Safe to call once; a second call is a no-op.
// Configure already calls Start, so hosts normally never need this
// directly — it is exported for the rare case of a Logger built
// without Configure's full bootstrap (e.g. in tests).
func (l *Logger) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	for _, name := range l.customSet {
		proc, ok := l.async[name]
		if !ok {
			continue
		}
		if err := proc.Start(ctx); err != nil {
			return ferror.New(ferror.Configuration, "fapilog", "start", err).WithKey("enricher").WithValue(name)
		}
	}

	if l.queue != nil {
		if err := l.queue.Start(ctx); err != nil {
			return ferror.New(ferror.Queue, "fapilog", "start", err).WithKey("queue")
		}
	}

	for _, s := range l.sinks {
		if err := sink.Start(ctx, s); err != nil {
			return ferror.New(ferror.Sink, "fapilog", "start", err).WithKey("sink")
		}
	}

	if l.settings.EnableResourceMetrics {
		if _, err := l.scheduler.NewJob(
			gocron.DurationJob(resourceSampleEvery),
			gocron.NewTask(l.logResourceSample),
			gocron.WithName(fmt.Sprintf("%s-resource-sample", l.name)),
		); err != nil {
			l.opts.logger.Debug("failed to schedule resource sampler", "error", err)
		}
	}
	for _, name := range l.customSet {
		proc, ok := l.async[name]
		if !ok {
			continue
		}
		if _, err := l.scheduler.NewJob(
			gocron.DurationJob(cacheSweepEvery),
			gocron.NewTask(proc.SweepCache),
			gocron.WithName(fmt.Sprintf("%s-%s-cache-sweep", l.name, name)),
		); err != nil {
			l.opts.logger.Debug("failed to schedule cache sweep", "enricher", name, "error", err)
		}
	}
	l.scheduler.Start()

	l.running = true
	return nil
}

// Stop drains the queue, stops every async enricher, shuts down the
// scheduler, and stops every sink, in that order so nothing still
// enqueuing work gets torn down first. Idempotent.
func (l *Logger) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.mu.Unlock()

	if l.queue != nil {
		if err := l.queue.Stop(ctx); err != nil {
			l.opts.logger.Warn("queue stop failed", "error", err)
		}
	}
	for _, name := range l.customSet {
		if proc, ok := l.async[name]; ok {
			if err := proc.Stop(ctx); err != nil {
				l.opts.logger.Warn("async enricher stop failed", "enricher", name, "error", err)
			}
		}
	}
	if err := l.scheduler.Shutdown(); err != nil {
		l.opts.logger.Warn("scheduler shutdown failed", "error", err)
	}
	for _, s := range l.sinks {
		if err := sink.Stop(ctx, s); err != nil {
			l.opts.logger.Warn("sink stop failed", "error", err)
		}
	}
	return nil
}

// Emit runs one application log call through the full pipeline
// (spec.md §4.3). level is one of the five-level enumeration, message
// is the free-form short description, and fields are caller-supplied
// event data merged ahead of every enrichment step.
func (l *Logger) Emit(ctx context.Context, level, message string, fields map[string]any) {
	l.pipeline.Process(ctx, level, message, fields)
}

func (l *Logger) Debug(ctx context.Context, message string, fields map[string]any) {
	l.Emit(ctx, "debug", message, fields)
}

func (l *Logger) Info(ctx context.Context, message string, fields map[string]any) {
	l.Emit(ctx, "info", message, fields)
}

func (l *Logger) Warning(ctx context.Context, message string, fields map[string]any) {
	l.Emit(ctx, "warning", message, fields)
}

func (l *Logger) Error(ctx context.Context, message string, fields map[string]any) {
	l.Emit(ctx, "error", message, fields)
}

func (l *Logger) Critical(ctx context.Context, message string, fields map[string]any) {
	l.Emit(ctx, "critical", message, fields)
}

// Middleware returns the HTTP correlation middleware (C7), wired so
// its panic-path diagnostic record flows through this Logger's own
// pipeline.
func (l *Logger) Middleware() func(http.Handler) http.Handler {
	return middleware.New(middleware.Config{TraceHeaderName: l.settings.TraceHeaderName}, pipelinePublisher{l.pipeline})
}

// pipelinePublisher adapts *pipeline.Pipeline to middleware.Publisher.
type pipelinePublisher struct{ p *pipeline.Pipeline }

func (p pipelinePublisher) Process(ctx context.Context, level, message string, fields map[string]any) {
	p.p.Process(ctx, level, message, fields)
}

// Dropped returns the number of events the queue has discarded to
// overflow since Configure, or 0 when queueing is disabled.
func (l *Logger) Dropped() int64 {
	if l.queue == nil {
		return 0
	}
	return l.queue.Dropped()
}

func (l *Logger) buildSinks() error {
	for _, spec := range l.settings.Sinks {
		if spec.Value != nil {
			s, ok := spec.Value.(sink.Sink)
			if !ok {
				return ferror.New(ferror.Configuration, "fapilog", "build_sinks", nil).WithKey("value").WithValue(spec.Value)
			}
			l.sinks = append(l.sinks, s)
			continue
		}
		s, err := l.opts.sinkFactories.CreateFromURI(spec.URI)
		if err != nil {
			return err
		}
		l.sinks = append(l.sinks, s)
	}
	if len(l.sinks) == 0 {
		l.sinks = append(l.sinks, stdoutsink.New(os.Stdout, stdoutsink.FormatJSON, l.opts.logger))
	}
	return nil
}

// buildBuiltinEnrichers registers the two optional fixed-name steps the
// pipeline invokes directly (spec.md §4.3 steps 6-7): "resource" and
// "usercontext". Both are registered unconditionally; whether they run
// is gated by Settings at pipeline.Process time, so toggling the
// setting never requires reconfiguring the registry.
func (l *Logger) buildBuiltinEnrichers() error {
	if err := l.registry.RegisterFunc(enrich.Metadata{Name: "resource", Description: "process memory/CPU snapshot"}, resource.New()); err != nil {
		return err
	}
	return l.registry.RegisterFunc(enrich.Metadata{Name: "usercontext", Description: "request user identity"}, usercontext.New(l.opts.userContextSecret))
}

// buildCustomEnrichers instantiates Settings.Enrichers (step 8's
// custom enricher set) via URI or direct value, registers each under a
// stable name, and records the resulting name set for the pipeline to
// resolve into dependency levels.
func (l *Logger) buildCustomEnrichers() error {
	for i, spec := range l.settings.Enrichers {
		name := fmt.Sprintf("custom-%d", i)
		if spec.Value != nil {
			e, ok := spec.Value.(enrich.Enricher)
			if !ok {
				return ferror.New(ferror.Configuration, "fapilog", "build_enrichers", nil).WithKey("value").WithValue(spec.Value)
			}
			if err := l.registry.RegisterFunc(enrich.Metadata{Name: name}, enrich.Func(e.Enrich)); err != nil {
				return err
			}
			l.customSet = append(l.customSet, name)
			continue
		}
		fn, asyncImpl, err := l.opts.enricherFactories.CreateFromURI(spec.URI)
		if err != nil {
			return err
		}
		if asyncImpl != nil {
			if err := l.registry.RegisterAsync(enrich.Metadata{Name: name}, asyncImpl); err != nil {
				return err
			}
			l.async[name] = enrich.NewAsyncProcessor(name, asyncImpl, asyncFailureThreshold, asyncRecoveryTimeout, asyncCacheTTL, asyncCacheSize, l.opts.logger)
		} else {
			if err := l.registry.RegisterFunc(enrich.Metadata{Name: name}, fn); err != nil {
				return err
			}
		}
		l.customSet = append(l.customSet, name)
	}
	return nil
}

// defaultSinkFactories registers the library's one built-in sink
// scheme. Remote/cloud sinks (Loki, OTLP, S3/GCS/Azure, Kafka/MQTT)
// register themselves into a caller-supplied registry via
// WithSinkFactoryRegistry — C8 itself only guarantees "stdout://"
// always works with zero configuration (spec.md defaults.Sinks).
func defaultSinkFactories(logger *slog.Logger) *sink.Registry {
	r := sink.NewRegistry(logger)
	_ = r.Register("stdout", stdoutsink.NewFactory())
	return r
}

// defaultEnricherFactories registers the two built-in custom enrichers
// that are instantiated by URI rather than run as fixed pipeline steps:
// "useragent://" (sync) and "geoip:///path/to/db.mmdb" (async).
func defaultEnricherFactories(logger *slog.Logger) *enrich.FactoryRegistry {
	r := enrich.NewFactoryRegistry(logger)
	_ = r.Register("useragent", useragent.NewFactory())
	_ = r.Register("geoip", geoipFactory())
	return r
}

func geoipFactory() enrich.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (enrich.Func, enrich.AsyncEnricher, error) {
		return nil, geoip.New(uri.Path), nil
	}
}

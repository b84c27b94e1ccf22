// Package pipeline implements the Event Pipeline (C3): the ordered
// chain of transforms spec.md §4.3 lists, from timestamp attachment
// through rendering or hand-off to the queue. The chain-of-steps shape
// is grounded on the teacher's orchestrator.Digester chain (each step
// receives and returns the mutating record, appended in registration
// order), generalized from ingest-time digesters to emit-time
// processors.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/kluzzebass/fapilog/internal/enrich"
	"github.com/kluzzebass/fapilog/internal/eventctx"
	"github.com/kluzzebass/fapilog/internal/queue"
	"github.com/kluzzebass/fapilog/internal/redact"
	"github.com/kluzzebass/fapilog/internal/settings"
	"github.com/kluzzebass/fapilog/internal/sink"
)

// Enqueuer is the interface the queue-sink step (spec.md §4.3 step 11)
// needs from C6; satisfied by *queue.Worker.
type Enqueuer interface {
	Enqueue(rec queue.Record) bool
}

// Config bundles everything Process needs beyond the event itself.
type Config struct {
	Settings         settings.Settings
	Registry         *enrich.Registry
	AsyncProcessors  map[string]*enrich.AsyncProcessor
	AsyncGroupTTL    time.Duration // default 5s, spec.md §4.4
	Redactor         *redact.Redactor
	Queue            Enqueuer // nil when queueing is disabled
	Sinks            []sink.Sink
	IsTerminal       func() bool // os.Stdout interactivity probe, for console "auto"
	Environment      string      // fed into enrich.ActivationContext
	Logger           *slog.Logger
}

// Pipeline runs every emitted event through the ordered steps of
// spec.md §4.3 and either hands it to the queue or renders it directly.
type Pipeline struct {
	cfg           Config
	enricherNames []string
}

// New builds a Pipeline. enricherNames is the set of custom enrichers
// (by registered name) this pipeline instance should run, already
// filtered to whatever Settings.Enrichers resolved to at configure
// time.
func New(cfg Config, enricherNames []string) (*Pipeline, error) {
	if cfg.AsyncGroupTTL <= 0 {
		cfg.AsyncGroupTTL = 5 * time.Second
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = func() bool { return isTerminalStdout() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{cfg: cfg, enricherNames: enricherNames}, nil
}

// Process runs the full ordered chain for one application log call and
// either enqueues the result (queueing enabled) or writes it directly
// to every configured sink. It never returns an error: failures at each
// step are contained per spec.md §7, surfaced only as counters/
// diagnostics.
func (p *Pipeline) Process(ctx context.Context, level, message string, fields map[string]any) {
	event := make(map[string]any, len(fields)+12)
	for k, v := range fields {
		event[k] = v
	}

	// 1. timestamp
	event["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	// 2. normalize level
	event["level"] = normalizeLevel(level)
	// 3. rename message key
	event["event"] = message
	// 4. format exception info, if present
	if errVal, ok := event["error"]; ok {
		if err, ok := errVal.(error); ok {
			event["error"] = err.Error()
		}
	}

	// 5. correlation enricher: merge C1 context, never overwriting
	// fields the caller already populated.
	for k, v := range eventctx.Get(ctx) {
		setIfAbsent(event, k, v)
	}

	// 6. resource snapshot (optional)
	if p.cfg.Settings.EnableResourceMetrics {
		if _, ok := p.cfg.Registry.GetMetadata("resource"); ok {
			event = p.cfg.Registry.RunSync(ctx, "resource", event)
		}
	}

	// 7. user-context enricher (optional)
	if p.cfg.Settings.UserContextEnabled {
		if _, ok := p.cfg.Registry.GetMetadata("usercontext"); ok {
			event = p.cfg.Registry.RunSync(ctx, "usercontext", event)
		}
	}

	// 8. custom enrichers, dependency-priority ordered, sync and async
	event = p.runCustomEnrichers(ctx, event)

	// 9. redaction, level-gated
	lvl, known := settings.Level(fmt.Sprint(event["level"])), true
	if _, ok := event["level"].(string); !ok {
		known = false
	}
	if p.cfg.Redactor != nil {
		if !known || lvl.Rank() >= p.cfg.Settings.RedactLevel.Rank() {
			event = p.cfg.Redactor.Apply(event)
		}
	}

	// 10. sampling
	if rate := p.cfg.Settings.SamplingRate; rate < 1.0 {
		if rand.Float64() >= rate {
			return // dropped
		}
	}

	// 11. render / enqueue
	if p.cfg.Settings.QueueEnabled && p.cfg.Queue != nil {
		p.cfg.Queue.Enqueue(queue.Record{Event: event, Sinks: p.cfg.Sinks})
		return
	}
	p.writeDirect(ctx, event)
}

func (p *Pipeline) writeDirect(ctx context.Context, event map[string]any) {
	for _, s := range p.cfg.Sinks {
		if err := s.Write(ctx, event); err != nil {
			p.cfg.Logger.Debug("sink write failed", "error", err)
		}
	}
}

// runCustomEnrichers resolves the requested enrichers into dependency
// levels and runs each level's sync members sequentially (cheap, no
// need for goroutines) and async members concurrently via
// enrich.RunGroup, matching spec.md §4.4's "concurrent within a level,
// sequential across levels."
func (p *Pipeline) runCustomEnrichers(ctx context.Context, event map[string]any) map[string]any {
	if p.cfg.Registry == nil || len(p.enricherNames) == 0 {
		return event
	}
	levels, err := p.cfg.Registry.ResolveLevels(p.enricherNames)
	if err != nil {
		p.cfg.Logger.Debug("enricher dependency resolution failed, skipping custom enrichers", "error", err)
		return event
	}

	ac := enrich.ActivationContext{Environment: p.cfg.Environment, Level: fmt.Sprint(event["level"]), Event: event}

	for _, group := range levels {
		var asyncNames []string
		for _, name := range group {
			if !p.cfg.Registry.Activate(name, ac) {
				continue
			}
			meta, ok := p.cfg.Registry.GetMetadata(name)
			if !ok {
				continue
			}
			if meta.Async {
				asyncNames = append(asyncNames, name)
				continue
			}
			event = p.cfg.Registry.RunSync(ctx, name, event)
		}
		if len(asyncNames) > 0 && p.cfg.AsyncProcessors != nil {
			event = enrich.RunGroup(ctx, p.cfg.AsyncProcessors, asyncNames, event, p.cfg.AsyncGroupTTL)
		}
	}
	return event
}

// Render serializes event per Settings.ConsoleFormat ("auto" resolves
// to pretty iff stdout is a terminal, else JSON), for direct (queue-
// disabled) sinks and for tests that want the terminal rendering
// without a live sink.
func (p *Pipeline) Render(event map[string]any) ([]byte, error) {
	format := p.cfg.Settings.ConsoleFormat
	if format == settings.ConsoleAuto {
		if p.cfg.IsTerminal() {
			format = settings.ConsolePretty
		} else {
			format = settings.ConsoleJSON
		}
	}
	if format == settings.ConsolePretty {
		return []byte(renderPretty(event)), nil
	}
	return json.Marshal(event)
}

func renderPretty(event map[string]any) string {
	ts, _ := event["timestamp"].(string)
	level, _ := event["level"].(string)
	msg, _ := event["event"].(string)

	keys := make([]string, 0, len(event))
	for k := range event {
		switch k {
		case "timestamp", "level", "event":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := fmt.Sprintf("%s [%s] %s", ts, level, msg)
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%v", k, event[k])
	}
	return out
}

func setIfAbsent(event map[string]any, key string, v any) {
	if _, exists := event[key]; !exists {
		event[key] = v
	}
}

func normalizeLevel(level string) string {
	switch level {
	case "debug", "info", "warning", "error", "critical":
		return level
	case "warn":
		return "warning"
	case "crit", "fatal":
		return "critical"
	default:
		return "info"
	}
}

func isTerminalStdout() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

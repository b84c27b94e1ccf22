// Package settings parses and validates the library's configuration
// (C2). Settings are sourced from an environment mapping (normally
// os.Environ(), wrapped by Load) plus optional programmatic overrides,
// and produce an immutable, validated Settings value.
//
// Field validation follows the teacher's internal/config convention:
// one check per field, each failure reported as a *ferror.Error naming
// the field and the offending value.
package settings

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kluzzebass/fapilog/internal/ferror"
)

// Level is one of the five enumerated severities.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelDebug: 0, LevelInfo: 1, LevelWarning: 2, LevelError: 3, LevelCritical: 4,
}

// Rank returns the ordinal rank of the level, for ">=" comparisons.
func (l Level) Rank() int { return levelRank[l] }

func parseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	case "critical", "crit", "fatal":
		return LevelCritical, true
	default:
		return "", false
	}
}

// ConsoleFormat selects stdout rendering.
type ConsoleFormat string

const (
	ConsoleAuto   ConsoleFormat = "auto"
	ConsoleJSON   ConsoleFormat = "json"
	ConsolePretty ConsoleFormat = "pretty"
)

// OverflowStrategy selects queue overflow behavior.
type OverflowStrategy string

const (
	OverflowDrop   OverflowStrategy = "drop"
	OverflowSample OverflowStrategy = "sample"
)

// SinkSpec is the tagged union "sinks as URIs or direct values"
// (spec.md §9 "mixed settings list"). Exactly one of URI or Value is set.
type SinkSpec struct {
	URI   string
	Value any // a sink.Sink, opaque to this package
}

// EnricherSpec mirrors SinkSpec for the enrichers list.
type EnricherSpec struct {
	URI   string
	Value any // an enrich.Enricher, opaque to this package
}

// Settings is the validated, immutable configuration value.
type Settings struct {
	Level               Level
	Sinks               []SinkSpec
	ConsoleFormat       ConsoleFormat
	RedactFields        []string
	RedactPatterns      []string
	RedactReplacement   string
	RedactLevel         Level
	SamplingRate        float64
	QueueEnabled        bool
	QueueSize           int
	BatchSize           int
	BatchTimeout        time.Duration
	RetryDelay          time.Duration
	MaxRetries          int
	OverflowStrategy    OverflowStrategy
	TraceHeaderName     string
	EnableResourceMetrics       bool
	EnableHTTPXTracePropagation bool
	Enrichers           []EnricherSpec
	EnricherConditions  map[string]string
	UserContextEnabled  bool
}

// defaults returns the baseline settings applied before environment and
// override parsing.
func defaults() Settings {
	return Settings{
		Level:             LevelInfo,
		Sinks:             []SinkSpec{{URI: "stdout://json"}},
		ConsoleFormat:     ConsoleAuto,
		RedactReplacement: "REDACTED",
		RedactLevel:       LevelInfo,
		SamplingRate:      1.0,
		QueueEnabled:      true,
		QueueSize:         1024,
		BatchSize:         32,
		BatchTimeout:      1 * time.Second,
		RetryDelay:        200 * time.Millisecond,
		MaxRetries:        3,
		OverflowStrategy:  OverflowDrop,
		TraceHeaderName:   "X-Request-ID",
	}
}

// Option applies a programmatic override on top of environment-derived
// settings. Options run after environment parsing, so they win.
type Option func(*Settings)

// WithLevel overrides the Level setting. Level is validated and stored
// only; no component of this module drops events below it.
func WithLevel(l Level) Option { return func(s *Settings) { s.Level = l } }

// WithSinks overrides the sink list entirely.
func WithSinks(sinks ...SinkSpec) Option { return func(s *Settings) { s.Sinks = sinks } }

// WithEnrichers overrides the enricher list entirely.
func WithEnrichers(enrichers ...EnricherSpec) Option {
	return func(s *Settings) { s.Enrichers = enrichers }
}

// WithQueueEnabled overrides queue_enabled.
func WithQueueEnabled(v bool) Option { return func(s *Settings) { s.QueueEnabled = v } }

// Load parses environment variables prefixed FAPILOG_ plus any
// programmatic overrides, validates the result, and returns an
// immutable Settings value.
func Load(environ map[string]string, opts ...Option) (Settings, error) {
	s := defaults()

	if v, ok := lookup(environ, "LEVEL"); ok {
		lvl, ok := parseLevel(v)
		if !ok {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_level", nil).
				WithKey("FAPILOG_LEVEL").WithValue(v)
		}
		s.Level = lvl
	}
	if v, ok := lookup(environ, "SINKS"); ok {
		var specs []SinkSpec
		for _, item := range splitList(v) {
			specs = append(specs, SinkSpec{URI: item})
		}
		s.Sinks = specs
	}
	if v, ok := lookup(environ, "JSON_CONSOLE"); ok {
		b, err := parseBool(v)
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_bool", err).WithKey("FAPILOG_JSON_CONSOLE").WithValue(v)
		}
		if b {
			s.ConsoleFormat = ConsoleJSON
		} else {
			s.ConsoleFormat = ConsolePretty
		}
	}
	if v, ok := lookup(environ, "REDACT_PATTERNS"); ok {
		s.RedactPatterns = splitList(v)
	}
	if v, ok := lookup(environ, "REDACT_FIELDS"); ok {
		s.RedactFields = splitList(v)
	}
	if v, ok := lookup(environ, "REDACT_LEVEL"); ok {
		lvl, ok := parseLevel(v)
		if !ok {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_level", nil).WithKey("FAPILOG_REDACT_LEVEL").WithValue(v)
		}
		s.RedactLevel = lvl
	}
	if v, ok := lookup(environ, "REDACT_REPLACEMENT"); ok {
		s.RedactReplacement = v
	}
	if v, ok := lookup(environ, "SAMPLING_RATE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_float", err).WithKey("FAPILOG_SAMPLING_RATE").WithValue(v)
		}
		s.SamplingRate = f
	}
	if v, ok := lookup(environ, "QUEUE_ENABLED"); ok {
		b, err := parseBool(v)
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_bool", err).WithKey("FAPILOG_QUEUE_ENABLED").WithValue(v)
		}
		s.QueueEnabled = b
	}
	if v, ok := lookup(environ, "QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_int", err).WithKey("FAPILOG_QUEUE_SIZE").WithValue(v)
		}
		s.QueueSize = n
	}
	if v, ok := lookup(environ, "QUEUE_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_int", err).WithKey("FAPILOG_QUEUE_BATCH_SIZE").WithValue(v)
		}
		s.BatchSize = n
	}
	if v, ok := lookup(environ, "QUEUE_BATCH_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_duration", err).WithKey("FAPILOG_QUEUE_BATCH_TIMEOUT").WithValue(v)
		}
		s.BatchTimeout = d
	}
	if v, ok := lookup(environ, "QUEUE_RETRY_DELAY"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_duration", err).WithKey("FAPILOG_QUEUE_RETRY_DELAY").WithValue(v)
		}
		s.RetryDelay = d
	}
	if v, ok := lookup(environ, "QUEUE_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_int", err).WithKey("FAPILOG_QUEUE_MAX_RETRIES").WithValue(v)
		}
		s.MaxRetries = n
	}
	if v, ok := lookup(environ, "QUEUE_OVERFLOW"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "drop":
			s.OverflowStrategy = OverflowDrop
		case "sample":
			s.OverflowStrategy = OverflowSample
		default:
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_overflow", nil).WithKey("FAPILOG_QUEUE_OVERFLOW").WithValue(v)
		}
	}
	if v, ok := lookup(environ, "ENABLE_RESOURCE_METRICS"); ok {
		b, err := parseBool(v)
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_bool", err).WithKey("FAPILOG_ENABLE_RESOURCE_METRICS").WithValue(v)
		}
		s.EnableResourceMetrics = b
	}
	if v, ok := lookup(environ, "ENABLE_HTTPX_TRACE_PROPAGATION"); ok {
		b, err := parseBool(v)
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_bool", err).WithKey("FAPILOG_ENABLE_HTTPX_TRACE_PROPAGATION").WithValue(v)
		}
		s.EnableHTTPXTracePropagation = b
	}
	if v, ok := lookup(environ, "TRACE_HEADER_NAME"); ok && v != "" {
		s.TraceHeaderName = v
	}
	if v, ok := lookup(environ, "USER_CONTEXT_ENABLED"); ok {
		b, err := parseBool(v)
		if err != nil {
			return Settings{}, ferror.New(ferror.Configuration, "settings", "parse_bool", err).WithKey("FAPILOG_USER_CONTEXT_ENABLED").WithValue(v)
		}
		s.UserContextEnabled = b
	}
	if v, ok := lookup(environ, "ENRICHERS"); ok {
		var specs []EnricherSpec
		for _, item := range splitList(v) {
			specs = append(specs, EnricherSpec{URI: item})
		}
		s.Enrichers = specs
	}

	for _, opt := range opts {
		opt(&s)
	}

	if err := validate(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadFromOS is a convenience wrapper around Load(os.Environ()-derived map).
func LoadFromOS(opts ...Option) (Settings, error) {
	return Load(environToMap(os.Environ()), opts...)
}

func environToMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func lookup(environ map[string]string, suffix string) (string, bool) {
	v, ok := environ["FAPILOG_"+suffix]
	return v, ok
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

var truthy = map[string]bool{"true": true, "1": true, "yes": true}
var falsy = map[string]bool{"false": true, "0": true, "no": true}

func parseBool(v string) (bool, error) {
	lower := strings.ToLower(strings.TrimSpace(v))
	if truthy[lower] {
		return true, nil
	}
	if falsy[lower] {
		return false, nil
	}
	return false, ferror.New(ferror.Configuration, "settings", "parse_bool", nil).WithValue(v)
}

var schemeRe = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

func validate(s Settings) error {
	if _, ok := levelRank[s.Level]; !ok {
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("level").WithValue(s.Level)
	}
	switch s.ConsoleFormat {
	case ConsoleAuto, ConsoleJSON, ConsolePretty:
	default:
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("console_format").WithValue(s.ConsoleFormat)
	}
	if s.SamplingRate < 0 || s.SamplingRate > 1 {
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("sampling_rate").WithValue(s.SamplingRate)
	}
	if s.QueueSize < 1 {
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("queue_size").WithValue(s.QueueSize)
	}
	if s.BatchSize < 1 {
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("batch_size").WithValue(s.BatchSize)
	}
	if s.BatchTimeout <= 0 {
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("batch_timeout").WithValue(s.BatchTimeout)
	}
	switch s.OverflowStrategy {
	case OverflowDrop, OverflowSample:
	default:
		return ferror.New(ferror.Configuration, "settings", "validate", nil).WithKey("overflow_strategy").WithValue(s.OverflowStrategy)
	}
	for _, sink := range s.Sinks {
		if sink.URI == "" {
			continue
		}
		if err := validateSchemeGrammar(sink.URI); err != nil {
			return err
		}
	}
	for _, enr := range s.Enrichers {
		if enr.URI == "" {
			continue
		}
		if err := validateSchemeGrammar(enr.URI); err != nil {
			return err
		}
	}
	return nil
}

// validateSchemeGrammar checks the restricted scheme grammar of spec.md
// §3/§6: lowercase letter, then lowercase letters/digits/+.-; no
// underscore (which gets a specific, actionable diagnostic).
func validateSchemeGrammar(uri string) error {
	i := strings.Index(uri, "://")
	if i < 0 {
		return ferror.New(ferror.Configuration, "settings", "validate_uri", nil).WithValue(uri)
	}
	scheme := uri[:i]
	if strings.Contains(scheme, "_") {
		return ferror.New(ferror.Configuration, "settings", "validate_uri",
			nil).WithValue(uri).WithKey("scheme: underscores are not allowed, use hyphens instead, e.g. " + strings.ReplaceAll(scheme, "_", "-"))
	}
	if !schemeRe.MatchString(scheme) {
		return ferror.New(ferror.Configuration, "settings", "validate_uri", nil).WithValue(uri).WithKey("scheme")
	}
	return nil
}

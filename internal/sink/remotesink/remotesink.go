// Package remotesink implements the Loki-style aggregator HTTP sink
// (spec.md §4.6): events are grouped into label-keyed streams and
// posted as a single payload per flush, with exponential backoff retry
// on network/5xx/429 failures and immediate drop on other 4xx.
//
// The context-cancellable wait in the retry loop is grounded on
// server/ratelimit.go's background-sweep pattern; the loop itself runs
// on the caller's goroutine. golang.org/x/time/rate is not used here
// since retry pacing is a fixed exponential schedule, not a token bucket.
package remotesink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Config holds the constructor parameters named in spec.md §4.6.
type Config struct {
	Endpoint        string
	Headers         map[string]string
	TenantHeader    string
	TenantID        string
	StreamLabels    []string // event keys used to compute each stream's label set
	BatchSize       int
	FlushInterval   time.Duration
	MaxRetries      int
	BackoffBaseSecs float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBaseSecs <= 0 {
		c.BackoffBaseSecs = 1
	}
	return c
}

// Sink batches events by stream label and delivers them over HTTP.
type Sink struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New constructs a remote sink. Batching/flush-interval pacing is the
// queue worker's job (C6); Sink itself is called with whatever batch
// the caller assembles and only handles the wire format and retry.
func New(cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{cfg: cfg.withDefaults(), client: &http.Client{Timeout: 30 * time.Second}, logger: logger}
}

// NewFactory returns a sink.Factory for the "loki" scheme, e.g.
// "loki://aggregator.internal:3100/loki/api/v1/push?tenant=team-a&batch_size=200".
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.remote", "new_factory", nil).WithKey("host")
		}
		scheme := "https"
		if uri.Params["insecure"] == "true" {
			scheme = "http"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, uri.Host)
		if uri.Port != "" {
			endpoint = fmt.Sprintf("%s://%s:%s", scheme, uri.Host, uri.Port)
		}
		if uri.Path != "" {
			endpoint += uri.Path
		} else {
			endpoint += "/loki/api/v1/push"
		}

		batchSize, err := uri.Int("batch_size", 100)
		if err != nil {
			return nil, err
		}
		flushSecs, err := uri.Float64("flush_interval_s", 5)
		if err != nil {
			return nil, err
		}
		maxRetries, err := uri.Int("max_retries", 5)
		if err != nil {
			return nil, err
		}
		backoffBase, err := uri.Float64("backoff_base_s", 1)
		if err != nil {
			return nil, err
		}

		cfg := Config{
			Endpoint:        endpoint,
			TenantHeader:    "X-Scope-OrgID",
			TenantID:        uri.String("tenant", ""),
			StreamLabels:    []string{"level", "service"},
			BatchSize:       batchSize,
			FlushInterval:   time.Duration(flushSecs * float64(time.Second)),
			MaxRetries:      maxRetries,
			BackoffBaseSecs: backoffBase,
		}
		return New(cfg, logger), nil
	}
}

// streamEntry is a single (timestamp nanoseconds, line) pair.
type streamEntry [2]string

// WriteBatch groups events into streams by label and posts one payload
// for the whole batch, retrying with exponential backoff on transient
// failures per spec.md §4.6.
func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := s.buildPayload(events)
	if err != nil {
		return err
	}
	return s.postWithRetry(ctx, payload)
}

// Write delivers a single event by wrapping it as a one-element batch.
func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	return s.WriteBatch(ctx, []sink.Event{event})
}

func (s *Sink) buildPayload(events []sink.Event) ([]byte, error) {
	type stream struct {
		labels  map[string]string
		entries []streamEntry
	}
	grouped := map[string]*stream{}
	var order []string

	for _, e := range events {
		labels := s.labelsFor(e)
		key := labelKey(labels)
		st, ok := grouped[key]
		if !ok {
			st = &stream{labels: labels}
			grouped[key] = st
			order = append(order, key)
		}
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		ts := fmt.Sprintf("%d", time.Now().UnixNano())
		if v, ok := e["_ts_unix_nano"].(string); ok && v != "" {
			ts = v
		}
		st.entries = append(st.entries, streamEntry{ts, string(line)})
	}

	out := struct {
		Streams []map[string]any `json:"streams"`
	}{}
	for _, key := range order {
		st := grouped[key]
		out.Streams = append(out.Streams, map[string]any{
			"stream": st.labels,
			"values": st.entries,
		})
	}
	return json.Marshal(out)
}

func (s *Sink) labelsFor(e sink.Event) map[string]string {
	labels := make(map[string]string, len(s.cfg.StreamLabels))
	for _, k := range s.cfg.StreamLabels {
		if v, ok := e[k]; ok {
			labels[k] = fmt.Sprintf("%v", v)
		}
	}
	return labels
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += k + "=" + labels[k] + ";"
	}
	return key
}

// postWithRetry posts payload to the configured endpoint, retrying
// network errors, 5xx, and 429 with exponential backoff. Any other 4xx
// is dropped immediately. Retries stop early if ctx is cancelled.
func (s *Sink) postWithRetry(ctx context.Context, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(s.cfg.BackoffBaseSecs, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, err := s.post(ctx, payload)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err == nil && status >= 400 && status < 500 && status != 429 {
			s.logger.Error("remote sink: dropping batch, non-retryable status", "status", status, "endpoint", s.cfg.Endpoint)
			return ferror.New(ferror.Sink, "sink.remote", "post", nil).WithKey("status").WithValue(status)
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = ferror.New(ferror.Sink, "sink.remote", "post", nil).WithKey("status").WithValue(status)
		}
	}
	s.logger.Error("remote sink: retry budget exhausted, dropping batch", "endpoint", s.cfg.Endpoint, "error", lastErr)
	return lastErr
}

func backoffDelay(baseSecs float64, attempt int) time.Duration {
	secs := baseSecs * float64(int(1)<<uint(attempt-1))
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs * float64(time.Second))
}

func (s *Sink) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if s.cfg.TenantID != "" && s.cfg.TenantHeader != "" {
		req.Header.Set(s.cfg.TenantHeader, s.cfg.TenantID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Package otlpsink implements the "otlp+http://" sink variant: events
// are translated into an OTLP ExportLogsServiceRequest and POSTed as
// binary protobuf, per spec.md §9's resolution of the "second
// Open Question" (SPEC_FULL.md §3): the remote sink's wire format is
// pluggable, and this is the second concrete format alongside the
// Loki-style grouped-stream format in sibling package remotesink.
//
// Grounded on the teacher's internal/ingester/otlp package for the
// factory/config shape (reversed here: we are a client posting
// requests, not a server receiving them).
package otlpsink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Config holds the constructor parameters for the OTLP/HTTP sink.
type Config struct {
	Endpoint        string // full URL to the /v1/logs collector endpoint
	Headers         map[string]string
	ServiceName     string
	MaxRetries      int
	BackoffBaseSecs float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBaseSecs <= 0 {
		c.BackoffBaseSecs = 1
	}
	return c
}

// Sink posts batches of events as OTLP log records over HTTP.
type Sink struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{cfg: cfg.withDefaults(), client: &http.Client{Timeout: 30 * time.Second}, logger: logger}
}

// NewFactory returns a sink.Factory for the "otlp+http" scheme, e.g.
// "otlp+http://collector.internal:4318/v1/logs?service=checkout-api".
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.otlp", "new_factory", nil).WithKey("host")
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
			endpoint += "/v1/logs"
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
			ServiceName:     uri.String("service", "fapilog"),
			MaxRetries:      maxRetries,
			BackoffBaseSecs: backoffBase,
		}
		return New(cfg, logger), nil
	}
}

func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	return s.WriteBatch(ctx, []sink.Event{event})
}

func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	if len(events) == 0 {
		return nil
	}
	req := s.buildRequest(events)
	body, err := proto.Marshal(req)
	if err != nil {
		return err
	}
	return s.postWithRetry(ctx, body)
}

func (s *Sink) buildRequest(events []sink.Event) *collogspb.ExportLogsServiceRequest {
	records := make([]*logspb.LogRecord, 0, len(events))
	for _, e := range events {
		records = append(records, eventToLogRecord(e))
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{
						{Key: "service.name", Value: stringValue(s.cfg.ServiceName)},
					},
				},
				ScopeLogs: []*logspb.ScopeLogs{
					{LogRecords: records},
				},
			},
		},
	}
}

func eventToLogRecord(e sink.Event) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		TimeUnixNano:   uint64(time.Now().UnixNano()),
		SeverityNumber: severityFor(fmt.Sprintf("%v", e["level"])),
		SeverityText:   fmt.Sprintf("%v", e["level"]),
	}
	if msg, ok := e["event"]; ok {
		rec.Body = stringValue(fmt.Sprintf("%v", msg))
	}
	for k, v := range e {
		switch k {
		case "level", "event":
			continue
		}
		rec.Attributes = append(rec.Attributes, &commonpb.KeyValue{
			Key:   k,
			Value: stringValue(fmt.Sprintf("%v", v)),
		})
	}
	return rec
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func severityFor(level string) logspb.SeverityNumber {
	switch level {
	case "debug":
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
	case "info":
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	case "warning", "warn":
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	case "error":
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	case "critical", "fatal":
		return logspb.SeverityNumber_SEVERITY_NUMBER_FATAL
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED
	}
}

// postWithRetry mirrors remotesink's retry schedule exactly, per
// spec.md §4.6 — the OTLP variant differs only in wire format.
func (s *Sink) postWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			secs := s.cfg.BackoffBaseSecs * float64(int(1)<<uint(attempt-1))
			if secs > 60 {
				secs = 60
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(secs * float64(time.Second))):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-protobuf")
		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()

		if status >= 200 && status < 300 {
			return nil
		}
		if status >= 400 && status < 500 && status != 429 {
			s.logger.Error("otlp sink: dropping batch, non-retryable status", "status", status, "endpoint", s.cfg.Endpoint)
			return ferror.New(ferror.Sink, "sink.otlp", "post", nil).WithKey("status").WithValue(status)
		}
		lastErr = ferror.New(ferror.Sink, "sink.otlp", "post", nil).WithKey("status").WithValue(status)
	}
	s.logger.Error("otlp sink: retry budget exhausted, dropping batch", "endpoint", s.cfg.Endpoint, "error", lastErr)
	return lastErr
}

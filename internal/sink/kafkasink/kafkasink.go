// Package kafkasink implements the "kafka://" sink: each event is
// JSON-encoded and published to a Kafka topic via
// github.com/twmb/franz-go, one of the pack's message-broker clients.
package kafkasink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Producer is the minimal surface of *kgo.Client this sink needs, so
// tests can substitute a fake without a live broker.
type Producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// Sink publishes each event as one Kafka record keyed by its trace ID
// (when present), so records from a single request land on the same
// partition.
type Sink struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	closeFn  func() error
	mu       sync.Mutex
}

func New(producer Producer, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{producer: producer, topic: topic, logger: logger}
}

// NewFactory returns a sink.Factory for the "kafka" scheme, e.g.
// "kafka://broker1:9092,broker2:9092/my-topic".
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.kafka", "new_factory", nil).WithKey("brokers")
		}
		topic := strings.TrimPrefix(uri.Path, "/")
		if topic == "" {
			return nil, ferror.New(ferror.Configuration, "sink.kafka", "new_factory", nil).WithKey("topic")
		}
		brokers := strings.Split(uri.Host, ",")
		if uri.Port != "" {
			for i, b := range brokers {
				if !strings.Contains(b, ":") {
					brokers[i] = b + ":" + uri.Port
				}
			}
		}

		client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
		if err != nil {
			return nil, ferror.New(ferror.Configuration, "sink.kafka", "new_factory", err)
		}
		s := New(client, topic, logger)
		s.closeFn = func() error { client.Close(); return nil }
		return s, nil
	}
}

func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	return s.WriteBatch(ctx, []sink.Event{event})
}

func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		rec := &kgo.Record{Topic: s.topic, Value: b}
		if traceID, ok := e["trace_id"].(string); ok && traceID != "" {
			rec.Key = []byte(traceID)
		}
		records = append(records, rec)
	}

	results := s.producer.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return ferror.New(ferror.Sink, "sink.kafka", "write_batch", err).WithKey("topic").WithValue(s.topic)
	}
	return nil
}

func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

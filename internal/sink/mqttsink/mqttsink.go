// Package mqttsink implements the "mqtt://" sink: each event is
// JSON-encoded and published to an MQTT topic via
// github.com/eclipse/paho.mqtt.golang.
package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Publisher is the minimal surface of mqtt.Client this sink needs, so
// tests can substitute a fake without a live broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Sink publishes one MQTT message per event.
type Sink struct {
	client   Publisher
	topic    string
	qos      byte
	waitTime time.Duration
	logger   *slog.Logger
}

func New(client Publisher, topic string, qos byte, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{client: client, topic: topic, qos: qos, waitTime: 5 * time.Second, logger: logger}
}

// NewFactory returns a sink.Factory for the "mqtt" scheme, e.g.
// "mqtt://broker.internal:1883/logs/app?qos=1".
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.mqtt", "new_factory", nil).WithKey("broker")
		}
		topic := strings.TrimPrefix(uri.Path, "/")
		if topic == "" {
			return nil, ferror.New(ferror.Configuration, "sink.mqtt", "new_factory", nil).WithKey("topic")
		}
		qos, err := uri.Int("qos", 0)
		if err != nil {
			return nil, err
		}
		if qos < 0 || qos > 2 {
			return nil, ferror.New(ferror.Configuration, "sink.mqtt", "new_factory", nil).WithKey("qos").WithValue(qos)
		}

		port := uri.Port
		if port == "" {
			port = "1883"
		}
		opts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("tcp://%s:%s", uri.Host, port)).
			SetClientID(uri.String("client_id", "fapilog"))
		if uri.User != "" {
			opts.SetUsername(uri.User)
			opts.SetPassword(uri.Password)
		}
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return nil, ferror.New(ferror.Configuration, "sink.mqtt", "new_factory", token.Error())
		}
		return New(client, topic, byte(qos), logger), nil
	}
}

func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, s.qos, false, b)
	if !token.WaitTimeout(s.waitTime) {
		return ferror.New(ferror.Sink, "sink.mqtt", "write", nil).WithKey("topic").WithValue(s.topic)
	}
	if err := token.Error(); err != nil {
		return ferror.New(ferror.Sink, "sink.mqtt", "write", err).WithKey("topic").WithValue(s.topic)
	}
	return nil
}

func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	for _, e := range events {
		if err := s.Write(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

package mqttsink

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err error
}

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeToken) Error() error                   { return f.err }

type fakePublisher struct {
	topic    string
	qos      byte
	retained bool
	payload  any
	err      error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	f.topic = topic
	f.qos = qos
	f.retained = retained
	f.payload = payload
	return &fakeToken{err: f.err}
}

func TestWritePublishesJSONPayload(t *testing.T) {
	fp := &fakePublisher{}
	s := New(fp, "logs/app", 1, nil)
	if err := s.Write(context.Background(), map[string]any{"event": "a"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if fp.topic != "logs/app" {
		t.Errorf("topic = %q, want logs/app", fp.topic)
	}
	if fp.qos != 1 {
		t.Errorf("qos = %d, want 1", fp.qos)
	}
	payload, ok := fp.payload.([]byte)
	if !ok || len(payload) == 0 {
		t.Fatalf("expected non-empty []byte payload, got %v", fp.payload)
	}
}

func TestWriteBatchPublishesEachEvent(t *testing.T) {
	fp := &fakePublisher{}
	s := New(fp, "logs/app", 0, nil)
	events := []map[string]any{{"event": "a"}, {"event": "b"}}
	if err := s.WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
}

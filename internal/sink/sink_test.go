package sink

import (
	"context"
	"log/slog"
	"testing"

	"github.com/kluzzebass/fapilog/internal/uriconf"
)

type fakeSink struct {
	written []Event
	batches [][]Event
	started bool
	stopped bool
}

func (f *fakeSink) Write(ctx context.Context, event Event) error {
	f.written = append(f.written, event)
	return nil
}

type fakeBatchSink struct {
	fakeSink
}

func (f *fakeBatchSink) WriteBatch(ctx context.Context, events []Event) error {
	f.batches = append(f.batches, events)
	return nil
}

type fakeLifecycleSink struct {
	fakeSink
}

func (f *fakeLifecycleSink) Start(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *fakeLifecycleSink) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func TestWriteBatchFallsBackToSequentialWrite(t *testing.T) {
	f := &fakeSink{}
	events := []Event{{"a": 1}, {"a": 2}}
	if err := WriteBatch(context.Background(), f, events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if len(f.written) != 2 {
		t.Fatalf("expected 2 sequential writes, got %d", len(f.written))
	}
}

func TestWriteBatchUsesBatchWriterWhenAvailable(t *testing.T) {
	f := &fakeBatchSink{}
	events := []Event{{"a": 1}, {"a": 2}}
	if err := WriteBatch(context.Background(), f, events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if len(f.batches) != 1 || len(f.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got %v", f.batches)
	}
	if len(f.written) != 0 {
		t.Fatalf("expected no sequential writes when WriteBatch is used")
	}
}

func TestStartStopAreNoOpsWhenUnimplemented(t *testing.T) {
	f := &fakeSink{}
	if err := Start(context.Background(), f); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := Stop(context.Background(), f); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartStopInvokeLifecycleWhenImplemented(t *testing.T) {
	f := &fakeLifecycleSink{}
	if err := Start(context.Background(), f); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.started {
		t.Errorf("expected Start to be called")
	}
	if err := Stop(context.Background(), f); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !f.stopped {
		t.Errorf("expected Stop to be called")
	}
}

func fakeFactory(uri uriconf.Parsed, logger *slog.Logger) (Sink, error) {
	return &fakeSink{}, nil
}

func TestRegistryRejectsDuplicateScheme(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("stdout", fakeFactory); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("stdout", fakeFactory); err == nil {
		t.Fatal("expected error registering duplicate scheme")
	}
}

func TestRegistryCreateFromURI(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("stdout", fakeFactory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s, err := r.CreateFromURI("stdout://json")
	if err != nil {
		t.Fatalf("CreateFromURI: %v", err)
	}
	if _, ok := s.(*fakeSink); !ok {
		t.Fatalf("expected *fakeSink, got %T", s)
	}
}

func TestRegistryCreateFromURIUnknownScheme(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.CreateFromURI("mystery://host"); err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestRegistryCreateFromURIUnderscoreSchemeDiagnostic(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.CreateFromURI("my_sink://host")
	if err == nil {
		t.Fatal("expected error for underscore scheme")
	}
}

func TestRegistrySchemesListsRegistered(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("stdout", fakeFactory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("file", fakeFactory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	schemes := r.Schemes()
	if len(schemes) != 2 {
		t.Fatalf("expected 2 schemes, got %v", schemes)
	}
}

package gcssink

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

type fakeWriter struct {
	bytes.Buffer
	closed bool
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestWriteBatchEncodesNDJSONAndUsesPrefix(t *testing.T) {
	var captured *fakeWriter
	s := &Sink{
		open: func(ctx context.Context, key string) ObjectWriter {
			captured = &fakeWriter{}
			return captured
		},
		prefix: "logs/app",
	}

	events := []map[string]any{
		{"event": "a"},
		{"event": "b"},
	}
	if err := s.WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if captured == nil {
		t.Fatal("expected object writer to be opened")
	}
	if !captured.closed {
		t.Error("expected writer to be closed")
	}
	lines := strings.Split(strings.TrimSpace(captured.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %q", len(lines), captured.String())
	}
}

func TestObjectKeyUsesPrefix(t *testing.T) {
	s := &Sink{prefix: "logs/app"}
	key := s.objectKey()
	if !strings.HasPrefix(key, "logs/app/") {
		t.Errorf("key = %q, expected prefix logs/app/", key)
	}
	if !strings.HasSuffix(key, ".ndjson") {
		t.Errorf("key = %q, expected .ndjson suffix", key)
	}
}

func TestWriteBatchEmptyIsNoOp(t *testing.T) {
	opened := false
	s := &Sink{open: func(ctx context.Context, key string) ObjectWriter {
		opened = true
		return &fakeWriter{}
	}}
	if err := s.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if opened {
		t.Error("expected no writer to be opened for empty batch")
	}
}

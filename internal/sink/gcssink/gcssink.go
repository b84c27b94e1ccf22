// Package gcssink implements the "gcs://" sink: batches of events are
// newline-delimited-JSON encoded and written as timestamped objects to
// a Google Cloud Storage bucket/prefix via cloud.google.com/go/storage.
package gcssink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// ObjectWriter is the minimal surface of *storage.Writer this sink
// needs, so tests can substitute a fake without a live GCS project.
type ObjectWriter interface {
	io.WriteCloser
}

// BucketHandle is the subset of *storage.BucketHandle used here.
type BucketHandle interface {
	Object(name string) *storage.ObjectHandle
}

// Sink writes each flushed batch as one NDJSON object.
type Sink struct {
	open   func(ctx context.Context, key string) ObjectWriter
	prefix string
	logger *slog.Logger
}

// New constructs a sink from a bucket handle.
func New(bucket BucketHandle, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{
		open: func(ctx context.Context, key string) ObjectWriter {
			return bucket.Object(key).NewWriter(ctx)
		},
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// NewFactory returns a sink.Factory for the "gcs" scheme, e.g.
// "gcs://my-bucket/logs/app".
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.gcs", "new_factory", nil).WithKey("bucket")
		}
		client, err := storage.NewClient(context.Background())
		if err != nil {
			return nil, ferror.New(ferror.Configuration, "sink.gcs", "new_factory", err)
		}
		return New(client.Bucket(uri.Host), uri.Path, logger), nil
	}
}

func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	return s.WriteBatch(ctx, []sink.Event{event})
}

func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	key := s.objectKey()
	w := s.open(ctx, key)
	if _, err := io.Copy(w, &buf); err != nil {
		w.Close()
		return ferror.New(ferror.Sink, "sink.gcs", "write_batch", err).WithKey("key").WithValue(key)
	}
	if err := w.Close(); err != nil {
		return ferror.New(ferror.Sink, "sink.gcs", "write_batch", err).WithKey("key").WithValue(key)
	}
	return nil
}

func (s *Sink) objectKey() string {
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	if s.prefix == "" {
		return fmt.Sprintf("%s.ndjson", ts)
	}
	return fmt.Sprintf("%s/%s.ndjson", strings.TrimPrefix(s.prefix, "/"), ts)
}

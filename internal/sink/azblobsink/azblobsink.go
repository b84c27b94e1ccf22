// Package azblobsink implements the "azblob://" sink: batches of
// events are newline-delimited-JSON encoded and uploaded as timestamped
// blobs to an Azure Blob Storage container via
// github.com/Azure/azure-sdk-for-go/sdk/storage/azblob.
package azblobsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Uploader is the minimal surface of an azblob client this sink needs,
// so tests can substitute a fake without a live Azure account.
type Uploader interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// Sink uploads each flushed batch as one NDJSON blob.
type Sink struct {
	client    Uploader
	container string
	prefix    string
	logger    *slog.Logger
}

func New(client Uploader, container, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{client: client, container: container, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

// NewFactory returns a sink.Factory for the "azblob" scheme, e.g.
// "azblob://myaccount.blob.core.windows.net/my-container/logs", where the
// path after the container ("logs") is the blob name prefix.
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.azblob", "new_factory", nil).WithKey("account_host")
		}
		parts := strings.SplitN(strings.TrimPrefix(uri.Path, "/"), "/", 2)
		if len(parts) == 0 || parts[0] == "" {
			return nil, ferror.New(ferror.Configuration, "sink.azblob", "new_factory", nil).WithKey("container")
		}
		container := parts[0]
		prefix := ""
		if len(parts) == 2 {
			prefix = parts[1]
		}

		serviceURL := fmt.Sprintf("https://%s", uri.Host)
		client, err := azblob.NewClientFromConnectionString(serviceURL, nil)
		if err != nil {
			return nil, ferror.New(ferror.Configuration, "sink.azblob", "new_factory", err)
		}
		return New(client, container, prefix, logger), nil
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

	blobName := s.blobName()
	if _, err := s.client.UploadBuffer(ctx, s.container, blobName, buf.Bytes(), nil); err != nil {
		return ferror.New(ferror.Sink, "sink.azblob", "write_batch", err).WithKey("blob").WithValue(blobName)
	}
	return nil
}

func (s *Sink) blobName() string {
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	if s.prefix == "" {
		return fmt.Sprintf("%s.ndjson", ts)
	}
	return fmt.Sprintf("%s/%s.ndjson", strings.TrimPrefix(s.prefix, "/"), ts)
}

// Package s3sink implements the "s3://" sink: batches of events are
// newline-delimited-JSON encoded and written as timestamped objects to
// an S3 bucket/prefix via aws-sdk-go-v2, the teacher's AWS stack
// (pulled in for its cloud-storage chunk backends) generalized here to
// a batch-object sink rather than a chunk store.
package s3sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Client is the subset of the S3 API this sink needs, so tests can
// substitute a fake.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink writes each flushed batch as one NDJSON object.
type Sink struct {
	client Client
	bucket string
	prefix string
	logger *slog.Logger
}

func New(client Client, bucket, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

// NewFactory returns a sink.Factory for the "s3" scheme, e.g.
// "s3://my-bucket/logs?region=us-east-1".
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		if uri.Host == "" {
			return nil, ferror.New(ferror.Configuration, "sink.s3", "new_factory", nil).WithKey("bucket")
		}
		region := uri.String("region", "us-east-1")
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, ferror.New(ferror.Configuration, "sink.s3", "new_factory", err)
		}
		client := s3.NewFromConfig(cfg)
		return New(client, uri.Host, uri.Path, logger), nil
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
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return ferror.New(ferror.Sink, "sink.s3", "write_batch", err).WithKey("key").WithValue(key)
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

package s3sink

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeClient struct {
	lastInput *s3.PutObjectInput
	lastBody  string
	err       error
}

func (f *fakeClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastInput = params
	var buf bytes.Buffer
	io.Copy(&buf, params.Body.(io.Reader))
	f.lastBody = buf.String()
	return &s3.PutObjectOutput{}, nil
}

func TestWriteBatchEncodesNDJSONAndUsesPrefix(t *testing.T) {
	fc := &fakeClient{}
	s := New(fc, "my-bucket", "logs/app", nil)

	events := []map[string]any{
		{"event": "a"},
		{"event": "b"},
	}

	if err := s.WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if fc.lastInput == nil {
		t.Fatal("expected PutObject to be called")
	}
	if *fc.lastInput.Bucket != "my-bucket" {
		t.Errorf("bucket = %q, want my-bucket", *fc.lastInput.Bucket)
	}
	if !strings.HasPrefix(*fc.lastInput.Key, "logs/app/") {
		t.Errorf("key = %q, expected prefix logs/app/", *fc.lastInput.Key)
	}
	lines := strings.Split(strings.TrimSpace(fc.lastBody), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %q", len(lines), fc.lastBody)
	}
}

func TestWriteBatchEmptyIsNoOp(t *testing.T) {
	fc := &fakeClient{}
	s := New(fc, "my-bucket", "logs", nil)
	if err := s.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if fc.lastInput != nil {
		t.Error("expected PutObject not to be called for empty batch")
	}
}

package azblobsink

import (
	"context"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type fakeUploader struct {
	containerName string
	blobName      string
	buffer        []byte
	calls         int
}

func (f *fakeUploader) UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.containerName = containerName
	f.blobName = blobName
	f.buffer = buffer
	f.calls++
	return azblob.UploadBufferResponse{}, nil
}

func TestWriteBatchEncodesNDJSONAndUsesPrefix(t *testing.T) {
	fu := &fakeUploader{}
	s := New(fu, "my-container", "logs/app", nil)

	events := []map[string]any{
		{"event": "a"},
		{"event": "b"},
	}
	if err := s.WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if fu.calls != 1 {
		t.Fatalf("expected 1 upload call, got %d", fu.calls)
	}
	if fu.containerName != "my-container" {
		t.Errorf("container = %q, want my-container", fu.containerName)
	}
	if !strings.HasPrefix(fu.blobName, "logs/app/") {
		t.Errorf("blobName = %q, expected prefix logs/app/", fu.blobName)
	}
	lines := strings.Split(strings.TrimSpace(string(fu.buffer)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", len(lines))
	}
}

func TestWriteBatchEmptyIsNoOp(t *testing.T) {
	fu := &fakeUploader{}
	s := New(fu, "my-container", "logs", nil)
	if err := s.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if fu.calls != 0 {
		t.Error("expected no upload call for empty batch")
	}
}

// Package filesink implements the built-in "file://" sink: newline
// delimited JSON (or msgpack) appended to a file, with size-based
// rotation and gzip-compressed backups.
//
// Rotation is grounded on the teacher's internal/chunk/file compression
// convention (temp-file-then-rename for atomicity), simplified because
// rotated backups here are append-only archives, never read back for
// random access — so plain klauspost/compress/gzip is used rather than
// the teacher's seekable zstd framing, which exists specifically to
// support ReadAt into historical chunks. See DESIGN.md for the full
// rationale on why SaveTheRbtz/zstd-seekable-format-go was dropped.
package filesink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kluzzebass/fapilog/internal/ferror"
	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Encoding selects the on-disk event representation.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// Sink appends rendered events to a file, rotating to a gzip-compressed
// backup once the active file exceeds maxBytes.
type Sink struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	backupCount int
	encoding    Encoding
	logger      *slog.Logger

	f   *os.File
	cur int64
}

// New opens (creating if necessary) the file at path for appending.
func New(path string, maxBytes int64, backupCount int, encoding Encoding, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sink{
		path:        path,
		maxBytes:    maxBytes,
		backupCount: backupCount,
		encoding:    encoding,
		logger:      logger,
	}
	if err := s.openCurrent(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFactory returns a sink.Factory for the "file" scheme. Recognized
// query parameters: max_bytes (default 10MiB), backup_count (default
// 5), encoding (json|msgpack, default json).
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		maxBytes, err := uri.Int("max_bytes", 10<<20)
		if err != nil {
			return nil, err
		}
		backupCount, err := uri.Int("backup_count", 5)
		if err != nil {
			return nil, err
		}
		encoding := Encoding(uri.String("encoding", string(EncodingJSON)))
		if encoding != EncodingJSON && encoding != EncodingMsgpack {
			return nil, ferror.New(ferror.Configuration, "sink.file", "new_factory", nil).
				WithKey("encoding").WithValue(string(encoding))
		}
		path := uri.Path
		if path == "" {
			return nil, ferror.New(ferror.Configuration, "sink.file", "new_factory", nil).WithKey("path")
		}
		return New(path, int64(maxBytes), backupCount, encoding, logger)
	}
}

func (s *Sink) openCurrent() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.f = f
	s.cur = info.Size()
	return nil
}

func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	line, err := s.render(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(line)
}

func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		line, err := s.render(e)
		if err != nil {
			return err
		}
		if err := s.writeLocked(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeLocked(line []byte) error {
	if s.maxBytes > 0 && s.cur+int64(len(line))+1 > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := s.f.Write(append(line, '\n'))
	if err != nil {
		return err
	}
	s.cur += int64(n)
	return nil
}

func (s *Sink) render(event sink.Event) ([]byte, error) {
	switch s.encoding {
	case EncodingMsgpack:
		b, err := msgpack.Marshal(event)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return json.Marshal(event)
	}
}

// rotateLocked closes the active file, compresses it into a numbered
// ".N.gz" backup, shifts existing backups, and opens a fresh active
// file. Must be called with s.mu held.
func (s *Sink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}

	if s.backupCount > 0 {
		if err := shiftBackups(s.path, s.backupCount); err != nil {
			s.logger.Error("rotate: shift backups failed", "path", s.path, "error", err)
		}
		if err := compressToBackup(s.path, s.path+".1.gz"); err != nil {
			s.logger.Error("rotate: compress failed", "path", s.path, "error", err)
		}
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.openCurrent()
}

// shiftBackups renames path+".N.gz" to path+".N+1.gz" for N descending,
// dropping the oldest backup past backupCount.
func shiftBackups(path string, backupCount int) error {
	oldest := fmt.Sprintf("%s.%d.gz", path, backupCount)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}
	for n := backupCount - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d.gz", path, n)
		dst := fmt.Sprintf("%s.%d.gz", path, n+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// compressToBackup gzip-compresses src into dst via a temp-file-then-
// rename sequence, matching the teacher's atomic-replace convention.
func compressToBackup(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".filesink-rotate-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	gw := gzip.NewWriter(tmp)
	if _, err := io.Copy(gw, in); err != nil {
		cleanup()
		return err
	}
	if err := gw.Close(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}

func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// backupPaths lists existing numbered backups sorted as path strings
// (with fewer than ten backups that is newest first), useful for tests
// and diagnostics.
func backupPaths(path string, backupCount int) []string {
	var out []string
	for n := 1; n <= backupCount; n++ {
		p := fmt.Sprintf("%s.%d.gz", path, n)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Package stdoutsink implements the built-in "stdout://" sink: one
// serialized event per line to standard output, in JSON or pretty
// (plain text, no color codes) form. Format selection follows spec.md §4.5/§6: the mode
// is carried in the URI host position, e.g. "stdout://json".
package stdoutsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/kluzzebass/fapilog/internal/sink"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// Format selects rendering.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Sink writes one line per event to an io.Writer (os.Stdout by default).
// Writes are serialized with a mutex, matching the teacher's
// "file-sink writes are serialized per sink" concurrency contract
// (spec.md §5), which applies equally to any shared-writer sink.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	logger *slog.Logger
}

// New creates a stdout sink writing to w in the given format.
func New(w io.Writer, format Format, logger *slog.Logger) *Sink {
	return &Sink{w: w, format: format, logger: logger}
}

// NewFactory returns a sink.Factory for the "stdout" scheme.
func NewFactory() sink.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (sink.Sink, error) {
		format := FormatJSON
		switch uri.Host {
		case "pretty":
			format = FormatPretty
		case "json", "":
			format = FormatJSON
		}
		return New(os.Stdout, format, logger), nil
	}
}

func (s *Sink) Write(ctx context.Context, event sink.Event) error {
	line, err := s.render(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintln(s.w, line)
	return err
}

func (s *Sink) WriteBatch(ctx context.Context, events []sink.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		line, err := s.render(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(s.w, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) render(event sink.Event) (string, error) {
	if s.format == FormatPretty {
		return renderPretty(event), nil
	}
	b, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// renderPretty produces a human-scannable "timestamp [level] event key=val ..."
// line, a minimal analogue of the library's colorized console format.
func renderPretty(event sink.Event) string {
	ts, _ := event["timestamp"].(string)
	level, _ := event["level"].(string)
	msg, _ := event["event"].(string)

	keys := make([]string, 0, len(event))
	for k := range event {
		switch k {
		case "timestamp", "level", "event":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := fmt.Sprintf("%s [%s] %s", ts, level, msg)
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%v", k, event[k])
	}
	return out
}

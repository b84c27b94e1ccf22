// Package useragent implements a custom enricher (spec.md §4.3 step 8,
// registered by URI under the "useragent" name) that parses the
// event's user_agent field into ua_browser, ua_os, ua_device, ua_bot.
//
// New to this module — the teacher has no user-agent parser of its
// own — backed by github.com/mileusna/useragent, carried from the
// teacher's go.mod domain-parsing stack.
package useragent

import (
	"context"
	"log/slog"

	"github.com/mileusna/useragent"

	"github.com/kluzzebass/fapilog/internal/enrich"
	"github.com/kluzzebass/fapilog/internal/uriconf"
)

// New returns the synchronous enricher.
func New() enrich.Func {
	return func(ctx context.Context, logger *slog.Logger, event enrich.Event) (enrich.Event, error) {
		raw, ok := event["user_agent"].(string)
		if !ok || raw == "" {
			return event, nil
		}
		ua := useragent.Parse(raw)
		setIfAbsent(event, "ua_browser", ua.Name)
		setIfAbsent(event, "ua_os", ua.OS)
		setIfAbsent(event, "ua_device", deviceOf(ua))
		setIfAbsent(event, "ua_bot", ua.Bot)
		return event, nil
	}
}

func deviceOf(ua useragent.UserAgent) string {
	if ua.Device != "" {
		return ua.Device
	}
	switch {
	case ua.Mobile:
		return "mobile"
	case ua.Tablet:
		return "tablet"
	case ua.Desktop:
		return "desktop"
	default:
		return "other"
	}
}

func setIfAbsent(event enrich.Event, key string, v any) {
	if s, ok := v.(string); ok && s == "" {
		return
	}
	if _, exists := event[key]; !exists {
		event[key] = v
	}
}

// NewFactory returns an enrich.Factory so "useragent://" can be used in
// the Settings.Enrichers URI list, matching every other built-in
// enricher/sink's URI-addressed instantiation.
func NewFactory() enrich.Factory {
	return func(uri uriconf.Parsed, logger *slog.Logger) (enrich.Func, enrich.AsyncEnricher, error) {
		return New(), nil, nil
	}
}

// Package resource implements the optional resource-snapshot enricher
// (spec.md §4.3 step 6): Go runtime in-use memory (heap plus goroutine
// stacks, from sysmetrics.MemoryInuse) in MB, and process CPU percent.
// The memory figure is not the process's resident set size.
// It wraps internal/sysmetrics, which already tracks the deltas needed
// for a CPU percentage between calls.
package resource

import (
	"context"
	"log/slog"

	"github.com/kluzzebass/fapilog/internal/enrich"
	"github.com/kluzzebass/fapilog/internal/sysmetrics"
)

// New returns the synchronous enricher. It never overwrites fields the
// event already carries (the registry's sync contract), and it is
// cheap enough to run unconditionally when enabled — no caching.
func New() enrich.Func {
	return func(ctx context.Context, logger *slog.Logger, event enrich.Event) (enrich.Event, error) {
		if _, exists := event["memory_mb"]; !exists {
			event["memory_mb"] = float64(sysmetrics.MemoryInuse()) / (1024 * 1024)
		}
		if _, exists := event["cpu_percent"]; !exists {
			event["cpu_percent"] = sysmetrics.CPUPercent()
		}
		return event, nil
	}
}

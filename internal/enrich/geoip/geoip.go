// Package geoip implements the async GeoIP enricher: resolves
// client_ip to country/city/ASN using a MaxMind MMDB database, with
// hot-reload on file change.
//
// Directly grounded on internal/lookup/geoip.go: the atomic
// reader-pointer swap, fsnotify-based watch loop, and mmdbRecord
// decoding shape are carried over essentially unchanged, adapted from
// a general-purpose lookup table (keyed by arbitrary string, used by
// several ingesters) into a single-purpose enricher keyed specifically
// off the event's client_ip field.
package geoip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"

	"github.com/kluzzebass/fapilog/internal/enrich"
)

type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	ASNumber       uint   `maxminddb:"autonomous_system_number"`
	ASOrganization string `maxminddb:"autonomous_system_organization"`
}

// Enricher resolves client_ip to geo fields. Implements
// enrich.AsyncEnricher.
type Enricher struct {
	reader atomic.Pointer[maxminddb.Reader]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	path      string
}

// New creates a GeoIP enricher. It starts empty; Load (called from
// Startup) populates the reader.
func New(path string) *Enricher {
	return &Enricher{path: path}
}

func (e *Enricher) Startup(ctx context.Context) error {
	if e.path == "" {
		return nil
	}
	if _, err := e.Load(e.path); err != nil {
		return fmt.Errorf("geoip: load %q: %w", e.path, err)
	}
	return e.WatchFile(e.path)
}

func (e *Enricher) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopWatchLocked()
	e.mu.Unlock()
	if r := e.reader.Swap(nil); r != nil {
		_ = r.Close()
	}
	return nil
}

func (e *Enricher) HealthCheck(ctx context.Context) bool {
	return e.reader.Load() != nil
}

func (e *Enricher) EnrichAsync(ctx context.Context, logger *slog.Logger, event enrich.Event) (enrich.Event, error) {
	ip, ok := event["client_ip"].(string)
	if !ok || ip == "" {
		return event, nil
	}
	geo := e.Lookup(ip)
	if geo == nil {
		return event, nil
	}
	for k, v := range geo {
		if _, exists := event[k]; !exists {
			event[k] = v
		}
	}
	return event, nil
}

// Lookup resolves an IP string to geo fields, or nil on miss.
func (e *Enricher) Lookup(value string) map[string]string {
	r := e.reader.Load()
	if r == nil {
		return nil
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil
	}
	var rec mmdbRecord
	if err := r.Lookup(ip, &rec); err != nil {
		return nil
	}
	out := make(map[string]string, 3)
	if rec.Country.ISOCode != "" {
		out["geo_country"] = rec.Country.ISOCode
	}
	if name := rec.City.Names["en"]; name != "" {
		out["geo_city"] = name
	}
	if rec.ASNumber != 0 {
		out["geo_asn"] = "AS" + strconv.FormatUint(uint64(rec.ASNumber), 10)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Load opens an MMDB file and swaps the atomic reader pointer.
func (e *Enricher) Load(path string) (time.Time, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	buildTime := time.Unix(int64(r.Metadata.BuildEpoch), 0)
	old := e.reader.Swap(r)
	if old != nil {
		_ = old.Close()
	}
	return buildTime, nil
}

// WatchFile watches the database file for changes and reloads on
// write/create events.
func (e *Enricher) WatchFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("geoip: create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("geoip: watch %q: %w", path, err)
	}
	e.watcher = w
	e.watchDone = make(chan struct{})
	go e.watchLoop(w, path, e.watchDone)
	return nil
}

func (e *Enricher) watchLoop(w *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_, _ = e.Load(path)
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (e *Enricher) stopWatchLocked() {
	if e.watcher != nil {
		_ = e.watcher.Close()
		<-e.watchDone
		e.watcher = nil
		e.watchDone = nil
	}
}

// Package ttlcache implements a map with per-entry TTL plus LRU
// eviction bounded by a maximum size, used by the async-enricher
// processor (C4) to cache deterministic per-key lookups (e.g. GeoIP
// results) and swept on a schedule by the root facade's gocron job
// (C8). No general-purpose TTL/LRU cache library appears in the
// retrieved example pack, so this is hand-rolled against the standard
// library — grounded on the doubly-linked-list-plus-map LRU shape
// common to textbook implementations, kept intentionally small since
// the registry only needs Get/Set/Sweep.
package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

// New constructs a cache with the given default TTL and maximum entry
// count. maxSize <= 0 means unbounded (TTL eviction only).
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeElementLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the cache's default TTL, evicting
// the least-recently-used entry if the cache is at capacity.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = el

	if c.maxSize > 0 {
		for c.order.Len() > c.maxSize {
			oldest := c.order.Back()
			if oldest != nil {
				c.removeElementLocked(oldest)
			}
		}
	}
}

func (c *Cache) removeElementLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
}

// Sweep removes all expired entries, independent of access. Intended
// to be called periodically (e.g. by a scheduled job) so cold entries
// don't linger until their key is next requested.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.After(e.expiresAt) {
			c.removeElementLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the current entry count, including any not-yet-swept
// expired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

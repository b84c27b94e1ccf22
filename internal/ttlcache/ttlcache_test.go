package ttlcache

import (
	"testing"
	"time"
)

func TestSetThenGet(t *testing.T) {
	c := New(time.Hour, 10)
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	c := New(time.Hour, 10)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(time.Hour, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a, making b the LRU
	c.Set("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive (recently touched)")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to survive (just inserted)")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	time.Sleep(20 * time.Millisecond)
	removed := c.Sweep()
	if removed != 2 {
		t.Fatalf("Sweep() removed %d, want 2", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweep", c.Len())
	}
}

func TestSetOverwritesAndRefreshesTTL(t *testing.T) {
	c := New(50*time.Millisecond, 10)
	c.Set("a", 1)
	time.Sleep(30 * time.Millisecond)
	c.Set("a", 2) // refresh
	time.Sleep(30 * time.Millisecond)
	v, ok := c.Get("a")
	if !ok || v != 2 {
		t.Fatalf("Get(a) = %v, %v; want 2, true (TTL should have been refreshed)", v, ok)
	}
}

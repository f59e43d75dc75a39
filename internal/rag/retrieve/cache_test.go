package retrieve

import (
	"testing"
	"time"
)

func TestTTLCache_SetGetAndExpiry(t *testing.T) {
	c := newTTLCache[string](2, 50*time.Millisecond)
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	c.Set("a", "va")
	if v, ok := c.Get("a"); !ok || v != "va" {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}

	now = now.Add(100 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestTTLCache_EvictsLRUAtCapacity(t *testing.T) {
	c := newTTLCache[int](2, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // a is now most-recently-used
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

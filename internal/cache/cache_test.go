package cache

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testCache(t *testing.T, budget int64) (*Cache, *time.Time) {
	t.Helper()
	c, err := New(t.TempDir(), budget, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }
	return c, &at
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := testCache(t, 1<<20)

	payload := []byte("hello world")
	c.Put("k1", payload, time.Minute)

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("miss after put")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 0 || stats.Count != 1 {
		t.Fatalf("stats = %+v, want 1 hit, 0 misses, 1 entry", stats)
	}
}

func TestCacheMissCountsOnce(t *testing.T) {
	c, _ := testCache(t, 1<<20)

	if _, ok := c.Get("absent"); ok {
		t.Fatal("hit on empty cache")
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Fatalf("misses = %d, want 1", stats.Misses)
	}
}

func TestCacheLazyTTLExpiry(t *testing.T) {
	c, at := testCache(t, 1<<20)

	c.Put("k", []byte("v"), time.Minute)
	*at = at.Add(2 * time.Minute)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry returned")
	}
	if stats := c.Stats(); stats.Count != 0 || stats.Bytes != 0 {
		t.Fatalf("expired entry not dropped: %+v", stats)
	}
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	c, at := testCache(t, 1<<20)

	c.Put("k", []byte("v"), 0)
	*at = at.Add(1000 * time.Hour)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("zero-TTL entry expired")
	}
}

func TestCacheOversizePayloadSkipped(t *testing.T) {
	c, _ := testCache(t, 10)

	c.Put("big", make([]byte, 11), time.Minute)
	if _, ok := c.Get("big"); ok {
		t.Fatal("payload larger than the whole budget was stored")
	}
}

func TestCacheHighWaterEviction(t *testing.T) {
	c, at := testCache(t, 1000)

	// 7 entries of 100 bytes = 700 bytes, below high water (800).
	for i := 0; i < 7; i++ {
		c.Put(fmt.Sprintf("k%d", i), make([]byte, 100), time.Hour)
		*at = at.Add(time.Second) // distinct access times
	}
	if got := c.Stats().Bytes; got != 700 {
		t.Fatalf("bytes = %d, want 700", got)
	}

	// Touch k0 so it is recently accessed and must survive.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 missing before eviction")
	}
	*at = at.Add(time.Second)

	// The 8th entry lands at 800 = high water: evict down to <= 700.
	c.Put("k7", make([]byte, 100), time.Hour)

	stats := c.Stats()
	if stats.Bytes > 700 {
		t.Fatalf("bytes = %d after eviction, want <= 700 (low water)", stats.Bytes)
	}
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("recently accessed entry was evicted before older ones")
	}
	if _, ok := c.Get("k1"); ok {
		t.Fatal("least recently accessed entry survived eviction")
	}
	if _, ok := c.Get("k7"); !ok {
		t.Fatal("the entry that triggered eviction was itself evicted")
	}
}

func TestCacheEvictsExpiredFirst(t *testing.T) {
	c, at := testCache(t, 1000)

	c.Put("stale", make([]byte, 300), time.Minute)
	*at = at.Add(2 * time.Minute) // stale expires
	c.Put("fresh", make([]byte, 300), time.Hour)

	// This put reaches 900 >= 800 high water; dropping the expired entry
	// alone gets us to 600 <= 700, so fresh entries survive.
	c.Put("fresh2", make([]byte, 300), time.Hour)

	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("live entry evicted while an expired one was reclaimable")
	}
	if _, ok := c.Get("fresh2"); !ok {
		t.Fatal("newest entry missing")
	}
}

func TestCacheUnreadableFileIsMiss(t *testing.T) {
	c, _ := testCache(t, 1<<20)

	c.Put("k", []byte("v"), time.Minute)
	if err := os.Remove(c.pathFor("k")); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("k"); ok {
		t.Fatal("hit despite missing payload file")
	}
	// The entry must be dropped so the next get is a clean miss.
	if stats := c.Stats(); stats.Count != 0 {
		t.Fatalf("count = %d after unreadable payload, want 0", stats.Count)
	}
}

func TestCachePutOverwrites(t *testing.T) {
	c, _ := testCache(t, 1<<20)

	c.Put("k", []byte("one"), time.Minute)
	c.Put("k", []byte("two"), time.Minute)

	got, ok := c.Get("k")
	if !ok || string(got) != "two" {
		t.Fatalf("got %q, want overwrite to win", got)
	}
	if stats := c.Stats(); stats.Bytes != 3 || stats.Count != 1 {
		t.Fatalf("stats after overwrite = %+v", stats)
	}
}

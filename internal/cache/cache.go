package cache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watermark ratios of the byte budget. A put that lands at or above the
// high water triggers eviction of least-recently-accessed entries down to
// the low water.
const (
	highWaterRatio = 0.8
	lowWaterRatio  = 0.7
)

// Stats is the cache's observable state.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Bytes  int64 `json:"bytes"`
	Count  int   `json:"count"`
}

type entryMeta struct {
	sizeBytes    int64
	createdAt    time.Time
	lastAccessed time.Time
	ttl          time.Duration
	hitCount     int64
}

// Cache is a file-backed content-addressed cache for tool outputs. Hot
// metadata lives in memory; payloads are read from disk on demand. The
// cache is best-effort: every I/O error degrades to a miss and MUST NOT
// fail the enclosing request.
type Cache struct {
	dir    string
	budget int64
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entryMeta
	bytes   int64
	hits    int64
	misses  int64

	now func() time.Time // test seam
}

// New creates the cache rooted at dir with the given byte budget.
func New(dir string, budget int64, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{
		dir:     dir,
		budget:  budget,
		logger:  logger.With(zap.String("component", "cache")),
		entries: make(map[string]*entryMeta),
		now:     time.Now,
	}, nil
}

// Get returns the payload for key, or a miss if absent, expired, or
// unreadable. Expired entries are dropped lazily here.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	meta, ok := c.entries[key]
	if ok && c.expired(meta) {
		c.dropLocked(key, meta)
		ok = false
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	meta.lastAccessed = c.now()
	meta.hitCount++
	c.hits++
	path := c.pathFor(key)
	c.mu.Unlock()

	payload, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("Cache payload unreadable, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		c.mu.Lock()
		if meta, ok := c.entries[key]; ok {
			c.dropLocked(key, meta)
		}
		c.hits--
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	return payload, true
}

// Put stores a payload under key. Writes go through a temp file + rename
// so a crash or cancellation never leaves a partial entry.
func (c *Cache) Put(key string, payload []byte, ttl time.Duration) {
	if int64(len(payload)) > c.budget {
		c.logger.Warn("Payload exceeds entire cache budget, skipping",
			zap.String("key", key),
			zap.Int("size", len(payload)),
		)
		return
	}

	tmp, err := os.CreateTemp(c.dir, "put-*")
	if err != nil {
		c.logger.Warn("Cache write failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		c.logger.Warn("Cache write failed", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		c.logger.Warn("Cache write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmpName, c.pathFor(key)); err != nil {
		os.Remove(tmpName)
		c.logger.Warn("Cache rename failed", zap.Error(err))
		return
	}

	size := int64(len(payload))
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.bytes -= old.sizeBytes
	}
	c.entries[key] = &entryMeta{
		sizeBytes:    size,
		createdAt:    c.now(),
		lastAccessed: c.now(),
		ttl:          ttl,
	}
	c.bytes += size

	if float64(c.bytes) >= float64(c.budget)*highWaterRatio {
		c.evictLocked()
	}
	c.mu.Unlock()
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Bytes:  c.bytes,
		Count:  len(c.entries),
	}
}

// evictLocked removes expired entries, then least-recently-accessed ones,
// until total bytes fall to the low-water mark. Caller holds mu.
func (c *Cache) evictLocked() {
	target := int64(float64(c.budget) * lowWaterRatio)

	for key, meta := range c.entries {
		if c.expired(meta) {
			c.dropLocked(key, meta)
		}
	}
	if c.bytes <= target {
		return
	}

	type aged struct {
		key  string
		meta *entryMeta
	}
	order := make([]aged, 0, len(c.entries))
	for key, meta := range c.entries {
		order = append(order, aged{key, meta})
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].meta.lastAccessed.Before(order[j].meta.lastAccessed)
	})

	evicted := 0
	for _, e := range order {
		if c.bytes <= target {
			break
		}
		c.dropLocked(e.key, e.meta)
		evicted++
	}
	c.logger.Info("Cache eviction complete",
		zap.Int("evicted", evicted),
		zap.Int64("bytes", c.bytes),
	)
}

func (c *Cache) expired(meta *entryMeta) bool {
	if meta.ttl <= 0 {
		return false
	}
	return c.now().Sub(meta.createdAt) > meta.ttl
}

func (c *Cache) dropLocked(key string, meta *entryMeta) {
	delete(c.entries, key)
	c.bytes -= meta.sizeBytes
	if err := os.Remove(c.pathFor(key)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Cache file removal failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (c *Cache) pathFor(key string) string {
	return filepath.Join(c.dir, key)
}

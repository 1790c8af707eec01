// Package cache is the Cache component (spec.md §4.5): a single-process,
// in-memory cache sitting in front of the Store, with LRU eviction, tag
// invalidation, and single-flight fetch de-duplication.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vpnforge/pkg/log"
	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config tunes eviction thresholds and sweep cadence.
type Config struct {
	MaxSize    int
	MaxBytes   int64
	SweepEvery time.Duration
}

// DefaultConfig matches spec.md §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:    10000,
		MaxBytes:   100 * 1024 * 1024,
		SweepEvery: 60 * time.Second,
	}
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	tags      []string
	size      int64
	elem      *list.Element
}

// Cache is a single-process LRU cache with TTL, tag invalidation, and
// single-flight get_or_fetch, following the teacher's ticker+mutex+stopCh
// background-loop shape used by pkg/scheduler.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	entries  map[string]*entry
	tagIndex map[string]map[string]struct{} // tag -> set of keys
	lru      *list.List                     // front = most recently used
	bytes    int64

	hits, misses int64
	latencyEMA   time.Duration

	sf     singleflight.Group
	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a Cache with the given config. Call Start to begin the TTL
// sweep loop.
func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultConfig().SweepEvery
	}
	return &Cache{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		tagIndex: make(map[string]map[string]struct{}),
		lru:      list.New(),
		logger:   log.WithComponent("cache"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the cooperative TTL sweep loop.
func (c *Cache) Start() {
	go c.run()
}

// Stop ends the sweep loop.
func (c *Cache) Stop() {
	close(c.stopCh)
}

func (c *Cache) run() {
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.removeLocked(k)
		}
	}
	c.reportGaugesLocked()
}

// Get returns the cached value for key, evaluating TTL opportunistically.
func (c *Cache) Get(key string) (any, bool) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		if ok {
			c.removeLocked(key)
		}
		c.misses++
		c.observeLatencyLocked(start)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	c.hits++
	c.observeLatencyLocked(start)
	return e.value, true
}

// Set stores value under key with ttl (0 = never expires) and tags.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, tags, estimateSize(value))
	c.reportGaugesLocked()
}

func (c *Cache) setLocked(key string, value any, ttl time.Duration, tags []string, size int64) {
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	e := &entry{key: key, value: value, expiresAt: expiresAt, tags: tags, size: size}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.bytes += size
	for _, tag := range tags {
		if c.tagIndex[tag] == nil {
			c.tagIndex[tag] = make(map[string]struct{})
		}
		c.tagIndex[tag][key] = struct{}{}
	}
	c.evictIfNeededLocked()
}

func (c *Cache) evictIfNeededLocked() {
	for len(c.entries) > c.cfg.MaxSize || c.bytes > c.cfg.MaxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e.key)
		metrics.CacheEvictionsTotal.Inc()
	}
}

// removeLocked deletes key from all indexes. Caller holds c.mu.
func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.lru.Remove(e.elem)
	delete(c.entries, key)
	c.bytes -= e.size
	for _, tag := range e.tags {
		if set, ok := c.tagIndex[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	c.reportGaugesLocked()
}

// InvalidatePattern removes every key matching a "*.suffix"-style glob, the
// same single-wildcard-prefix shape the teacher's boltdb.go TLS host matcher
// uses for `*.example.com`.
func (c *Cache) InvalidatePattern(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if matchGlob(pattern, k) {
			c.removeLocked(k)
		}
	}
	c.reportGaugesLocked()
}

// InvalidateTags removes every entry carrying any of the given tags.
func (c *Cache) InvalidateTags(tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		for k := range c.tagIndex[tag] {
			c.removeLocked(k)
		}
	}
	c.reportGaugesLocked()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.tagIndex = make(map[string]map[string]struct{})
	c.lru = list.New()
	c.bytes = 0
	c.reportGaugesLocked()
}

// GetOrFetch returns the cached value for key, calling fetch at most once
// per key across concurrent callers (spec.md §5 single-flight requirement)
// when the entry is absent or expired.
func (c *Cache) GetOrFetch(key string, ttl time.Duration, tags []string, fetch func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		val, err := fetch()
		if err != nil {
			return nil, err
		}
		c.Set(key, val, ttl, tags)
		return val, nil
	})
	return v, err
}

func (c *Cache) observeLatencyLocked(start time.Time) {
	d := time.Since(start)
	if c.latencyEMA == 0 {
		c.latencyEMA = d
	} else {
		const alpha = 0.2
		c.latencyEMA = time.Duration(alpha*float64(d) + (1-alpha)*float64(c.latencyEMA))
	}
	metrics.CacheAccessLatency.Observe(d.Seconds())
}

func (c *Cache) reportGaugesLocked() {
	metrics.CacheEntries.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.bytes))
	total := c.hits + c.misses
	if total > 0 {
		metrics.CacheHitRatio.Set(float64(c.hits) / float64(total))
	}
}

// matchGlob supports a single leading "*." wildcard, the same shape the
// teacher's storage layer used for TLS host matching (`*.example.com`).
func matchGlob(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:]
	return strings.HasSuffix(key, suffix)
}

func estimateSize(value any) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	default:
		return 64
	}
}

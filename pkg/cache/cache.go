// Package cache stores upstream responses keyed by the exact query bytes.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
)

// Cache is a thread-safe response cache with a fixed per-entry TTL and an
// optional least-recently-used bound. Expired entries are never served.
type Cache struct {
	cfg         *config.CacheConfig
	logger      *logging.Logger
	entries     map[string]*list.Element
	lru         *list.List // front is most recently used
	now         func() time.Time
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
	stats       cacheStats
	maxEntries  int
	mu          sync.Mutex
}

// cacheEntry is replaced wholesale on Put and never mutated afterwards
type cacheEntry struct {
	key       string
	response  []byte
	expiresAt time.Time
}

type cacheStats struct {
	hits      uint64
	misses    uint64
	evictions uint64 // LRU and expiry removals
	sets      uint64
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Entries   int     `json:"entries"`
	Evictions uint64  `json:"evictions"`
	Sets      uint64  `json:"sets"`
	HitRate   float64 `json:"hit_rate"` // hits / (hits + misses)
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now; used by tests to step over expiry
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache. When cfg.CleanupInterval is positive a background
// goroutine removes expired entries until Close is called.
func New(cfg *config.CacheConfig, logger *logging.Logger, opts ...Option) (*Cache, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxEntries < 0 {
		return nil, errors.New("max_entries cannot be negative")
	}

	c := &Cache{
		cfg:         cfg,
		logger:      logger.WithComponent("cache"),
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		now:         time.Now,
		maxEntries:  cfg.MaxEntries,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	} else {
		close(c.cleanupDone)
	}

	c.logger.Info("Response cache initialized",
		"enabled", cfg.Enabled,
		"ttl", cfg.TTL,
		"max_entries", cfg.MaxEntries,
		"cleanup_interval", cfg.CleanupInterval)

	return c, nil
}

// Get returns a copy of the response stored under key. An entry whose expiry
// has been reached is removed and reported as missing.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[string(key)]
	if !found {
		c.stats.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(elem)
		c.stats.evictions++
		c.stats.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.stats.hits++

	return append([]byte(nil), entry.response...), true
}

// Put stores a copy of response under key until now+ttl, replacing any
// prior entry for the same key. A non-positive ttl stores nothing.
func (c *Cache) Put(key, response []byte, ttl time.Duration) {
	if !c.cfg.Enabled || ttl <= 0 {
		return
	}

	entry := &cacheEntry{
		key:       string(key),
		response:  append([]byte(nil), response...),
		expiresAt: c.now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.entries[entry.key]; found {
		elem.Value = entry
		c.lru.MoveToFront(elem)
	} else {
		c.entries[entry.key] = c.lru.PushFront(entry)
	}
	c.stats.sets++

	for c.maxEntries > 0 && c.lru.Len() > c.maxEntries {
		c.removeElement(c.lru.Back())
		c.stats.evictions++
	}
}

// removeElement must be called with c.mu held
func (c *Cache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes every expired entry
func (c *Cache) cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*cacheEntry).expiresAt) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}

	if removed > 0 {
		c.stats.evictions += uint64(removed)
		c.logger.Debug("Cleaned up expired cache entries", "removed", removed, "remaining", c.lru.Len())
	}
	return removed
}

// Len returns the number of stored entries, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.stats.hits + c.stats.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.stats.hits) / float64(total)
	}

	return Stats{
		Hits:      c.stats.hits,
		Misses:    c.stats.misses,
		Entries:   c.lru.Len(),
		Evictions: c.stats.evictions,
		Sets:      c.stats.sets,
		HitRate:   hitRate,
	}
}

// Clear removes all entries and returns how many were dropped
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.logger.Info("Cache cleared", "entries", n)
	return n
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		<-c.cleanupDone

		stats := c.Stats()
		c.logger.Info("Cache closed",
			"final_hits", stats.Hits,
			"final_misses", stats.Misses,
			"final_entries", stats.Entries)
	})
	return nil
}

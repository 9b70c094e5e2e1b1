package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/utils/heap"
)

const (
	shardCount = 16

	// Periodic eviction shrinks an oversized cache to this fraction of the
	// bound.
	evictionTarget = 0.9

	// Rough per-entry bookkeeping cost added to the content size.
	entryOverhead = 256
)

type Options struct {
	MaxBytes         int64
	DefaultTTL       time.Duration
	EvictionInterval time.Duration
}

func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		MaxBytes:         int64(cfg.MaxSizeMB) * 1024 * 1024,
		DefaultTTL:       cfg.DefaultTTL.Std(),
		EvictionInterval: cfg.EvictionInterval.Std(),
	}
}

type Stats struct {
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Stores    int64   `json:"stores"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type item struct {
	entry modelrouter.CacheEntry
	size  int64
}

type shard struct {
	items map[string]*item
	mutex sync.Mutex
}

// Cache stores normalized responses by request key. Get and Put never evict;
// eviction only runs from EvictExpired, EvictLRU and the periodic loop.
type Cache struct {
	shards  [shardCount]*shard
	options Options

	bytes     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64

	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func New(options Options, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Cache {
	return NewWithClock(options, metrics, logger, clock.New())
}

func NewWithClock(options Options, metrics *monitoring.Metrics, logger *zap.SugaredLogger, clk clock.Clock) *Cache {
	c := &Cache{
		options: options,
		metrics: metrics,
		logger:  logger,
		clock:   clk,
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*item)}
	}
	return c
}

// Get returns a live entry and marks it accessed. Expired entries are misses
// but stay in place until the next eviction.
func (c *Cache) Get(key string) (modelrouter.CacheEntry, bool) {
	now := c.clock.Now()
	s := c.shardFor(key)

	s.mutex.Lock()
	found, ok := s.items[key]
	if ok && !now.Before(found.entry.ExpiresAt) {
		ok = false
	}
	var entry modelrouter.CacheEntry
	if ok {
		found.entry.HitCount++
		found.entry.LastAccessedAt = now
		entry = found.entry
	}
	s.mutex.Unlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.ObserveCacheLookup(ok)
	return entry, ok
}

// Put stores a response. A non-positive ttl uses the default TTL.
func (c *Cache) Put(key string, response modelrouter.NormalizedResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}
	now := c.clock.Now()
	response.Cached = false
	stored := &item{
		entry: modelrouter.CacheEntry{
			Key:            key,
			Response:       response,
			CachedAt:       now,
			ExpiresAt:      now.Add(ttl),
			LastAccessedAt: now,
		},
		size: sizeOf(key, &response),
	}

	s := c.shardFor(key)
	s.mutex.Lock()
	if previous, ok := s.items[key]; ok {
		c.bytes.Add(-previous.size)
	}
	s.items[key] = stored
	s.mutex.Unlock()

	c.bytes.Add(stored.size)
	c.stores.Add(1)
}

// EvictExpired removes every entry whose TTL has passed.
func (c *Cache) EvictExpired() int {
	now := c.clock.Now()
	evicted := 0
	for _, s := range c.shards {
		s.mutex.Lock()
		for key, found := range s.items {
			if !now.Before(found.entry.ExpiresAt) {
				delete(s.items, key)
				c.bytes.Add(-found.size)
				evicted++
			}
		}
		s.mutex.Unlock()
	}
	c.recordEvictions("expired", evicted)
	return evicted
}

type candidate struct {
	key            string
	lastAccessedAt time.Time
	cachedAt       time.Time
}

func lessRecentlyUsed(a candidate, b candidate) bool {
	if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
		return a.lastAccessedAt.Before(b.lastAccessedAt)
	}
	if !a.cachedAt.Equal(b.cachedAt) {
		return a.cachedAt.Before(b.cachedAt)
	}
	return a.key < b.key
}

// EvictLRU removes the least recently accessed entries until the cache holds
// at most targetBytes. Ties go to the oldest CachedAt.
func (c *Cache) EvictLRU(targetBytes int64) int {
	if c.bytes.Load() <= targetBytes {
		return 0
	}

	var candidates []candidate
	for _, s := range c.shards {
		s.mutex.Lock()
		for key, found := range s.items {
			candidates = append(candidates, candidate{
				key:            key,
				lastAccessedAt: found.entry.LastAccessedAt,
				cachedAt:       found.entry.CachedAt,
			})
		}
		s.mutex.Unlock()
	}

	order := heap.FromSlice(candidates, lessRecentlyUsed)
	evicted := 0
	for c.bytes.Load() > targetBytes {
		next, ok := order.Pop()
		if !ok {
			break
		}
		s := c.shardFor(next.key)
		s.mutex.Lock()
		found, exists := s.items[next.key]
		// Entries touched since the snapshot are no longer the least recent.
		if exists && found.entry.LastAccessedAt.Equal(next.lastAccessedAt) {
			delete(s.items, next.key)
			c.bytes.Add(-found.size)
			evicted++
		}
		s.mutex.Unlock()
	}
	c.recordEvictions("lru", evicted)
	return evicted
}

// Evict drops expired entries, then shrinks the cache to 90% of its bound
// when it is over.
func (c *Cache) Evict() (expired int, lru int) {
	expired = c.EvictExpired()
	if c.options.MaxBytes > 0 && c.bytes.Load() > c.options.MaxBytes {
		lru = c.EvictLRU(int64(float64(c.options.MaxBytes) * evictionTarget))
	}
	return expired, lru
}

// Start runs periodic eviction. Returns a function to stop it.
func (c *Cache) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := c.clock.Ticker(c.options.EvictionInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, lru := c.Evict()
				if expired+lru > 0 {
					c.logger.Infow("Cache eviction completed", "expired", expired, "lru", lru, "bytes", c.bytes.Load())
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Cache) Stats() Stats {
	stats := Stats{
		Bytes:     c.bytes.Load(),
		MaxBytes:  c.options.MaxBytes,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, s := range c.shards {
		s.mutex.Lock()
		stats.Entries += len(s.items)
		s.mutex.Unlock()
	}
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}
	return stats
}

func (c *Cache) recordEvictions(cause string, count int) {
	if count == 0 {
		return
	}
	c.evictions.Add(int64(count))
	c.metrics.ObserveCacheEvictions(cause, count)
}

func (c *Cache) shardFor(key string) *shard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.shards[hash.Sum32()%shardCount]
}

func sizeOf(key string, response *modelrouter.NormalizedResponse) int64 {
	return int64(entryOverhead + len(key) + len(response.Content) + len(response.RequestID) +
		len(response.FinishReason) + len(response.SourceEndpoint) + len(response.ProviderID) + len(response.Model))
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/utils"
)

// Size of an entry stored by put: overhead plus a one byte key and content.
const testEntrySize = entryOverhead + 2

func newTestCache(t *testing.T, maxBytes int64) (*Cache, *clock.Mock) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	options := Options{MaxBytes: maxBytes, DefaultTTL: time.Hour, EvictionInterval: 5 * time.Minute}
	return NewWithClock(options, monitoring.NewMetrics("test"), zaptest.NewLogger(t).Sugar(), mockClock), mockClock
}

func put(c *Cache, key string, ttl time.Duration) {
	c.Put(key, modelrouter.NormalizedResponse{Content: "x"}, ttl)
}

func TestKey(t *testing.T) {
	payload := modelrouter.Payload{
		System:   "Be brief.",
		Messages: []modelrouter.Message{{Role: "user", Content: "Hello"}},
	}
	params := modelrouter.GenerationParams{Temperature: utils.ToPtr(0.2), MaxTokens: 100}

	key, err := Key("gpt-4o", payload, params)
	require.NoError(t, err)
	assert.Len(t, key, 64)

	t.Run("normalized payloads share a key", func(t *testing.T) {
		noisy := modelrouter.Payload{
			System: "  Be brief.\n",
			Messages: []modelrouter.Message{
				{Role: "USER", Content: " Hello  "},
				{Role: "assistant", Content: "   "},
			},
		}
		other, err := Key("gpt-4o", noisy, modelrouter.GenerationParams{Temperature: utils.ToPtr(0.2), MaxTokens: 100, Stop: []string{}})
		require.NoError(t, err)
		assert.Equal(t, key, other)
	})

	t.Run("every input changes the key", func(t *testing.T) {
		tests := []struct {
			name       string
			endpointID string
			payload    modelrouter.Payload
			params     modelrouter.GenerationParams
		}{
			{"endpoint", "claude", payload, params},
			{"content", "gpt-4o", modelrouter.Payload{System: "Be brief.", Messages: []modelrouter.Message{{Role: "user", Content: "Hi"}}}, params},
			{"system", "gpt-4o", modelrouter.Payload{Messages: payload.Messages}, params},
			{"temperature", "gpt-4o", payload, modelrouter.GenerationParams{Temperature: utils.ToPtr(0.3), MaxTokens: 100}},
			{"max tokens", "gpt-4o", payload, modelrouter.GenerationParams{Temperature: utils.ToPtr(0.2)}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				other, err := Key(tt.endpointID, tt.payload, tt.params)
				require.NoError(t, err)
				assert.NotEqual(t, key, other)
			})
		}
	})
}

func TestGetPut(t *testing.T) {
	t.Run("hit updates access bookkeeping", func(t *testing.T) {
		c, mockClock := newTestCache(t, 0)
		c.Put("k", modelrouter.NormalizedResponse{Content: "cached", SourceEndpoint: "a", Cached: true}, 0)
		cachedAt := mockClock.Now()

		mockClock.Add(time.Minute)
		entry, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "cached", entry.Response.Content)
		assert.False(t, entry.Response.Cached)
		assert.Equal(t, int64(1), entry.HitCount)
		assert.Equal(t, cachedAt, entry.CachedAt)
		assert.Equal(t, cachedAt.Add(time.Hour), entry.ExpiresAt)
		assert.Equal(t, mockClock.Now(), entry.LastAccessedAt)

		entry, _ = c.Get("k")
		assert.Equal(t, int64(2), entry.HitCount)
	})

	t.Run("expired entry is a miss but is not removed", func(t *testing.T) {
		c, mockClock := newTestCache(t, 0)
		put(c, "k", time.Minute)

		mockClock.Add(time.Minute)
		_, ok := c.Get("k")
		assert.False(t, ok)
		assert.Equal(t, 1, c.Stats().Entries)

		assert.Equal(t, 1, c.EvictExpired())
		assert.Equal(t, 0, c.Stats().Entries)
		assert.Equal(t, int64(0), c.Stats().Bytes)
	})

	t.Run("put over the bound does not evict", func(t *testing.T) {
		c, _ := newTestCache(t, testEntrySize)
		put(c, "a", 0)
		put(c, "b", 0)
		put(c, "c", 0)
		assert.Equal(t, 3, c.Stats().Entries)
	})

	t.Run("replacing a key keeps the size right", func(t *testing.T) {
		c, _ := newTestCache(t, 0)
		put(c, "k", 0)
		put(c, "k", 0)
		assert.Equal(t, int64(testEntrySize), c.Stats().Bytes)
	})

	t.Run("stats", func(t *testing.T) {
		c, _ := newTestCache(t, 0)
		put(c, "k", 0)
		c.Get("k")
		c.Get("missing")

		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, int64(1), stats.Stores)
		assert.Equal(t, 0.5, stats.HitRate)
	})
}

func TestEvictLRU(t *testing.T) {
	t.Run("least recently accessed first", func(t *testing.T) {
		c, mockClock := newTestCache(t, 0)
		put(c, "a", 0)
		mockClock.Add(time.Second)
		put(c, "b", 0)
		mockClock.Add(time.Second)
		put(c, "c", 0)
		mockClock.Add(time.Second)
		c.Get("a")

		assert.Equal(t, 1, c.EvictLRU(2*testEntrySize))
		_, ok := c.Get("b")
		assert.False(t, ok)

		assert.Equal(t, 1, c.EvictLRU(testEntrySize))
		_, ok = c.Get("a")
		assert.True(t, ok)
	})

	t.Run("ties go to the oldest cached entry", func(t *testing.T) {
		c, mockClock := newTestCache(t, 0)
		put(c, "y", 0)
		mockClock.Add(time.Second)
		put(c, "x", 0)
		mockClock.Add(time.Second)
		c.Get("x")
		c.Get("y")

		assert.Equal(t, 1, c.EvictLRU(testEntrySize))
		_, ok := c.Get("x")
		assert.True(t, ok)
	})

	t.Run("nothing to do under the target", func(t *testing.T) {
		c, _ := newTestCache(t, 0)
		put(c, "a", 0)
		assert.Equal(t, 0, c.EvictLRU(testEntrySize))
	})
}

func TestStart(t *testing.T) {
	c, mockClock := newTestCache(t, 3*testEntrySize)
	stop := c.Start(context.Background())
	defer stop()

	put(c, "expired", time.Minute)
	for _, key := range []string{"a", "b", "c", "d"} {
		mockClock.Add(time.Second)
		put(c, key, 0)
	}
	assert.Equal(t, 5, c.Stats().Entries)

	mockClock.Add(5 * time.Minute)
	// The expired entry goes first, then the oldest until 90% of the bound.
	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 2
	}, time.Second, 10*time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)
	assert.Equal(t, int64(3), c.Stats().Evictions)
}

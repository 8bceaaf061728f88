// Package cache implements the multi-level cache (§4.7): L1 in-process
// LRU, L2/L3 TTL-based remote/durable levels, with promotion on read
// and write-through on write. New component — the teacher has no
// direct cache analogue, so this is grounded in *idiom* on its
// RWMutex-guarded-map pattern (ServiceRegistry, InterruptService,
// RateLimiter) rather than on a specific file.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stagegraph/flowengine/engine/canon"
)

// Entry is the {key, value, writtenAt, expiresAt, hits} shape from §3.
type Entry struct {
	Key       string
	Value     any
	WrittenAt time.Time
	ExpiresAt time.Time // zero = no expiry
	Hits      int64
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Level is the interface every cache tier implements.
type Level interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Has(key string) bool
	Clear()
	Stats() Stats
}

// Stats is exposed by every level for observability.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Key computes the deterministic {pipelineName, canonicalHash(input)}
// cache key from §4.2 step 2. ok is false when input cannot be
// canonicalized, in which case callers must bypass the cache (§6).
func Key(pipelineName string, input any) (key string, ok bool) {
	encoded, err := canon.Encode(input)
	if err != nil {
		return "", false
	}
	h := xxhash.Sum64(encoded)
	return pipelineName + ":" + formatHash(h), true
}

func formatHash(h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}

// Cache is the L1->L2->L3 hierarchy described by §4.7.
type Cache struct {
	mu     sync.Mutex
	levels []Level
}

// New builds a cache over the given levels, ordered L1 first (fastest,
// checked first) through Ln last (slowest, checked last). At least one
// level is required.
func New(levels ...Level) *Cache {
	return &Cache{levels: levels}
}

// Get tries each level in order; on a hit below L1 it promotes the
// value to every faster level that missed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, level := range c.levels {
		if v, ok := level.Get(key); ok {
			for j := 0; j < i; j++ {
				c.levels[j].Set(key, v, 0)
			}
			return v, true
		}
	}
	return nil, false
}

// Set writes through to every configured level.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, level := range c.levels {
		level.Set(key, value, ttl)
	}
}

// Delete removes key from every configured level.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, level := range c.levels {
		level.Delete(key)
	}
}

// Has reports whether any level currently has key.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, level := range c.levels {
		if level.Has(key) {
			return true
		}
	}
	return false
}

// Clear clears every level.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, level := range c.levels {
		level.Clear()
	}
}

// LevelStats returns per-level stats in L1..Ln order.
func (c *Cache) LevelStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, len(c.levels))
	for i, level := range c.levels {
		out[i] = level.Stats()
	}
	return out
}

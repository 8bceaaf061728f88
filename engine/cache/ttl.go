package cache

import (
	"sync"
	"time"
)

// RemoteKV is the interface a real L2 (remote KV) or L3 (durable)
// backing store must satisfy. Implementations (Redis, a durable
// object store, ...) are out of scope per §1; TTLLevel below is an
// in-memory stand-in usable directly as L2/L3 in tests and single-
// node deployments, with lazy expiry on read exactly as §4.7 permits.
type RemoteKV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
	Keys() []string
}

// TTLLevel wraps a RemoteKV with TTL bookkeeping, so any byte-oriented
// store can serve as an L2/L3 cache level. It does no encoding: Set
// stores only []byte values and skips any other value. Entries are
// lazily expired on read per §4.7.
type TTLLevel struct {
	mu     sync.Mutex
	store  RemoteKV
	expiry map[string]time.Time
	hits   int64
	misses int64
}

// NewTTLLevel wraps store as a cache Level.
func NewTTLLevel(store RemoteKV) *TTLLevel {
	return &TTLLevel{store: store, expiry: make(map[string]time.Time)}
}

func (t *TTLLevel) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exp, ok := t.expiry[key]; ok && time.Now().After(exp) {
		t.store.Delete(key)
		delete(t.expiry, key)
		t.misses++
		return nil, false
	}

	raw, ok := t.store.Get(key)
	if !ok {
		t.misses++
		return nil, false
	}
	t.hits++
	return raw, true
}

func (t *TTLLevel) Set(key string, value any, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, ok := value.([]byte)
	if !ok {
		// Values promoted from faster levels may not be raw bytes;
		// store levels that need bytes should wrap this level with
		// their own marshaling. Here we degrade to not storing rather
		// than corrupting the entry.
		return
	}
	t.store.Set(key, raw)
	if ttl > 0 {
		t.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(t.expiry, key)
	}
}

func (t *TTLLevel) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Delete(key)
	delete(t.expiry, key)
}

func (t *TTLLevel) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

func (t *TTLLevel) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.store.Keys() {
		t.store.Delete(k)
	}
	t.expiry = make(map[string]time.Time)
}

func (t *TTLLevel) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Entries: len(t.store.Keys()), Hits: t.hits, Misses: t.misses}
}

// MemoryKV is an in-memory RemoteKV, the reference implementation used
// when no real L2/L3 backend is configured (single-node deployments,
// tests).
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryKV) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MemoryKV) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *MemoryKV) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

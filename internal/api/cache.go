package api

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultCacheCapacity and DefaultCacheTTL apply when the cache is built
// with zero values.
const (
	DefaultCacheCapacity = 100
	DefaultCacheTTL      = 5 * time.Minute
)

// CacheEntry is a stored response snapshot.
type CacheEntry struct {
	Key      string
	Payload  *Response
	StoredAt time.Time
	TTL      time.Duration
}

// expired reports whether the entry may no longer be returned at now.
// An entry is live while now - StoredAt < TTL.
func (e *CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Len         int
	Capacity    int
	Hits        int
	Misses      int
	Evictions   int
	Expirations int
}

// Cache is a bounded in-memory response cache. Eviction is first-in
// first-out by insertion order; lookups do not refresh an entry's position.
type Cache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	order   *list.List // of *CacheEntry, oldest at front
	entries map[string]*list.Element
	stats   CacheStats
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache holding at most capacity entries, each live for
// ttl unless stored with its own TTL.
func NewCache(capacity int, ttl time.Duration, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives a cache key from the method, resolved address, body and the
// identity the response was fetched for. JSON bodies are canonicalized so
// key order does not matter.
func (c *Cache) Key(method, address string, body []byte, identity string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(address))
	h.Write([]byte{0})
	h.Write(canonicalBody(body))
	h.Write([]byte{0})
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalBody re-encodes JSON with sorted object keys and no insignificant
// whitespace. Non-JSON bodies are used verbatim.
func canonicalBody(body []byte) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

// Lookup returns a copy of the live entry for key. An expired entry is
// removed and reported as a miss.
func (c *Cache) Lookup(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	entry := el.Value.(*CacheEntry)
	if entry.expired(c.now()) {
		c.removeElement(el)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return &CacheEntry{
		Key:      entry.Key,
		Payload:  entry.Payload.clone(),
		StoredAt: entry.StoredAt,
		TTL:      entry.TTL,
	}, true
}

// Store saves a deep copy of payload. ttl <= 0 uses the cache default.
// Storing at capacity evicts the oldest insertion first. Re-storing an
// existing key replaces it and makes it the newest entry.
func (c *Cache) Store(key string, payload *Response, ttl time.Duration) {
	if payload == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Front())
		c.stats.Evictions++
	}

	entry := &CacheEntry{
		Key:      key,
		Payload:  payload.clone(),
		StoredAt: c.now(),
		TTL:      ttl,
	}
	c.entries[key] = c.order.PushBack(entry)
}

// Invalidate removes key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*CacheEntry).expired(now) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	c.stats.Expirations += removed
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Len returns the number of stored entries, including expired ones not yet
// removed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns stored keys from oldest to newest.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*CacheEntry).Key)
	}
	return keys
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Len = c.order.Len()
	s.Capacity = c.capacity
	return s
}

func (c *Cache) removeElement(el *list.Element) {
	entry := c.order.Remove(el).(*CacheEntry)
	delete(c.entries, entry.Key)
}

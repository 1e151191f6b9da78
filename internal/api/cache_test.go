package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testResponse(data string) *Response {
	return &Response{
		Data:       json.RawMessage(data),
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/json"}},
	}
}

func TestCacheTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(100, 300*time.Second, WithClock(clock.Now))

	c.Store("k", testResponse(`{"a":1}`), 0)

	clock.Advance(299999 * time.Millisecond)
	_, ok := c.Lookup("k")
	assert.True(t, ok, "entry should be live just before its TTL")

	clock.Advance(2 * time.Millisecond)
	_, ok = c.Lookup("k")
	assert.False(t, ok, "entry should be expired just after its TTL")
	assert.Equal(t, 0, c.Len(), "expired entry should be removed on lookup")
}

func TestCacheExpiresExactlyAtTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10, time.Second, WithClock(clock.Now))

	c.Store("k", testResponse(`1`), 0)
	clock.Advance(time.Second)

	_, ok := c.Lookup("k")
	assert.False(t, ok)
}

func TestCachePerEntryTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10, time.Minute, WithClock(clock.Now))

	c.Store("short", testResponse(`1`), time.Second)
	c.Store("default", testResponse(`2`), 0)
	clock.Advance(2 * time.Second)

	_, ok := c.Lookup("short")
	assert.False(t, ok)
	_, ok = c.Lookup("default")
	assert.True(t, ok)
}

func TestCacheEvictsOldestInsertion(t *testing.T) {
	c := NewCache(100, time.Minute)

	for i := range 101 {
		c.Store(fmt.Sprintf("k%d", i), testResponse(fmt.Sprintf(`%d`, i)), 0)
	}

	assert.Equal(t, 100, c.Len())
	_, ok := c.Lookup("k0")
	assert.False(t, ok, "first inserted entry should be evicted")
	_, ok = c.Lookup("k1")
	assert.True(t, ok)
	_, ok = c.Lookup("k100")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().Evictions)
}

func TestCacheLookupDoesNotRefreshPosition(t *testing.T) {
	c := NewCache(2, time.Minute)

	c.Store("a", testResponse(`1`), 0)
	c.Store("b", testResponse(`2`), 0)
	_, _ = c.Lookup("a")
	c.Store("c", testResponse(`3`), 0)

	assert.Equal(t, []string{"b", "c"}, c.Keys())
}

func TestCacheRestoreMovesToNewest(t *testing.T) {
	c := NewCache(2, time.Minute)

	c.Store("a", testResponse(`1`), 0)
	c.Store("b", testResponse(`2`), 0)
	c.Store("a", testResponse(`3`), 0)
	c.Store("c", testResponse(`4`), 0)

	assert.Equal(t, []string{"a", "c"}, c.Keys())
	entry, ok := c.Lookup("a")
	require.True(t, ok)
	assert.JSONEq(t, `3`, string(entry.Payload.Data))
}

func TestCacheRoundTripIsDeepCopy(t *testing.T) {
	c := NewCache(10, time.Minute)
	original := testResponse(`{"models":["flux","sdxl"]}`)

	c.Store("k", original, 0)
	original.Data[2] = 'X'
	original.Headers.Set("Content-Type", "text/plain")

	entry, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, testResponse(`{"models":["flux","sdxl"]}`), entry.Payload)

	entry.Payload.Data[0] = '['
	again, ok := c.Lookup("k")
	require.True(t, ok)
	assert.JSONEq(t, `{"models":["flux","sdxl"]}`, string(again.Payload.Data))
}

func TestCacheKeyCanonicalizesJSONBody(t *testing.T) {
	c := NewCache(10, time.Minute)

	k1 := c.Key("POST", "https://s.example.com/api/x", []byte(`{"b":2,"a":1}`), "user:1")
	k2 := c.Key("POST", "https://s.example.com/api/x", []byte(`{ "a": 1, "b": 2 }`), "user:1")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestCacheKeyComponents(t *testing.T) {
	c := NewCache(10, time.Minute)
	base := c.Key("GET", "https://s.example.com/api/x", nil, "user:1")

	assert.NotEqual(t, base, c.Key("POST", "https://s.example.com/api/x", nil, "user:1"))
	assert.NotEqual(t, base, c.Key("GET", "https://s.example.com/api/y", nil, "user:1"))
	assert.NotEqual(t, base, c.Key("GET", "https://s.example.com/api/x", []byte(`{"a":1}`), "user:1"))
	assert.NotEqual(t, base, c.Key("GET", "https://s.example.com/api/x", nil, "user:2"))
	assert.Equal(t, base, c.Key("GET", "https://s.example.com/api/x", []byte("  "), "user:1"))
}

func TestCacheSweep(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10, time.Minute, WithClock(clock.Now))

	c.Store("old", testResponse(`1`), 0)
	clock.Advance(30 * time.Second)
	c.Store("new", testResponse(`2`), 0)
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"new"}, c.Keys())
	assert.Equal(t, 1, c.Stats().Expirations)
}

func TestCacheStartSweeperStopsWithContext(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10, time.Second, WithClock(clock.Now))
	c.Store("k", testResponse(`1`), 0)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartSweeper(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCacheInvalidateAndClear(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Store("a", testResponse(`1`), 0)
	c.Store("b", testResponse(`2`), 0)

	c.Invalidate("a")
	assert.Equal(t, []string{"b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheStats(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Store("a", testResponse(`1`), 0)
	_, _ = c.Lookup("a")
	_, _ = c.Lookup("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Len)
	assert.Equal(t, 10, stats.Capacity)
}

func TestNewCacheDefaults(t *testing.T) {
	c := NewCache(0, 0)
	assert.Equal(t, DefaultCacheCapacity, c.Stats().Capacity)
	assert.Equal(t, DefaultCacheTTL, c.ttl)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(50, time.Minute)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				key := fmt.Sprintf("k%d", (i*50+j)%80)
				c.Store(key, testResponse(`1`), 0)
				c.Lookup(key)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

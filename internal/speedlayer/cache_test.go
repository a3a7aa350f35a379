package speedlayer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *cacheClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *cacheClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func allowDecision(tier string) *Decision {
	return &Decision{Verdict: VerdictAllow, Reason: "ok", SourceTier: tier, Confidence: 1.0}
}

func TestMemoryCache_PutGet(t *testing.T) {
	c := NewMemoryCache(8)
	c.Put("k1", allowDecision(TierPolicy), time.Minute)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, VerdictAllow, got.Verdict)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	clock := &cacheClock{now: time.Now()}
	c := NewMemoryCache(8)
	c.now = clock.Now

	c.Put("k1", allowDecision(TierPolicy), time.Minute)
	_, ok := c.Get("k1")
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on lookup")
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	c := NewMemoryCache(3)
	c.Put("a", allowDecision(TierPolicy), time.Minute)
	c.Put("b", allowDecision(TierPolicy), time.Minute)
	c.Put("c", allowDecision(TierPolicy), time.Minute)

	// Touch "a" so "b" becomes the LRU tail.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", allowDecision(TierPolicy), time.Minute)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "LRU tail evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok = c.Get(k)
		assert.True(t, ok, "key %s survives", k)
	}
}

func TestMemoryCache_UpdateInPlace(t *testing.T) {
	c := NewMemoryCache(2)
	c.Put("k", allowDecision(TierPolicy), time.Minute)
	c.Put("k", &Decision{Verdict: VerdictDeny, Reason: "changed", SourceTier: TierExperts}, time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, VerdictDeny, got.Verdict)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_ZeroTTLIgnored(t *testing.T) {
	c := NewMemoryCache(2)
	c.Put("k", allowDecision(TierPolicy), 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

package auth

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lighthouse/bridge/internal/core"
)

// ============================================================================
// RATE LIMITER — continuous-refill token buckets
// ============================================================================

// bucket holds its state in one atomically swapped word so concurrent
// callers for the same identity never share a lock.
type bucket struct {
	state atomic.Uint64 // packed: high 32 bits = millitokens/1000? see pack/unpack
	rate  float64       // tokens per nanosecond
	cap   float64
}

// The packed word stores (tokens * 1e3) in the high 24 bits and the
// last-refill time, in ms since the limiter's epoch, in the low 40 bits.
// Packing both lets Allow be a single CAS loop.
func pack(tokens float64, lastMS int64) uint64 {
	t := uint64(tokens * 1000)
	if t > (1<<24)-1 {
		t = (1 << 24) - 1
	}
	return t<<40 | uint64(lastMS)&((1<<40)-1)
}

func unpack(v uint64) (tokens float64, lastMS int64) {
	return float64(v>>40) / 1000, int64(v & ((1 << 40) - 1))
}

// take refills by elapsed time and spends one token. Returns the wait until
// the next token when the bucket is empty.
func (b *bucket) take(nowMS int64) (bool, time.Duration) {
	for {
		old := b.state.Load()
		tokens, lastMS := unpack(old)

		elapsed := nowMS - lastMS
		if elapsed > 0 {
			tokens += float64(elapsed) * b.rate * 1e6 // rate is per ns
			if tokens > b.cap {
				tokens = b.cap
			}
		}
		if tokens < 1 {
			deficit := 1 - tokens
			wait := time.Duration(deficit / (b.rate * 1e6) * float64(time.Millisecond))
			return false, wait
		}
		if b.state.CompareAndSwap(old, pack(tokens-1, nowMS)) {
			return true, 0
		}
	}
}

// RateLimiter applies per-(agent, op_class) token buckets with per-role
// budgets. Bucket capacity equals the per-minute rate; refill is continuous.
type RateLimiter struct {
	epoch   time.Time
	mu      sync.RWMutex
	buckets map[string]*bucket
	budgets map[Role]int
}

// NewRateLimiter builds a limiter; nil budgets fall back to the role
// defaults.
func NewRateLimiter(budgets map[Role]int) *RateLimiter {
	merged := DefaultRateLimits()
	for role, n := range budgets {
		if n > 0 {
			merged[role] = n
		}
	}
	return &RateLimiter{
		epoch:   time.Now(),
		buckets: make(map[string]*bucket),
		budgets: merged,
	}
}

// Allow spends one token from the (identity, opClass) bucket. Empty buckets
// return RateLimited with a retry-after hint.
func (rl *RateLimiter) Allow(id Identity, opClass string) error {
	perMinute := rl.budgets[id.Role]
	if perMinute <= 0 {
		perMinute = rl.budgets[RoleGuest]
	}
	key := fmt.Sprintf("%s:%s", id.AgentID, opClass)

	nowMS := time.Since(rl.epoch).Milliseconds()

	rl.mu.RLock()
	b := rl.buckets[key]
	rl.mu.RUnlock()
	if b == nil {
		rl.mu.Lock()
		if b = rl.buckets[key]; b == nil {
			b = &bucket{
				rate: float64(perMinute) / float64(time.Minute),
				cap:  float64(perMinute),
			}
			b.state.Store(pack(float64(perMinute), nowMS))
			rl.buckets[key] = b
		}
		rl.mu.Unlock()
	}

	ok, wait := b.take(nowMS)
	if !ok {
		return core.RateLimited(wait)
	}
	return nil
}

// Budget returns the per-minute budget the limiter applies to a role.
func (rl *RateLimiter) Budget(role Role) int {
	return rl.budgets[role]
}

// Stats reports limiter counters.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]interface{}{"tracked_buckets": len(rl.buckets)}
}

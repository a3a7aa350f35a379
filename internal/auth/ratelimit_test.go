package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/bridge/internal/core"
)

// ============================================================================
// RATE LIMITER TESTS
// ============================================================================

func TestRateLimiter_BudgetEnforced(t *testing.T) {
	rl := NewRateLimiter(map[Role]int{RoleAgent: 20})
	id := Identity{AgentID: "a1", Role: RoleAgent}

	// Issue 2× the per-minute budget back to back: at least the excess
	// must be refused.
	issued, refused := 40, 0
	for i := 0; i < issued; i++ {
		if err := rl.Allow(id, "validate"); err != nil {
			assert.ErrorIs(t, err, core.ErrRateLimited)
			refused++
		}
	}
	assert.GreaterOrEqual(t, refused, issued-20)
}

func TestRateLimiter_RetryAfterHint(t *testing.T) {
	rl := NewRateLimiter(map[Role]int{RoleAgent: 5})
	id := Identity{AgentID: "a1", Role: RoleAgent}

	var last error
	for i := 0; i < 10; i++ {
		last = rl.Allow(id, "validate")
	}
	require.Error(t, last)
	assert.Greater(t, core.RetryAfterSeconds(last), 0)
}

func TestRateLimiter_ContinuousRefill(t *testing.T) {
	// 6000/min = 100 tokens per second, so a drained bucket recovers
	// measurably within a short sleep.
	rl := NewRateLimiter(map[Role]int{RoleAgent: 6000})
	id := Identity{AgentID: "a1", Role: RoleAgent}

	for {
		if err := rl.Allow(id, "op"); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, rl.Allow(id, "op"), "bucket must refill continuously")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(map[Role]int{RoleAgent: 3})
	a1 := Identity{AgentID: "a1", Role: RoleAgent}
	a2 := Identity{AgentID: "a2", Role: RoleAgent}

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow(a1, "op"))
	}
	require.Error(t, rl.Allow(a1, "op"))

	// A different agent, and a different op class, both have full buckets.
	assert.NoError(t, rl.Allow(a2, "op"))
	assert.NoError(t, rl.Allow(a1, "other-op"))
}

func TestRateLimiter_RoleDefaults(t *testing.T) {
	rl := NewRateLimiter(nil)
	assert.Equal(t, 100, rl.Budget(RoleAgent))
	assert.Equal(t, 500, rl.Budget(RoleExpertAgent))
	assert.Equal(t, 5000, rl.Budget(RoleSystemAgent))
	assert.Equal(t, 10000, rl.Budget(RoleAdmin))
}

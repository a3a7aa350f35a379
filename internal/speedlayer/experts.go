package speedlayer

import (
	"context"
	"time"
)

// ============================================================================
// TIER 4 — EXPERT ESCALATION
// ============================================================================

// ExpertEscalator is implemented by the expert coordinator. It routes the
// command to capable experts, aggregates their signed responses (any deny
// wins; otherwise a quorum of allows is required), and returns the
// aggregate. An inconclusive escalation — nobody registered, everybody
// timed out — returns (nil, nil) and the dispatcher falls back to deny.
type ExpertEscalator interface {
	Escalate(ctx context.Context, cmd Command, requester string) (*Decision, error)
}

// expertTier adapts the coordinator to the Tier interface and enforces
// the configured wait budget.
type expertTier struct {
	escalator ExpertEscalator
	timeout   time.Duration
}

// NewExpertTier wraps an escalator with the tier-4 timeout (default 30s).
func NewExpertTier(escalator ExpertEscalator, timeout time.Duration) Tier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &expertTier{escalator: escalator, timeout: timeout}
}

func (t *expertTier) Name() string { return TierExperts }

func (t *expertTier) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.escalator.Escalate(ctx, req.Command, req.Identity.AgentID)
}

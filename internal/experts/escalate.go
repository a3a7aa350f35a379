package experts

import (
	"context"
	"log/slog"
	"time"

	"github.com/lighthouse/bridge/internal/speedlayer"
)

// ============================================================================
// ESCALATION — dispatcher tier 4
// ============================================================================

// CoordinatorConfig tunes escalation behavior.
type CoordinatorConfig struct {
	// Quorum is how many expert allows are needed for an aggregate allow
	// (default 1). Any deny wins immediately.
	Quorum int
	// ElicitationTTL bounds each escalation elicitation (default 30s).
	ElicitationTTL time.Duration
}

func (c *CoordinatorConfig) withDefaults() CoordinatorConfig {
	out := *c
	if out.Quorum <= 0 {
		out.Quorum = 1
	}
	if out.ElicitationTTL <= 0 {
		out.ElicitationTTL = 30 * time.Second
	}
	return out
}

// Coordinator routes validation questions to capability-matched experts
// and aggregates their answers. It implements the dispatcher's escalator
// interface.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	bus      *Bus
}

// NewCoordinator wires the registry and bus into the dispatcher's tier 4.
func NewCoordinator(registry *Registry, bus *Bus, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{cfg: cfg.withDefaults(), registry: registry, bus: bus}
}

type expertAnswer struct {
	agentID string
	outcome *Outcome
}

// Escalate fans the command out to every live expert with the matching
// capability and aggregates: any deny wins the moment it arrives; allows
// count toward the quorum; expiries are inconclusive. With no eligible
// expert, or with the quorum unmet at the deadline, the escalation is
// inconclusive and the dispatcher falls back to deny.
func (c *Coordinator) Escalate(ctx context.Context, cmd speedlayer.Command, requester string) (*speedlayer.Decision, error) {
	if cmd.Domain == "" {
		return nil, nil
	}
	targets := c.registry.ByCapability(cmd.Domain)
	if len(targets) == 0 {
		return nil, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	answers := make(chan expertAnswer, len(targets))
	dispatched := 0
	for _, target := range targets {
		el, err := c.bus.Create(requester, target, "command_validation", cmd.Text, c.cfg.ElicitationTTL)
		if err != nil {
			slog.Warn("escalation elicitation failed",
				"requester", requester, "expert", target, "error", err)
			continue
		}
		dispatched++
		go func(agentID, elicitationID string) {
			outcome, err := c.bus.Await(waitCtx, elicitationID)
			if err != nil {
				return // abandoned wait; the elicitation runs to its own end
			}
			answers <- expertAnswer{agentID: agentID, outcome: outcome}
		}(target, el.ID)
	}
	if dispatched == 0 {
		return nil, nil
	}

	allows := 0
	for received := 0; received < dispatched; received++ {
		select {
		case <-ctx.Done():
			return nil, nil // deadline: quorum unmet, inconclusive
		case ans := <-answers:
			if ans.outcome.State != ElicitationAnswered {
				continue // expired or cancelled: inconclusive
			}
			verdict, _ := ans.outcome.Response["verdict"].(string)
			switch speedlayer.Verdict(verdict) {
			case speedlayer.VerdictDeny:
				reason, _ := ans.outcome.Response["reason"].(string)
				if reason == "" {
					reason = "expert_denied"
				}
				return &speedlayer.Decision{
					Verdict:    speedlayer.VerdictDeny,
					Reason:     reason,
					SourceTier: speedlayer.TierExperts,
					Confidence: 1.0,
				}, nil
			case speedlayer.VerdictAllow:
				allows++
				if allows >= c.cfg.Quorum {
					return &speedlayer.Decision{
						Verdict:    speedlayer.VerdictAllow,
						Reason:     "expert_approved",
						SourceTier: speedlayer.TierExperts,
						Confidence: 1.0,
					}, nil
				}
			}
		}
	}
	return nil, nil
}

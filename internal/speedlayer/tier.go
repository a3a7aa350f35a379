// Package speedlayer implements the tiered validation dispatcher: memory
// cache, declarative policy rules, a learned-pattern classifier, and expert
// escalation, short-circuiting on the first definite answer and falling
// back to deny when every tier is inconclusive.
package speedlayer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/lighthouse/bridge/internal/auth"
)

// Verdict is the dispatcher's answer.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictDefer Verdict = "defer"
)

// Decision reason codes the dispatcher itself produces; policy rules add
// their own stable codes.
const (
	ReasonFailClosed = "fail_closed"
	ReasonCacheHit   = "cache_hit"
)

// Tier names, also used as circuit-breaker and metric labels.
const (
	TierCache    = "cache"
	TierPolicy   = "policy"
	TierPatterns = "patterns"
	TierExperts  = "expert"
)

// Command describes one proposed agent action.
type Command struct {
	// Kind is the command class ("shell", "file_write", "git", ...).
	Kind string `json:"kind"`
	// Text is the raw command or operation text.
	Text string `json:"text"`
	// Cwd is the working directory the command would run in.
	Cwd string `json:"cwd,omitempty"`
	// Domain names the expert capability needed to judge the command.
	Domain string `json:"domain,omitempty"`
}

// Normalized collapses whitespace so trivially different spellings share a
// cache entry.
func (c Command) Normalized() string {
	return c.Kind + "\x00" + strings.Join(strings.Fields(c.Text), " ") + "\x00" + c.Cwd
}

// Request is one validation question.
type Request struct {
	Command            Command
	Identity           auth.Identity
	ContextFingerprint string
}

// Fingerprint keys the cache: normalized command + relevant context +
// the acting agent, so one agent's cached verdict never answers another's.
func (r *Request) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Command.Normalized()))
	h.Write([]byte{0})
	h.Write([]byte(r.ContextFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(r.Identity.AgentID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Decision is the dispatcher output.
type Decision struct {
	Verdict    Verdict   `json:"verdict"`
	Reason     string    `json:"reason"`
	SourceTier string    `json:"source_tier"`
	Confidence float64   `json:"confidence"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Definite reports whether the decision settles the question.
func (d *Decision) Definite() bool {
	return d != nil && (d.Verdict == VerdictAllow || d.Verdict == VerdictDeny)
}

// Tier is one stage of the pipeline. Evaluate returns (nil, nil) to
// abstain. Tiers never import each other; the dispatcher owns ordering.
type Tier interface {
	Name() string
	Evaluate(ctx context.Context, req *Request) (*Decision, error)
}

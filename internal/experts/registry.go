// Package experts tracks live expert agents and brokers elicitations:
// typed request/response exchanges with per-elicitation response keys,
// replay protection, and a TTL state machine.
package experts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse/bridge/internal/auth"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

// ============================================================================
// EXPERT REGISTRY
// ============================================================================

// Expert is one registered expert agent.
type Expert struct {
	AgentID       string    `json:"agent_id"`
	Capabilities  []string  `json:"capabilities"`
	Token         string    `json:"-"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Stale         bool      `json:"stale"`
}

// Challenge is a single-use registration challenge. The registrant answers
// with ChallengeAnswer computed over the same secret.
type Challenge struct {
	AgentID   string    `json:"agent_id"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegistryConfig tunes the registry.
type RegistryConfig struct {
	// LivenessTimeout marks an expert stale after this long without a
	// heartbeat (default 90s).
	LivenessTimeout time.Duration
	// ChallengeTTL bounds how long a registration challenge stays valid
	// (default 2m).
	ChallengeTTL time.Duration
	// Now is injected by tests.
	Now func() time.Time
}

func (c *RegistryConfig) withDefaults() RegistryConfig {
	out := *c
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = 90 * time.Second
	}
	if out.ChallengeTTL <= 0 {
		out.ChallengeTTL = 2 * time.Minute
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Registry tracks expert registrations and their liveness. Registration
// requires answering a fresh HMAC challenge bound to the agent id and a
// server nonce, so a captured registration request cannot be replayed.
type Registry struct {
	cfg       RegistryConfig
	authority *auth.Authority
	store     *eventlog.Store
	secret    []byte

	mu         sync.Mutex
	experts    map[string]*Expert
	challenges map[string]*Challenge // nonce → challenge, single use
}

// NewRegistry builds a registry. The secret seeds registration challenges
// and is shared with provisioned experts.
func NewRegistry(authority *auth.Authority, store *eventlog.Store, cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:        cfg.withDefaults(),
		authority:  authority,
		store:      store,
		secret:     store.Secret(),
		experts:    make(map[string]*Expert),
		challenges: make(map[string]*Challenge),
	}
}

// ChallengeAnswer computes the expected response to a registration
// challenge. Exported so provisioned experts (and tests) can answer.
func ChallengeAnswer(secret []byte, agentID, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("expert-registration|" + agentID + "|" + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// BeginRegistration issues a fresh single-use challenge for the agent.
func (r *Registry) BeginRegistration(agentID string) (*Challenge, error) {
	if agentID == "" {
		return nil, core.Validationf("agent id is required")
	}
	ch := &Challenge{
		AgentID:   agentID,
		Nonce:     uuid.NewString(),
		ExpiresAt: r.cfg.Now().Add(r.cfg.ChallengeTTL),
	}
	r.mu.Lock()
	r.challenges[ch.Nonce] = ch
	r.mu.Unlock()
	return ch, nil
}

// Register completes registration. A valid answer consumes the challenge;
// a duplicate registration for an already-registered agent is idempotent
// and returns the existing expert token.
func (r *Registry) Register(agentID string, capabilities []string, nonce, answer string) (string, error) {
	if len(capabilities) == 0 {
		return "", core.Validationf("expert must declare at least one capability")
	}
	now := r.cfg.Now()

	r.mu.Lock()
	ch, ok := r.challenges[nonce]
	if !ok {
		r.mu.Unlock()
		return "", core.Authf(core.CodeInvalidSignature, "unknown or consumed challenge")
	}
	delete(r.challenges, nonce) // single use, even on failure
	r.mu.Unlock()

	if ch.AgentID != agentID {
		return "", core.Authf(core.CodeInvalidSignature, "challenge bound to a different agent")
	}
	if now.After(ch.ExpiresAt) {
		return "", core.Authf(core.CodeTokenExpired, "registration challenge expired")
	}
	expected := ChallengeAnswer(r.secret, agentID, nonce)
	if !hmac.Equal([]byte(expected), []byte(answer)) {
		return "", core.Authf(core.CodeInvalidSignature, "challenge answer does not verify")
	}

	r.mu.Lock()
	if existing, ok := r.experts[agentID]; ok {
		token := existing.Token
		r.mu.Unlock()
		return token, nil
	}
	r.mu.Unlock()

	token, err := r.authority.IssueToken(agentID, auth.RoleExpertAgent)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	// Lost a race with a concurrent registration: honor the first.
	if existing, ok := r.experts[agentID]; ok {
		token = existing.Token
		r.mu.Unlock()
		return token, nil
	}
	r.experts[agentID] = &Expert{
		AgentID:       agentID,
		Capabilities:  append([]string(nil), capabilities...),
		Token:         token,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.mu.Unlock()

	r.appendRegistered(agentID, capabilities)
	return token, nil
}

func (r *Registry) appendRegistered(agentID string, capabilities []string) {
	caps := make([]interface{}, len(capabilities))
	for i, c := range capabilities {
		caps[i] = c
	}
	_, err := r.store.Append(&eventlog.Event{
		Type:        eventlog.TypeAgentRegistered,
		AggregateID: "expert:" + agentID,
		ActorID:     agentID,
		Payload:     map[string]interface{}{"capabilities": caps},
	})
	if err != nil {
		slog.Warn("expert registration audit append failed", "agent_id", agentID, "error", err)
	}
}

// Release removes a registration; the next Register issues a fresh token.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	delete(r.experts, agentID)
	r.mu.Unlock()
}

// Heartbeat refreshes liveness; a stale expert is reinstated.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[agentID]
	if !ok {
		return core.NotFoundf("expert %s is not registered", agentID)
	}
	e.LastHeartbeat = r.cfg.Now()
	if e.Stale {
		e.Stale = false
		slog.Info("expert reinstated", "agent_id", agentID)
	}
	return nil
}

// SweepStale marks experts past the liveness timeout and returns how many
// were newly marked. The bridge runs this periodically.
func (r *Registry) SweepStale() int {
	cutoff := r.cfg.Now().Add(-r.cfg.LivenessTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	marked := 0
	for _, e := range r.experts {
		if !e.Stale && e.LastHeartbeat.Before(cutoff) {
			e.Stale = true
			marked++
			slog.Warn("expert marked stale", "agent_id", e.AgentID)
		}
	}
	// Expired challenges are garbage collected on the same cadence.
	now := r.cfg.Now()
	for nonce, ch := range r.challenges {
		if now.After(ch.ExpiresAt) {
			delete(r.challenges, nonce)
		}
	}
	return marked
}

// ByCapability returns live experts declaring the capability, in no
// particular order.
func (r *Registry) ByCapability(capability string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.experts {
		if e.Stale {
			continue
		}
		for _, c := range e.Capabilities {
			if c == capability {
				out = append(out, e.AgentID)
				break
			}
		}
	}
	return out
}

// Get returns a copy of the expert record.
func (r *Registry) Get(agentID string) (Expert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[agentID]
	if !ok {
		return Expert{}, false
	}
	return *e, true
}

// Stats reports registry counters.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := 0
	for _, e := range r.experts {
		if e.Stale {
			stale++
		}
	}
	return map[string]interface{}{
		"registered_experts": len(r.experts),
		"stale_experts":      stale,
		"open_challenges":    len(r.challenges),
	}
}

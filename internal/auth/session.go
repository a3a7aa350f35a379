package auth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

// ============================================================================
// SESSION MANAGER
// ============================================================================

// SessionState is the session lifecycle. Expired and revoked are sinks.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
)

// Session binds a verified identity to a client fingerprint.
type Session struct {
	ID          string       `json:"session_id"`
	AgentID     string       `json:"agent_id"`
	Role        Role         `json:"role"`
	Fingerprint string       `json:"-"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	LastSeen    time.Time    `json:"last_seen"`
}

// SessionConfig tunes expiry and quotas.
type SessionConfig struct {
	IdleTimeout time.Duration
	MaxAge      time.Duration
	MaxPerAgent int
	Now         func() time.Time // injected for tests
}

func (c *SessionConfig) withDefaults() *SessionConfig {
	out := *c
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultSessionIdleTimeout
	}
	if out.MaxAge <= 0 {
		out.MaxAge = DefaultSessionMaxAge
	}
	if out.MaxPerAgent <= 0 {
		out.MaxPerAgent = DefaultMaxSessionsPer
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// SessionManager owns all session state behind one lock. Every transition
// is appended to the event log before it becomes externally observable.
type SessionManager struct {
	authority *Authority
	store     *eventlog.Store
	cfg       *SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session
	byAgent  map[string]int // active sessions per agent
}

// NewSessionManager wires the manager to the shared authority and the log.
func NewSessionManager(authority *Authority, store *eventlog.Store, cfg SessionConfig) *SessionManager {
	return &SessionManager{
		authority: authority,
		store:     store,
		cfg:       cfg.withDefaults(),
		sessions:  make(map[string]*Session),
		byAgent:   make(map[string]int),
	}
}

// Create verifies the bearer token and opens a session bound to the
// client's fingerprint. The session_started event is durable before the
// session is returned as active.
func (sm *SessionManager) Create(token, fingerprint string) (*Session, error) {
	id, err := sm.authority.Verify(token)
	if err != nil {
		return nil, err
	}
	if fingerprint == "" {
		return nil, core.Validationf("session requires a client fingerprint")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.byAgent[id.AgentID] >= sm.cfg.MaxPerAgent {
		return nil, core.Validationf("agent %s reached max sessions (%d)", id.AgentID, sm.cfg.MaxPerAgent)
	}

	now := sm.cfg.Now()
	s := &Session{
		ID:          uuid.NewString(),
		AgentID:     id.AgentID,
		Role:        id.Role,
		Fingerprint: fingerprint,
		State:       SessionActive,
		CreatedAt:   now,
		LastSeen:    now,
	}

	_, err = sm.store.Append(&eventlog.Event{
		Type:        eventlog.TypeSessionStarted,
		AggregateID: "session:" + s.ID,
		ActorID:     id.AgentID,
		Payload:     map[string]interface{}{"role": string(id.Role)},
	})
	if err != nil {
		return nil, err
	}

	sm.sessions[s.ID] = s
	sm.byAgent[id.AgentID]++
	slog.Info("session started", "session_id", s.ID, "agent_id", id.AgentID, "role", string(id.Role))
	return s, nil
}

// Validate checks liveness and the fingerprint binding, refreshing
// last_seen on success. A fingerprint mismatch is treated as a hijack
// attempt: the session is revoked on the spot.
func (sm *SessionManager) Validate(sessionID, fingerprint string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return nil, core.NotFoundf("unknown session %s", sessionID)
	}
	if s.State != SessionActive {
		return nil, core.Authf(core.CodeSessionExpired, "session is %s", s.State)
	}

	now := sm.cfg.Now()
	if fingerprint != s.Fingerprint {
		sm.transition(s, SessionRevoked, "hijack_suspected")
		return nil, core.Authf(core.CodeFingerprintMismatch, "session fingerprint mismatch")
	}
	if now.Sub(s.LastSeen) >= sm.cfg.IdleTimeout {
		sm.transition(s, SessionExpired, "idle_timeout")
		return nil, core.Authf(core.CodeSessionExpired, "session idle timeout")
	}
	if now.Sub(s.CreatedAt) >= sm.cfg.MaxAge {
		sm.transition(s, SessionExpired, "max_age")
		return nil, core.Authf(core.CodeSessionExpired, "session exceeded max age")
	}

	s.LastSeen = now
	return s, nil
}

// End revokes an active session. Ending a session already in a terminal
// state is a no-op.
func (sm *SessionManager) End(sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return core.NotFoundf("unknown session %s", sessionID)
	}
	if s.State != SessionActive {
		return nil
	}
	sm.transition(s, SessionRevoked, "client_request")
	return nil
}

// transition moves a session to a terminal state and appends the
// session_ended event. Caller holds the lock.
func (sm *SessionManager) transition(s *Session, to SessionState, reason string) {
	s.State = to
	if sm.byAgent[s.AgentID] > 0 {
		sm.byAgent[s.AgentID]--
	}
	_, err := sm.store.Append(&eventlog.Event{
		Type:        eventlog.TypeSessionEnded,
		AggregateID: "session:" + s.ID,
		ActorID:     s.AgentID,
		Payload:     map[string]interface{}{"reason": reason, "state": string(to)},
	})
	if err != nil {
		slog.Error("session transition append failed",
			"session_id", s.ID, "reason", reason, "error", err)
	}
	slog.Info("session ended", "session_id", s.ID, "agent_id", s.AgentID, "reason", reason)
}

// Get returns a session by id without touching liveness.
func (sm *SessionManager) Get(sessionID string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	return s, ok
}

// SweepExpired retires sessions past their idle or age limits without
// waiting for the next Validate. Returns how many sessions transitioned.
func (sm *SessionManager) SweepExpired() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.cfg.Now()
	swept := 0
	for _, s := range sm.sessions {
		if s.State != SessionActive {
			continue
		}
		switch {
		case now.Sub(s.LastSeen) >= sm.cfg.IdleTimeout:
			sm.transition(s, SessionExpired, "idle_timeout")
			swept++
		case now.Sub(s.CreatedAt) >= sm.cfg.MaxAge:
			sm.transition(s, SessionExpired, "max_age")
			swept++
		}
	}
	return swept
}

// Stats reports session counts for the status endpoint.
func (sm *SessionManager) Stats() map[string]interface{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	active := 0
	for _, s := range sm.sessions {
		if s.State == SessionActive {
			active++
		}
	}
	return map[string]interface{}{
		"sessions_total":  len(sm.sessions),
		"sessions_active": active,
	}
}

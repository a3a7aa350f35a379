package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse/bridge/internal/core"
)

// ============================================================================
// TOKEN AUTHORITY
// ============================================================================

// AuthorityConfig configures the token authority.
type AuthorityConfig struct {
	Secret         []byte
	PreviousSecret []byte        // accepted during the rotation overlap
	RotationGrace  time.Duration // how long the previous secret stays valid
	TokenTTL       time.Duration
	Production     bool // refuse to run without an explicit secret
}

// Authority issues and verifies HMAC bearer tokens and tracks the role and
// revocation state for every known agent. All components share one instance;
// see Shared.
type Authority struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	tokenTTL   time.Duration

	roles   map[string]Role      // agent_id → role assigned at issuance
	revoked map[string]time.Time // agent_id → revocation time
}

// NewAuthority builds an authority. Prefer Shared for process wiring; a
// direct constructor exists so tests can build isolated instances.
func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		if cfg.Production {
			return nil, core.Storagef(core.CodeSecretUnavailable, nil,
				"auth secret is required in production mode")
		}
		// Development convenience: a random per-process secret, never a
		// hardcoded default.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, core.Storagef(core.CodeSecretUnavailable, err, "could not generate dev secret")
		}
		slog.Warn("auth secret not configured, generated a random development secret")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	grace := cfg.RotationGrace
	if grace <= 0 {
		grace = 24 * time.Hour
	}

	a := &Authority{
		secret:   secret,
		tokenTTL: ttl,
		roles:    make(map[string]Role),
		revoked:  make(map[string]time.Time),
	}
	if len(cfg.PreviousSecret) > 0 {
		a.prevSecret = cfg.PreviousSecret
		a.graceUntil = time.Now().Add(grace)
	}
	return a, nil
}

var (
	sharedMu        sync.Mutex
	sharedAuthority *Authority
)

// Shared is the guarded process-wide factory: the first call constructs the
// authority, later calls return the same instance regardless of the config
// passed. Identity checks from every component must go through one table.
func Shared(cfg AuthorityConfig) (*Authority, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedAuthority != nil {
		return sharedAuthority, nil
	}
	a, err := NewAuthority(cfg)
	if err != nil {
		return nil, err
	}
	sharedAuthority = a
	return a, nil
}

// Token layout: agent_id|issued_ns|expires_ns|nonce|sig where
// sig = HMAC-SHA256(secret, agent_id|issued_ns|expires_ns|nonce).
func tokenSigningInput(agentID string, issued, expires int64, nonce string) string {
	return fmt.Sprintf("%s|%d|%d|%s", agentID, issued, expires, nonce)
}

func signWith(secret []byte, input string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

// IssueToken mints a bearer token for the agent and records its role.
func (a *Authority) IssueToken(agentID string, role Role) (string, error) {
	if agentID == "" || strings.Contains(agentID, "|") {
		return "", core.Validationf("invalid agent id %q", agentID)
	}
	if !role.Valid() {
		return "", core.Validationf("unknown role %q", role)
	}

	now := time.Now()
	issued := now.UnixNano()
	expires := now.Add(a.tokenTTL).UnixNano()
	nonce := uuid.NewString()

	a.mu.Lock()
	sig := signWith(a.secret, tokenSigningInput(agentID, issued, expires, nonce))
	a.roles[agentID] = role
	delete(a.revoked, agentID) // issuing anew clears a prior revocation
	a.mu.Unlock()

	return fmt.Sprintf("%s|%d|%d|%s|%s",
		agentID, issued, expires, nonce,
		base64.RawURLEncoding.EncodeToString(sig)), nil
}

// Verify checks a bearer token and returns the identity it proves.
// Signature checks run in constant time; during a rotation overlap the
// previous secret is also accepted.
func (a *Authority) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, core.Authf(core.CodeMissingToken, "no token presented")
	}
	parts := strings.Split(token, "|")
	if len(parts) != 5 {
		return Identity{}, core.Authf(core.CodeInvalidSignature, "malformed token")
	}
	agentID := parts[0]
	issued, err1 := strconv.ParseInt(parts[1], 10, 64)
	expires, err2 := strconv.ParseInt(parts[2], 10, 64)
	// Strict decoding rejects trailing-bit malleability in the signature.
	sig, err3 := base64.RawURLEncoding.Strict().DecodeString(parts[4])
	if err1 != nil || err2 != nil || err3 != nil {
		return Identity{}, core.Authf(core.CodeInvalidSignature, "malformed token")
	}

	input := tokenSigningInput(agentID, issued, expires, parts[3])

	a.mu.RLock()
	valid := hmac.Equal(sig, signWith(a.secret, input))
	if !valid && len(a.prevSecret) > 0 && time.Now().Before(a.graceUntil) {
		valid = hmac.Equal(sig, signWith(a.prevSecret, input))
	}
	role, known := a.roles[agentID]
	revokedAt, revoked := a.revoked[agentID]
	a.mu.RUnlock()

	if !valid {
		return Identity{}, core.Authf(core.CodeInvalidSignature, "token signature does not verify")
	}
	if time.Now().UnixNano() > expires {
		return Identity{}, core.Authf(core.CodeTokenExpired, "token expired")
	}
	if revoked && issued <= revokedAt.UnixNano() {
		return Identity{}, core.Authf(core.CodeInvalidSignature, "agent credentials revoked")
	}
	if !known {
		// A verified signature for an unknown agent means the role table
		// was lost (or the token predates this process); treat as guest.
		role = RoleGuest
	}
	return Identity{AgentID: agentID, Role: role}, nil
}

// Revoke invalidates every token issued to the agent up to now.
func (a *Authority) Revoke(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[agentID] = time.Now()
	slog.Info("agent credentials revoked", "agent_id", agentID)
}

// RotateSecret installs a new signing secret. Tokens signed with the old
// secret stay valid for the configured grace window.
func (a *Authority) RotateSecret(newSecret []byte, grace time.Duration) error {
	if len(newSecret) == 0 {
		return core.Validationf("rotation requires a non-empty secret")
	}
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevSecret = a.secret
	a.graceUntil = time.Now().Add(grace)
	a.secret = newSecret
	slog.Info("auth secret rotated", "grace_until", a.graceUntil.Format(time.RFC3339))
	return nil
}

// RoleOf returns the role recorded for an agent at issuance.
func (a *Authority) RoleOf(agentID string) (Role, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.roles[agentID]
	return r, ok
}

// Stats reports authority counters for the status endpoint.
func (a *Authority) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := map[string]interface{}{
		"known_agents":   len(a.roles),
		"revoked_agents": len(a.revoked),
		"token_ttl_sec":  a.tokenTTL.Seconds(),
	}
	if len(a.prevSecret) > 0 {
		stats["rotation_active"] = time.Now().Before(a.graceUntil)
	}
	return stats
}

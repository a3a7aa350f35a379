package experts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/lighthouse/bridge/internal/auth"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

// ============================================================================
// ELICITATION BUS
// ============================================================================

// ElicitationState is the lifecycle state. Terminal states never change.
type ElicitationState string

const (
	ElicitationPending   ElicitationState = "pending"
	ElicitationAnswered  ElicitationState = "answered"
	ElicitationExpired   ElicitationState = "expired"
	ElicitationCancelled ElicitationState = "cancelled"
)

func (s ElicitationState) Terminal() bool { return s != ElicitationPending }

// Elicitation is one request/response exchange between agents.
type Elicitation struct {
	ID          string                 `json:"elicitation_id"`
	From        string                 `json:"from_agent"`
	To          string                 `json:"to_agent"`
	Schema      string                 `json:"schema"`
	Prompt      string                 `json:"prompt"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	State       ElicitationState       `json:"state"`
	Response    map[string]interface{} `json:"response,omitempty"`
	RespondedAt time.Time              `json:"responded_at,omitempty"`
}

// Outcome is the terminal result a waiter observes.
type Outcome struct {
	State    ElicitationState       `json:"state"`
	Response map[string]interface{} `json:"response,omitempty"`
}

type elicitation struct {
	Elicitation
	responseKey []byte
	done        chan struct{} // closed exactly once, on the terminal transition
	timer       *time.Timer
	terminalAt  time.Time // set on the terminal transition; drives eviction
}

// BusConfig tunes the elicitation bus.
type BusConfig struct {
	// DefaultTTL applies when create passes no TTL (default 30s).
	DefaultTTL time.Duration
	// MaxPendingPerAgent bounds concurrent pending elicitations a single
	// requester may hold (default 32).
	MaxPendingPerAgent int
	// RetainTerminal keeps finished elicitations visible to late Await/Get
	// callers for this long before SweepTerminal evicts them (default 1m).
	RetainTerminal time.Duration
	// Now is injected by tests.
	Now func() time.Time
}

func (c *BusConfig) withDefaults() BusConfig {
	out := *c
	if out.DefaultTTL <= 0 {
		out.DefaultTTL = 30 * time.Second
	}
	if out.MaxPendingPerAgent <= 0 {
		out.MaxPendingPerAgent = 32
	}
	if out.RetainTerminal <= 0 {
		out.RetainTerminal = time.Minute
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Bus brokers elicitations. Waiters never hold the bus lock: each
// elicitation carries a single-shot completion channel that the terminal
// transition closes after the lifecycle event is durable.
type Bus struct {
	cfg       BusConfig
	authority *auth.Authority
	store     *eventlog.Store
	limiter   *auth.RateLimiter
	secret    []byte

	mu            sync.Mutex
	elicitations  map[string]*elicitation
	pendingByFrom map[string]int
}

// NewBus builds the elicitation bus on top of the event store's secret.
func NewBus(authority *auth.Authority, store *eventlog.Store, limiter *auth.RateLimiter, cfg BusConfig) *Bus {
	return &Bus{
		cfg:           cfg.withDefaults(),
		authority:     authority,
		store:         store,
		limiter:       limiter,
		secret:        store.Secret(),
		elicitations:  make(map[string]*elicitation),
		pendingByFrom: make(map[string]int),
	}
}

// DeriveResponseKey derives the per-elicitation response key from the
// store secret and both ids. Provisioned experts hold the secret and
// derive the same key; a key never works for any other elicitation.
func DeriveResponseKey(secret []byte, elicitationID, toAgent string) []byte {
	r := hkdf.New(sha256.New, secret, nil, []byte("elicitation-response|"+elicitationID+"|"+toAgent))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		panic("hkdf expansion failed: " + err.Error())
	}
	return key
}

// SignResponse computes the signature the bus expects over a response
// payload. Payload bytes are the canonical JSON encoding.
func SignResponse(responseKey []byte, elicitationID string, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", core.Validationf("response payload is not serializable: %v", err)
	}
	mac := hmac.New(sha256.New, responseKey)
	mac.Write([]byte(elicitationID))
	mac.Write([]byte{0})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Create allocates a pending elicitation, appends elicitation_created, and
// arms the expiry timer. Create succeeds even when no expert is reachable;
// such an elicitation simply expires.
func (b *Bus) Create(from, to, schema, prompt string, ttl time.Duration) (*Elicitation, error) {
	if from == "" || to == "" {
		return nil, core.Validationf("elicitation requires from and to agents")
	}
	if ttl <= 0 {
		ttl = b.cfg.DefaultTTL
	}
	role, _ := b.authority.RoleOf(from)
	if err := b.limiter.Allow(auth.Identity{AgentID: from, Role: role}, "elicit:"+to); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.pendingByFrom[from] >= b.cfg.MaxPendingPerAgent {
		b.mu.Unlock()
		return nil, core.Overloaded("pending elicitations for " + from)
	}
	b.pendingByFrom[from]++
	b.mu.Unlock()

	now := b.cfg.Now()
	el := &elicitation{
		Elicitation: Elicitation{
			ID:        uuid.NewString(),
			From:      from,
			To:        to,
			Schema:    schema,
			Prompt:    prompt,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			State:     ElicitationPending,
		},
		done: make(chan struct{}),
	}
	el.responseKey = DeriveResponseKey(b.secret, el.ID, to)

	// The creation event is durable before the elicitation is observable.
	_, err := b.store.Append(&eventlog.Event{
		Type:        eventlog.TypeElicitationCreated,
		AggregateID: "elicitation:" + el.ID,
		ActorID:     from,
		Payload: map[string]interface{}{
			"from":   from,
			"to":     to,
			"schema": schema,
			"ttl_ms": ttl.Milliseconds(),
		},
	})
	if err != nil {
		b.mu.Lock()
		b.pendingByFrom[from]--
		b.mu.Unlock()
		return nil, err
	}

	b.mu.Lock()
	b.elicitations[el.ID] = el
	el.timer = time.AfterFunc(ttl, func() { b.expire(el.ID) })
	b.mu.Unlock()

	out := el.Elicitation
	return &out, nil
}

// Respond submits a signed response. It is accepted only while pending,
// only from the addressed agent, only before expiry, and only with a
// signature under this elicitation's response key. A second call on an
// answered elicitation returns the first outcome without a transition.
func (b *Bus) Respond(elicitationID, responderToken string, payload map[string]interface{}, signature string) (*Outcome, error) {
	identity, err := b.authority.Verify(responderToken)
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Allow(identity, "elicitation_respond"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	el, ok := b.elicitations[elicitationID]
	if !ok {
		b.mu.Unlock()
		return nil, core.NotFoundf("elicitation %s", elicitationID)
	}
	switch el.State {
	case ElicitationAnswered:
		out := &Outcome{State: el.State, Response: el.Response}
		b.mu.Unlock()
		return out, nil
	case ElicitationExpired, ElicitationCancelled:
		state := el.State
		b.mu.Unlock()
		return nil, core.Conflictf("elicitation %s is %s", elicitationID, state)
	}
	key := el.responseKey
	to, expiresAt := el.To, el.ExpiresAt
	b.mu.Unlock()

	if identity.AgentID != to {
		return nil, core.Authzf("elicitation %s is addressed to %s", elicitationID, to)
	}
	now := b.cfg.Now()
	if now.After(expiresAt) {
		b.expire(elicitationID)
		return nil, core.Conflictf("elicitation %s is expired", elicitationID)
	}
	expected, err := SignResponse(key, elicitationID, payload)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, core.Authf(core.CodeInvalidSignature, "response signature does not verify")
	}

	b.mu.Lock()
	// Re-check under the lock: expiry or a concurrent response may have
	// won the race while the signature was being verified.
	if el.State != ElicitationPending {
		out := &Outcome{State: el.State, Response: el.Response}
		b.mu.Unlock()
		if out.State == ElicitationAnswered {
			return out, nil
		}
		return nil, core.Conflictf("elicitation %s is %s", elicitationID, out.State)
	}

	// Durable before observable: append first, then wake waiters.
	_, err = b.store.Append(&eventlog.Event{
		Type:        eventlog.TypeElicitationAnswered,
		AggregateID: "elicitation:" + elicitationID,
		ActorID:     identity.AgentID,
		Payload:     map[string]interface{}{"response": payload},
	})
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	el.State = ElicitationAnswered
	el.Response = payload
	el.RespondedAt = now
	el.terminalAt = now
	if el.timer != nil {
		el.timer.Stop()
	}
	b.pendingByFrom[el.From]--
	out := &Outcome{State: ElicitationAnswered, Response: payload}
	close(el.done)
	b.mu.Unlock()
	return out, nil
}

// Cancel terminates a pending elicitation. Only the requester or an admin
// may cancel.
func (b *Bus) Cancel(elicitationID, by string) error {
	b.mu.Lock()
	el, ok := b.elicitations[elicitationID]
	if !ok {
		b.mu.Unlock()
		return core.NotFoundf("elicitation %s", elicitationID)
	}
	from := el.From
	b.mu.Unlock()

	role, _ := b.authority.RoleOf(by)
	if by != from && role != auth.RoleAdmin {
		return core.Authzf("only the requester or an admin may cancel")
	}
	return b.transition(elicitationID, ElicitationCancelled, by)
}

func (b *Bus) expire(elicitationID string) {
	if err := b.transition(elicitationID, ElicitationExpired, ""); err != nil {
		if !isBenignTransitionError(err) {
			slog.Warn("elicitation expiry failed", "elicitation_id", elicitationID, "error", err)
		}
	}
}

func isBenignTransitionError(err error) bool {
	return errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrNotFound)
}

// transition moves a pending elicitation to a terminal state, appends the
// lifecycle event, and wakes waiters. The append happens under the bus
// lock so the event order matches the observed state order exactly.
func (b *Bus) transition(elicitationID string, to ElicitationState, actor string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.elicitations[elicitationID]
	if !ok {
		return core.NotFoundf("elicitation %s", elicitationID)
	}
	if el.State != ElicitationPending {
		return core.Conflictf("elicitation %s is %s", elicitationID, el.State)
	}

	evType := eventlog.TypeElicitationExpired
	payload := map[string]interface{}{"state": string(to)}
	if to == ElicitationCancelled {
		evType = eventlog.TypeCustom
		payload["action"] = "elicitation_cancelled"
		payload["cancelled_by"] = actor
	}
	if actor == "" {
		actor = "bridge"
	}
	if _, err := b.store.Append(&eventlog.Event{
		Type:        evType,
		AggregateID: "elicitation:" + elicitationID,
		ActorID:     actor,
		Payload:     payload,
	}); err != nil {
		return err
	}

	el.State = to
	el.terminalAt = b.cfg.Now()
	if el.timer != nil {
		el.timer.Stop()
	}
	b.pendingByFrom[el.From]--
	close(el.done)
	return nil
}

// SweepTerminal evicts finished elicitations older than the retention
// grace. Pending entries are never touched; the grace keeps the final
// state observable for waiters that were late to Await.
func (b *Bus) SweepTerminal() int {
	cutoff := b.cfg.Now().Add(-b.cfg.RetainTerminal)
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for id, el := range b.elicitations {
		if el.State.Terminal() && el.terminalAt.Before(cutoff) {
			delete(b.elicitations, id)
			evicted++
		}
	}
	return evicted
}

// Await blocks until the elicitation reaches a terminal state or ctx is
// cancelled. A cancelled waiter releases nothing but its own goroutine:
// the elicitation continues until answered or expired.
func (b *Bus) Await(ctx context.Context, elicitationID string) (*Outcome, error) {
	b.mu.Lock()
	el, ok := b.elicitations[elicitationID]
	if !ok {
		b.mu.Unlock()
		return nil, core.NotFoundf("elicitation %s", elicitationID)
	}
	done := el.done
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, &core.Error{Kind: core.KindCancelled, Reason: "wait abandoned", Err: ctx.Err()}
	}

	b.mu.Lock()
	out := &Outcome{State: el.State, Response: el.Response}
	b.mu.Unlock()
	return out, nil
}

// Inbox lists pending elicitations addressed to an agent, oldest first.
// Experts poll this to discover work.
func (b *Bus) Inbox(toAgent string) []*Elicitation {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Elicitation
	for _, el := range b.elicitations {
		if el.To == toAgent && el.State == ElicitationPending {
			cp := el.Elicitation
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a copy of the elicitation.
func (b *Bus) Get(elicitationID string) (*Elicitation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.elicitations[elicitationID]
	if !ok {
		return nil, false
	}
	out := el.Elicitation
	return &out, true
}

// Stats reports bus counters.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := 0
	for _, el := range b.elicitations {
		if el.State == ElicitationPending {
			pending++
		}
	}
	return map[string]interface{}{
		"elicitations": len(b.elicitations),
		"pending":      pending,
	}
}

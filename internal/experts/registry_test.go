package experts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/bridge/internal/auth"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

var testSecret = []byte("experts-test-secret-0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type registryFixture struct {
	authority *auth.Authority
	store     *eventlog.Store
	registry  *Registry
	clock     *fakeClock
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	store, err := eventlog.Open(eventlog.Options{
		Dir: t.TempDir(), NodeID: "test", Secret: testSecret,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authority, err := auth.NewAuthority(auth.AuthorityConfig{Secret: testSecret})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	return &registryFixture{
		authority: authority,
		store:     store,
		registry:  NewRegistry(authority, store, RegistryConfig{Now: clock.Now}),
		clock:     clock,
	}
}

func (f *registryFixture) registerExpert(t *testing.T, agentID string, caps ...string) string {
	t.Helper()
	ch, err := f.registry.BeginRegistration(agentID)
	require.NoError(t, err)
	token, err := f.registry.Register(agentID, caps, ch.Nonce, ChallengeAnswer(testSecret, agentID, ch.Nonce))
	require.NoError(t, err)
	return token
}

func TestRegistry_ChallengeRegistration(t *testing.T) {
	f := newRegistryFixture(t)
	token := f.registerExpert(t, "e1", "security_review")
	require.NotEmpty(t, token)

	// The token is a real expert token.
	id, err := f.authority.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "e1", id.AgentID)
	assert.Equal(t, auth.RoleExpertAgent, id.Role)

	// Registration is audited.
	events, err := f.store.Query(eventlog.Filter{
		AggregateID: "expert:e1",
		Types:       []eventlog.EventType{eventlog.TypeAgentRegistered},
	}).Collect()
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRegistry_WrongAnswerRejected(t *testing.T) {
	f := newRegistryFixture(t)
	ch, err := f.registry.BeginRegistration("e1")
	require.NoError(t, err)

	_, err = f.registry.Register("e1", []string{"x"}, ch.Nonce, "not-the-answer")
	assert.ErrorIs(t, err, &core.Error{Kind: core.KindAuth, Code: core.CodeInvalidSignature})

	_, ok := f.registry.Get("e1")
	assert.False(t, ok)
}

func TestRegistry_ChallengeSingleUse(t *testing.T) {
	f := newRegistryFixture(t)
	ch, err := f.registry.BeginRegistration("e1")
	require.NoError(t, err)
	answer := ChallengeAnswer(testSecret, "e1", ch.Nonce)

	// A failed attempt consumes the nonce: the correct answer no longer
	// works afterwards.
	_, err = f.registry.Register("e1", []string{"x"}, ch.Nonce, "wrong")
	require.Error(t, err)
	_, err = f.registry.Register("e1", []string{"x"}, ch.Nonce, answer)
	assert.ErrorIs(t, err, core.ErrAuth)
}

func TestRegistry_ChallengeBoundToAgent(t *testing.T) {
	f := newRegistryFixture(t)
	ch, err := f.registry.BeginRegistration("e1")
	require.NoError(t, err)

	_, err = f.registry.Register("e2", []string{"x"}, ch.Nonce, ChallengeAnswer(testSecret, "e2", ch.Nonce))
	assert.ErrorIs(t, err, core.ErrAuth)
}

func TestRegistry_ExpiredChallenge(t *testing.T) {
	f := newRegistryFixture(t)
	ch, err := f.registry.BeginRegistration("e1")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	_, err = f.registry.Register("e1", []string{"x"}, ch.Nonce, ChallengeAnswer(testSecret, "e1", ch.Nonce))
	assert.ErrorIs(t, err, &core.Error{Kind: core.KindAuth, Code: core.CodeTokenExpired})
}

func TestRegistry_DuplicateRegistrationIdempotent(t *testing.T) {
	f := newRegistryFixture(t)
	first := f.registerExpert(t, "e1", "security_review")
	second := f.registerExpert(t, "e1", "security_review")
	assert.Equal(t, first, second, "existing token returned until released")

	f.registry.Release("e1")
	third := f.registerExpert(t, "e1", "security_review")
	assert.NotEqual(t, first, third, "release allows a fresh registration")
}

func TestRegistry_StaleAndReinstate(t *testing.T) {
	f := newRegistryFixture(t)
	f.registerExpert(t, "e1", "security_review")

	assert.Equal(t, []string{"e1"}, f.registry.ByCapability("security_review"))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.registry.SweepStale())
	assert.Empty(t, f.registry.ByCapability("security_review"), "stale experts excluded from routing")

	require.NoError(t, f.registry.Heartbeat("e1"))
	assert.Equal(t, []string{"e1"}, f.registry.ByCapability("security_review"))

	e, ok := f.registry.Get("e1")
	require.True(t, ok)
	assert.False(t, e.Stale)
}

func TestRegistry_HeartbeatUnknownExpert(t *testing.T) {
	f := newRegistryFixture(t)
	assert.ErrorIs(t, f.registry.Heartbeat("ghost"), core.ErrNotFound)
}

func TestRegistry_RequiresCapabilities(t *testing.T) {
	f := newRegistryFixture(t)
	ch, err := f.registry.BeginRegistration("e1")
	require.NoError(t, err)
	_, err = f.registry.Register("e1", nil, ch.Nonce, ChallengeAnswer(testSecret, "e1", ch.Nonce))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRegistry_CapabilityIndex(t *testing.T) {
	f := newRegistryFixture(t)
	f.registerExpert(t, "e1", "security_review", "code_review")
	f.registerExpert(t, "e2", "code_review")

	assert.ElementsMatch(t, []string{"e1", "e2"}, f.registry.ByCapability("code_review"))
	assert.Equal(t, []string{"e1"}, f.registry.ByCapability("security_review"))
	assert.Empty(t, f.registry.ByCapability("database_migration"))
}

package experts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/bridge/internal/auth"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

type busFixture struct {
	authority *auth.Authority
	store     *eventlog.Store
	bus       *Bus
}

func newBusFixture(t *testing.T, mutate ...func(*BusConfig)) *busFixture {
	t.Helper()
	store, err := eventlog.Open(eventlog.Options{
		Dir: t.TempDir(), NodeID: "test", Secret: testSecret,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authority, err := auth.NewAuthority(auth.AuthorityConfig{Secret: testSecret})
	require.NoError(t, err)

	cfg := BusConfig{}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return &busFixture{
		authority: authority,
		store:     store,
		bus:       NewBus(authority, store, auth.NewRateLimiter(nil), cfg),
	}
}

func (f *busFixture) expertToken(t *testing.T, agentID string) string {
	t.Helper()
	token, err := f.authority.IssueToken(agentID, auth.RoleExpertAgent)
	require.NoError(t, err)
	return token
}

func (f *busFixture) events(t *testing.T, elicitationID string, typ eventlog.EventType) []*eventlog.Event {
	t.Helper()
	events, err := f.store.Query(eventlog.Filter{
		AggregateID: "elicitation:" + elicitationID,
		Types:       []eventlog.EventType{typ},
	}).Collect()
	require.NoError(t, err)
	return events
}

func (f *busFixture) signedResponse(t *testing.T, elicitationID, to string, payload map[string]interface{}) string {
	t.Helper()
	key := DeriveResponseKey(testSecret, elicitationID, to)
	sig, err := SignResponse(key, elicitationID, payload)
	require.NoError(t, err)
	return sig
}

func TestBus_SuccessfulElicitation(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")

	el, err := f.bus.Create("a1", "e1", "command_validation", "may I run rm?", 5*time.Second)
	require.NoError(t, err)
	require.Len(t, f.events(t, el.ID, eventlog.TypeElicitationCreated), 1)

	// The requester waits on a separate goroutine, like the dispatcher does.
	type waitResult struct {
		outcome *Outcome
		err     error
	}
	waited := make(chan waitResult, 1)
	go func() {
		outcome, err := f.bus.Await(context.Background(), el.ID)
		waited <- waitResult{outcome, err}
	}()

	payload := map[string]interface{}{"verdict": "allow"}
	outcome, err := f.bus.Respond(el.ID, token, payload, f.signedResponse(t, el.ID, "e1", payload))
	require.NoError(t, err)
	assert.Equal(t, ElicitationAnswered, outcome.State)

	res := <-waited
	require.NoError(t, res.err)
	assert.Equal(t, ElicitationAnswered, res.outcome.State)
	assert.Equal(t, "allow", res.outcome.Response["verdict"])

	assert.Len(t, f.events(t, el.ID, eventlog.TypeElicitationAnswered), 1)
}

func TestBus_RespondIdempotent(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")
	el, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)

	payload := map[string]interface{}{"verdict": "allow"}
	first, err := f.bus.Respond(el.ID, token, payload, f.signedResponse(t, el.ID, "e1", payload))
	require.NoError(t, err)

	// The second call, even with a different payload, returns the first
	// outcome and appends nothing.
	other := map[string]interface{}{"verdict": "deny"}
	second, err := f.bus.Respond(el.ID, token, other, f.signedResponse(t, el.ID, "e1", other))
	require.NoError(t, err)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, "allow", second.Response["verdict"])

	assert.Len(t, f.events(t, el.ID, eventlog.TypeElicitationAnswered), 1)
}

func TestBus_ExpiryIsTerminal(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")
	el, err := f.bus.Create("a1", "e1", "s", "p", 30*time.Millisecond)
	require.NoError(t, err)

	outcome, err := f.bus.Await(context.Background(), el.ID)
	require.NoError(t, err)
	assert.Equal(t, ElicitationExpired, outcome.State)

	got, ok := f.bus.Get(el.ID)
	require.True(t, ok)
	assert.Equal(t, ElicitationExpired, got.State)

	assert.Len(t, f.events(t, el.ID, eventlog.TypeElicitationExpired), 1)
	assert.Empty(t, f.events(t, el.ID, eventlog.TypeElicitationAnswered))

	// A late response is refused.
	payload := map[string]interface{}{"verdict": "allow"}
	_, err = f.bus.Respond(el.ID, token, payload, f.signedResponse(t, el.ID, "e1", payload))
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.Len(t, f.events(t, el.ID, eventlog.TypeElicitationExpired), 1, "expiry event stays unique")
}

func TestBus_ReplayAcrossElicitationsRejected(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")

	x, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)
	payload := map[string]interface{}{"verdict": "allow"}
	captured := f.signedResponse(t, x.ID, "e1", payload)
	_, err = f.bus.Respond(x.ID, token, payload, captured)
	require.NoError(t, err)

	// Same requester, responder, schema, payload: the captured signature
	// still fails because the response key is per-elicitation.
	y, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)
	_, err = f.bus.Respond(y.ID, token, payload, captured)
	assert.ErrorIs(t, err, &core.Error{Kind: core.KindAuth, Code: core.CodeInvalidSignature})

	got, ok := f.bus.Get(y.ID)
	require.True(t, ok)
	assert.Equal(t, ElicitationPending, got.State, "no transition on rejected replay")
}

func TestBus_WrongResponderRejected(t *testing.T) {
	f := newBusFixture(t)
	imposter := f.expertToken(t, "e2")
	el, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)

	payload := map[string]interface{}{"verdict": "allow"}
	_, err = f.bus.Respond(el.ID, imposter, payload, f.signedResponse(t, el.ID, "e1", payload))
	assert.ErrorIs(t, err, core.ErrAuthz)
}

func TestBus_StolenTokenWithoutKeyRejected(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")
	el, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)

	// Holding e1's token is not enough without the response key.
	payload := map[string]interface{}{"verdict": "allow"}
	_, err = f.bus.Respond(el.ID, token, payload, "deadbeef")
	assert.ErrorIs(t, err, &core.Error{Kind: core.KindAuth, Code: core.CodeInvalidSignature})
}

func TestBus_CancelByRequester(t *testing.T) {
	f := newBusFixture(t)
	el, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, f.bus.Cancel(el.ID, "a1"))
	got, ok := f.bus.Get(el.ID)
	require.True(t, ok)
	assert.Equal(t, ElicitationCancelled, got.State)

	// Terminal: cancel again fails, respond fails.
	assert.ErrorIs(t, f.bus.Cancel(el.ID, "a1"), core.ErrConflict)
}

func TestBus_CancelByStrangerRejected(t *testing.T) {
	f := newBusFixture(t)
	el, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, f.bus.Cancel(el.ID, "someone-else"), core.ErrAuthz)
}

func TestBus_AwaitCancellationLeavesElicitationRunning(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")
	el, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.bus.Await(ctx, el.ID)
	assert.ErrorIs(t, err, core.ErrCancelled)

	// The elicitation still completes and persists its outcome.
	payload := map[string]interface{}{"verdict": "allow"}
	_, err = f.bus.Respond(el.ID, token, payload, f.signedResponse(t, el.ID, "e1", payload))
	require.NoError(t, err)
	assert.Len(t, f.events(t, el.ID, eventlog.TypeElicitationAnswered), 1)
}

func TestBus_Inbox(t *testing.T) {
	f := newBusFixture(t)
	_, err := f.bus.Create("a1", "e1", "s", "first", 5*time.Second)
	require.NoError(t, err)
	_, err = f.bus.Create("a2", "e1", "s", "second", 5*time.Second)
	require.NoError(t, err)
	_, err = f.bus.Create("a1", "e2", "s", "other", 5*time.Second)
	require.NoError(t, err)

	inbox := f.bus.Inbox("e1")
	require.Len(t, inbox, 2)
	assert.Equal(t, "first", inbox[0].Prompt)
	assert.Equal(t, "second", inbox[1].Prompt)
}

func TestBus_PendingCapPerRequester(t *testing.T) {
	f := newBusFixture(t, func(cfg *BusConfig) { cfg.MaxPendingPerAgent = 2 })
	_, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)
	_, err = f.bus.Create("a1", "e2", "s", "p", 5*time.Second)
	require.NoError(t, err)
	_, err = f.bus.Create("a1", "e3", "s", "p", 5*time.Second)
	assert.ErrorIs(t, err, core.ErrOverloaded)
}

func TestBus_SweepEvictsTerminalAfterGrace(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	f := newBusFixture(t, func(cfg *BusConfig) { cfg.Now = clock.Now })
	token := f.expertToken(t, "e1")

	var finished []string
	for i := 0; i < 4; i++ {
		el, err := f.bus.Create("a1", "e1", "s", "p", 20*time.Millisecond)
		require.NoError(t, err)
		_, err = f.bus.Await(context.Background(), el.ID)
		require.NoError(t, err)
		finished = append(finished, el.ID)
	}
	answered, err := f.bus.Create("a1", "e1", "s", "p", 5*time.Second)
	require.NoError(t, err)
	payload := map[string]interface{}{"verdict": "allow"}
	_, err = f.bus.Respond(answered.ID, token, payload, f.signedResponse(t, answered.ID, "e1", payload))
	require.NoError(t, err)
	finished = append(finished, answered.ID)
	pending, err := f.bus.Create("a1", "e1", "s", "p", time.Hour)
	require.NoError(t, err)

	// Inside the retention grace nothing is evicted; late readers still
	// observe the final state.
	assert.Zero(t, f.bus.SweepTerminal())
	got, ok := f.bus.Get(finished[0])
	require.True(t, ok)
	assert.Equal(t, ElicitationExpired, got.State)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, len(finished), f.bus.SweepTerminal())
	for _, id := range finished {
		_, ok := f.bus.Get(id)
		assert.False(t, ok, "finished elicitation %s still held", id)
	}

	// The pending one survives the sweep untouched.
	got, ok = f.bus.Get(pending.ID)
	require.True(t, ok)
	assert.Equal(t, ElicitationPending, got.State)
	assert.EqualValues(t, 1, f.bus.Stats()["elicitations"])
}

func TestBus_UnknownElicitation(t *testing.T) {
	f := newBusFixture(t)
	token := f.expertToken(t, "e1")
	_, err := f.bus.Respond("nope", token, nil, "sig")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.bus.Await(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

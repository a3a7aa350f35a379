package eventlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// CODEC & INTEGRITY TAG UNIT TESTS
// ============================================================================

var testSecret = []byte("unit-test-secret-key-0123456789ab")

func sampleEvent() *Event {
	return &Event{
		EventID:     "1724500000000000000_000001_node0",
		Sequence:    42,
		Type:        TypeCommandReceived,
		AggregateID: "project-1",
		ActorID:     "agent-7",
		Timestamp:   1724500000000000001,
		Payload: map[string]interface{}{
			"command": "git status",
			"cwd":     "/workspace",
			"nested":  map[string]interface{}{"b": 2.0, "a": 1.0},
		},
	}
}

func TestEvent_EncodeDecodeRoundTrip(t *testing.T) {
	ev := sampleEvent()
	require.NoError(t, ev.Sign(testSecret))

	data, err := ev.Encode(DefaultMaxEventSize)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.AggregateID, got.AggregateID)
	assert.Equal(t, ev.ActorID, got.ActorID)
	assert.Equal(t, ev.Timestamp, got.Timestamp)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.True(t, got.VerifyTag(testSecret), "decoded event must verify")
}

func TestEvent_EncodingIsDeterministic(t *testing.T) {
	a, b := sampleEvent(), sampleEvent()
	require.NoError(t, a.Sign(testSecret))
	require.NoError(t, b.Sign(testSecret))

	ea, err := a.Encode(DefaultMaxEventSize)
	require.NoError(t, err)
	eb, err := b.Encode(DefaultMaxEventSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(ea, eb), "same logical event must encode identically")
}

func TestEvent_TamperedBytesFailVerification(t *testing.T) {
	ev := sampleEvent()
	require.NoError(t, ev.Sign(testSecret))
	data, err := ev.Encode(DefaultMaxEventSize)
	require.NoError(t, err)

	// Flip one payload byte, keeping the record structurally valid.
	idx := bytes.Index(data, []byte("git status"))
	require.Greater(t, idx, 0)
	data[idx] ^= 0x01

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.False(t, got.VerifyTag(testSecret), "tampered event must not verify")
}

func TestEvent_WrongSecretFailsVerification(t *testing.T) {
	ev := sampleEvent()
	require.NoError(t, ev.Sign(testSecret))
	assert.False(t, ev.VerifyTag([]byte("a different secret entirely....")))
}

func TestEvent_NilPayloadRoundTrip(t *testing.T) {
	ev := sampleEvent()
	ev.Payload = nil
	require.NoError(t, ev.Sign(testSecret))

	data, err := ev.Encode(DefaultMaxEventSize)
	require.NoError(t, err)
	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
	assert.True(t, got.VerifyTag(testSecret))
}

func TestEvent_OversizeRejected(t *testing.T) {
	ev := sampleEvent()
	ev.Payload = map[string]interface{}{"blob": string(make([]byte, DefaultMaxEventSize))}
	require.NoError(t, ev.Sign(testSecret))

	_, err := ev.Encode(DefaultMaxEventSize)
	assert.Error(t, err)
}

func TestEvent_UnknownTypeRejected(t *testing.T) {
	ev := sampleEvent()
	ev.Type = "made_up_type"
	require.NoError(t, ev.Sign(testSecret))
	_, err := ev.Encode(DefaultMaxEventSize)
	assert.Error(t, err)
}

func TestDecodeEvent_TruncatedInput(t *testing.T) {
	ev := sampleEvent()
	require.NoError(t, ev.Sign(testSecret))
	data, err := ev.Encode(DefaultMaxEventSize)
	require.NoError(t, err)

	for _, cut := range []int{0, 1, 4, len(data) / 2, len(data) - 1} {
		_, err := DecodeEvent(data[:cut])
		assert.Error(t, err, "cut at %d must not decode", cut)
	}
}

// ============================================================================
// ID GENERATOR UNIT TESTS
// ============================================================================

func TestIDGenerator_StrictlyIncreasing(t *testing.T) {
	g := NewIDGenerator("node0")
	prev := ""
	for i := 0; i < 10000; i++ {
		id := g.Next()
		assert.Greater(t, id, prev, "ids must increase lexically within a tick")
		prev = id
	}
}

func TestIDGenerator_BackwardClockJump(t *testing.T) {
	clock := int64(1_000_000)
	g := NewIDGenerator("node0")
	g.now = func() int64 { return clock }

	first := g.Next()
	clock = 900_000 // clock runs backwards
	second := g.Next()
	third := g.Next()

	assert.Greater(t, second, first, "backward clock must not emit a smaller id")
	assert.Greater(t, third, second)
}

func TestIDGenerator_ConcurrentUnique(t *testing.T) {
	g := NewIDGenerator("node0")
	const workers, per = 8, 500

	out := make(chan string, workers*per)
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < per; i++ {
				out <- g.Next()
			}
			done <- struct{}{}
		}()
	}
	for w := 0; w < workers; w++ {
		<-done
	}
	close(out)

	seen := make(map[string]bool, workers*per)
	for id := range out {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*per)
}

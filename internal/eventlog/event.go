package eventlog

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/lighthouse/bridge/internal/core"
)

// EventType is the closed set of event types the store accepts.
type EventType string

const (
	TypeCommandReceived     EventType = "command_received"
	TypeCommandValidated    EventType = "command_validated"
	TypeCommandRejected     EventType = "command_rejected"
	TypeFileModified        EventType = "file_modified"
	TypeSnapshotCreated     EventType = "snapshot_created"
	TypeAgentRegistered     EventType = "agent_registered"
	TypeSessionStarted      EventType = "session_started"
	TypeSessionEnded        EventType = "session_ended"
	TypeElicitationCreated  EventType = "elicitation_created"
	TypeElicitationAnswered EventType = "elicitation_answered"
	TypeElicitationExpired  EventType = "elicitation_expired"
	TypeIntegrityViolation  EventType = "integrity_violation"
	TypeMonitorDegraded     EventType = "monitor_degraded"
	TypeCustom              EventType = "custom"
)

var validTypes = map[EventType]bool{
	TypeCommandReceived: true, TypeCommandValidated: true, TypeCommandRejected: true,
	TypeFileModified: true, TypeSnapshotCreated: true, TypeAgentRegistered: true,
	TypeSessionStarted: true, TypeSessionEnded: true, TypeElicitationCreated: true,
	TypeElicitationAnswered: true, TypeElicitationExpired: true,
	TypeIntegrityViolation: true, TypeMonitorDegraded: true, TypeCustom: true,
}

// Valid reports whether t belongs to the closed event type set.
func (t EventType) Valid() bool { return validTypes[t] }

// Event is an immutable, authenticated record of a state transition.
// Sequence is the authoritative order; Timestamp is display-only.
type Event struct {
	EventID      string                 `json:"event_id"`
	Sequence     uint64                 `json:"sequence"`
	Type         EventType              `json:"event_type"`
	AggregateID  string                 `json:"aggregate_id"`
	ActorID      string                 `json:"actor_id"`
	Timestamp    int64                  `json:"timestamp"` // wall-clock ns
	Payload      map[string]interface{} `json:"payload,omitempty"`
	IntegrityTag []byte                 `json:"integrity_tag"`
}

const (
	// DefaultMaxEventSize bounds a single encoded event (1 MiB).
	DefaultMaxEventSize = 1 << 20
	// MaxBatchEvents bounds the number of events per atomic append.
	MaxBatchEvents = 1000
	// MaxBatchBytes bounds the total encoded size per atomic append (10 MiB).
	MaxBatchBytes = 10 << 20

	tagSize = sha256.Size
)

// canonicalPayload serializes the payload deterministically. encoding/json
// emits map keys in sorted order, which makes the bytes reproducible for
// the integrity tag.
func canonicalPayload(p map[string]interface{}) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, core.Validationf("payload is not serializable: %v", err)
	}
	return b, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// macInput produces the canonical encoding of all fields except the tag.
// Field order is fixed; the tag is an HMAC over exactly these bytes.
func (e *Event) macInput() ([]byte, error) {
	payload, err := canonicalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeString(&buf, e.EventID)
	writeUint64(&buf, e.Sequence)
	writeString(&buf, string(e.Type))
	writeString(&buf, e.AggregateID)
	writeString(&buf, e.ActorID)
	writeUint64(&buf, uint64(e.Timestamp))
	writeBytes(&buf, payload)
	return buf.Bytes(), nil
}

// Sign computes and stores the integrity tag for the event.
func (e *Event) Sign(secret []byte) error {
	input, err := e.macInput()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(input)
	e.IntegrityTag = mac.Sum(nil)
	return nil
}

// VerifyTag recomputes the integrity tag and compares it in constant time.
func (e *Event) VerifyTag(secret []byte) bool {
	input, err := e.macInput()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(input)
	return hmac.Equal(mac.Sum(nil), e.IntegrityTag)
}

// Encode produces the canonical binary form: the MAC input followed by the
// 32-byte integrity tag. Oversize events fail with a ValidationError.
func (e *Event) Encode(maxEventSize int) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, core.Validationf("unknown event type %q", e.Type)
	}
	if len(e.IntegrityTag) != tagSize {
		return nil, core.Validationf("event %s has no integrity tag", e.EventID)
	}
	input, err := e.macInput()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(input)+tagSize)
	out = append(out, input...)
	out = append(out, e.IntegrityTag...)
	if maxEventSize > 0 && len(out) > maxEventSize {
		return nil, core.Validationf("event %s encodes to %d bytes, exceeds max %d",
			e.EventID, len(out), maxEventSize)
	}
	return out, nil
}

type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) readUint32() (uint32, bool) {
	if r.off+4 > len(r.data) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, true
}

func (r *byteReader) readUint64() (uint64, bool) {
	if r.off+8 > len(r.data) {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, true
}

func (r *byteReader) readString() (string, bool) {
	n, ok := r.readUint32()
	if !ok || n > math.MaxInt32 || r.off+int(n) > len(r.data) {
		return "", false
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	return s, true
}

func (r *byteReader) readBytes() ([]byte, bool) {
	n, ok := r.readUint32()
	if !ok || n > math.MaxInt32 || r.off+int(n) > len(r.data) {
		return nil, false
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, true
}

// DecodeEvent parses the canonical binary form back into an Event.
// It is the inverse of Encode modulo payload normalization (JSON numbers
// decode as float64).
func DecodeEvent(data []byte) (*Event, error) {
	r := &byteReader{data: data}
	e := &Event{}

	var ok bool
	if e.EventID, ok = r.readString(); !ok {
		return nil, core.Validationf("truncated event id")
	}
	if e.Sequence, ok = r.readUint64(); !ok {
		return nil, core.Validationf("truncated sequence")
	}
	var typ string
	if typ, ok = r.readString(); !ok {
		return nil, core.Validationf("truncated event type")
	}
	e.Type = EventType(typ)
	if !e.Type.Valid() {
		return nil, core.Validationf("unknown event type %q", typ)
	}
	if e.AggregateID, ok = r.readString(); !ok {
		return nil, core.Validationf("truncated aggregate id")
	}
	if e.ActorID, ok = r.readString(); !ok {
		return nil, core.Validationf("truncated actor id")
	}
	var ts uint64
	if ts, ok = r.readUint64(); !ok {
		return nil, core.Validationf("truncated timestamp")
	}
	e.Timestamp = int64(ts)

	payload, ok := r.readBytes()
	if !ok {
		return nil, core.Validationf("truncated payload")
	}
	if !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, core.Validationf("malformed payload: %v", err)
		}
	}

	if r.off+tagSize != len(data) {
		return nil, core.Validationf("bad integrity tag length")
	}
	e.IntegrityTag = append([]byte(nil), data[r.off:]...)
	return e, nil
}

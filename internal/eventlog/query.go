package eventlog

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/lighthouse/bridge/internal/core"
)

// Filter selects events by any subset of its fields. Zero values mean
// "unbounded"; sequence bounds use pointers because sequence 0 is valid.
type Filter struct {
	AggregateID string
	Types       []EventType
	ActorID     string
	SeqLo       *uint64
	SeqHi       *uint64
	TimeLo      int64 // wall-clock ns, inclusive; 0 = unbounded
	TimeHi      int64
	Limit       int
	Reverse     bool
}

func (f *Filter) matches(ev *Event) bool {
	if f.AggregateID != "" && ev.AggregateID != f.AggregateID {
		return false
	}
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SeqLo != nil && ev.Sequence < *f.SeqLo {
		return false
	}
	if f.SeqHi != nil && ev.Sequence > *f.SeqHi {
		return false
	}
	if f.TimeLo != 0 && ev.Timestamp < f.TimeLo {
		return false
	}
	if f.TimeHi != 0 && ev.Timestamp > f.TimeHi {
		return false
	}
	return true
}

// seqRangeOverlaps reports whether a segment can contain matching sequences.
func (f *Filter) seqRangeOverlaps(info *segmentInfo) bool {
	if info.empty() {
		return false
	}
	if f.SeqHi != nil && info.SeqLo > *f.SeqHi {
		return false
	}
	if f.SeqLo != nil && info.SeqHi < *f.SeqLo {
		return false
	}
	return true
}

// Iterator is a lazy, restartable cursor over matching events in strict
// sequence order. It observes a point-in-time snapshot of the committed
// sequence taken when the query was issued, and may be closed early.
type Iterator struct {
	filter   Filter
	maxSeq   uint64
	hasMax   bool
	segments []*segmentInfo

	segIdx  int
	f       *os.File
	r       *bufio.Reader
	pending []*Event // reverse mode: buffered segment, consumed back to front
	emitted int
	closed  bool
}

// Query opens an iterator over committed events matching the filter.
func (s *Store) Query(filter Filter) *Iterator {
	maxSeq, hasMax := s.CommittedSequence()
	it := &Iterator{
		filter:   filter,
		maxSeq:   maxSeq,
		hasMax:   hasMax,
		segments: s.snapshotSegments(),
	}
	if filter.Reverse {
		it.segIdx = len(it.segments) - 1
	}
	return it
}

// Next returns the next matching event, or nil when the iterator is
// exhausted. Results are in strict sequence order (reversed when the
// filter asks for backward iteration).
func (it *Iterator) Next() (*Event, error) {
	if it.closed || !it.hasMax {
		return nil, nil
	}
	if it.filter.Limit > 0 && it.emitted >= it.filter.Limit {
		return nil, nil
	}
	if it.filter.Reverse {
		return it.nextReverse()
	}
	return it.nextForward()
}

func (it *Iterator) nextForward() (*Event, error) {
	for {
		if it.r == nil {
			if !it.advanceSegment() {
				return nil, nil
			}
		}
		ev, err := readRecord(it.r)
		if err == io.EOF {
			it.closeFile()
			continue
		}
		if err != nil {
			it.Close()
			return nil, err
		}
		if ev.Sequence > it.maxSeq {
			// Never read past the writer's committed sequence.
			it.Close()
			return nil, nil
		}
		if it.filter.matches(ev) {
			it.emitted++
			return ev, nil
		}
	}
}

func (it *Iterator) nextReverse() (*Event, error) {
	for {
		if len(it.pending) == 0 {
			if !it.loadPrevSegment() {
				return nil, nil
			}
		}
		ev := it.pending[len(it.pending)-1]
		it.pending = it.pending[:len(it.pending)-1]
		if ev.Sequence > it.maxSeq {
			continue
		}
		if it.filter.matches(ev) {
			it.emitted++
			return ev, nil
		}
	}
}

// advanceSegment opens the next overlapping segment for forward reads.
func (it *Iterator) advanceSegment() bool {
	for it.segIdx < len(it.segments) {
		info := it.segments[it.segIdx]
		it.segIdx++
		if !it.filter.seqRangeOverlaps(info) {
			continue
		}
		f, err := os.Open(info.Path)
		if err != nil {
			continue
		}
		if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
			f.Close()
			continue
		}
		it.f = f
		it.r = bufio.NewReader(f)
		return true
	}
	return false
}

// loadPrevSegment buffers the previous overlapping segment for reverse reads.
func (it *Iterator) loadPrevSegment() bool {
	for it.segIdx >= 0 {
		info := it.segments[it.segIdx]
		it.segIdx--
		if !it.filter.seqRangeOverlaps(info) {
			continue
		}
		events, err := readSegmentEvents(info.Path)
		if err != nil || len(events) == 0 {
			continue
		}
		it.pending = events
		return true
	}
	return false
}

func (it *Iterator) closeFile() {
	if it.f != nil {
		it.f.Close()
		it.f = nil
		it.r = nil
	}
}

// Close releases the iterator's file handle. Safe to call more than once.
func (it *Iterator) Close() {
	it.closeFile()
	it.pending = nil
	it.closed = true
}

// Collect drains the iterator into a slice and closes it.
func (it *Iterator) Collect() ([]*Event, error) {
	defer it.Close()
	var out []*Event
	for {
		ev, err := it.Next()
		if err != nil {
			return out, err
		}
		if ev == nil {
			return out, nil
		}
		out = append(out, ev)
	}
}

func readRecord(r *bufio.Reader) (*Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRecordLen {
		return nil, io.EOF // torn tail, treat as end of committed data
	}
	rec := make([]byte, n)
	if _, err := io.ReadFull(r, rec); err != nil {
		return nil, io.EOF
	}
	ev, err := DecodeEvent(rec)
	if err != nil {
		return nil, io.EOF
	}
	return ev, nil
}

func readSegmentEvents(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.Storagef(core.CodeIOError, err, "open segment %s", path)
	}
	defer f.Close()
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return nil, core.Storagef(core.CodeIOError, err, "seek in %s", path)
	}
	r := bufio.NewReader(f)
	var out []*Event
	for {
		ev, err := readRecord(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// ============================================================================
// PROJECTIONS & SNAPSHOTS
// ============================================================================

// Fold is a pure projection step: (state, event) → state.
type Fold func(state interface{}, ev *Event) interface{}

// Project folds all committed events of an aggregate, optionally bounded by
// upTo, and returns the final state plus the last applied sequence.
func (s *Store) Project(aggregateID string, initial interface{}, fold Fold, upTo *uint64) (interface{}, uint64, error) {
	it := s.Query(Filter{AggregateID: aggregateID, SeqHi: upTo})
	defer it.Close()

	state := initial
	var lastSeq uint64
	for {
		ev, err := it.Next()
		if err != nil {
			return state, lastSeq, err
		}
		if ev == nil {
			return state, lastSeq, nil
		}
		state = fold(state, ev)
		lastSeq = ev.Sequence
	}
}

// Snapshot is an optional checkpoint of a projection, authenticated with
// the store secret so a tampered snapshot is rejected on load.
type Snapshot struct {
	AggregateID  string `json:"aggregate_id"`
	UpToSequence uint64 `json:"up_to_sequence"`
	State        []byte `json:"state"`
	HMAC         []byte `json:"hmac"`
}

func (s *Store) snapshotPath(aggregateID string) string {
	sum := sha256.Sum256([]byte(aggregateID))
	return filepath.Join(s.opts.Dir, "snapshots", hex.EncodeToString(sum[:8])+".snap")
}

func (s *Store) snapshotMAC(aggregateID string, upTo uint64, state []byte) []byte {
	mac := hmac.New(sha256.New, s.opts.Secret)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], upTo)
	mac.Write([]byte(aggregateID))
	mac.Write(seqBuf[:])
	mac.Write(state)
	return mac.Sum(nil)
}

// SaveSnapshot checkpoints a projection state and records a
// snapshot_created event.
func (s *Store) SaveSnapshot(aggregateID string, upTo uint64, state []byte) error {
	snap := &Snapshot{
		AggregateID:  aggregateID,
		UpToSequence: upTo,
		State:        state,
		HMAC:         s.snapshotMAC(aggregateID, upTo, state),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return core.Validationf("snapshot state not serializable: %v", err)
	}
	dir := filepath.Join(s.opts.Dir, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Storagef(core.CodeIOError, err, "create snapshot dir")
	}
	if err := os.WriteFile(s.snapshotPath(aggregateID), data, 0o644); err != nil {
		return core.Storagef(core.CodeIOError, err, "write snapshot for %s", aggregateID)
	}

	_, err = s.Append(&Event{
		Type:        TypeSnapshotCreated,
		AggregateID: aggregateID,
		ActorID:     "system",
		Payload:     map[string]interface{}{"up_to_sequence": upTo},
	})
	return err
}

// LoadSnapshot returns the checkpoint for an aggregate, verifying its HMAC.
func (s *Store) LoadSnapshot(aggregateID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(aggregateID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NotFoundf("no snapshot for aggregate %s", aggregateID)
		}
		return nil, core.Storagef(core.CodeIOError, err, "read snapshot for %s", aggregateID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, core.Storagef(core.CodeCorruptSegment, err, "snapshot for %s unreadable", aggregateID)
	}
	want := s.snapshotMAC(snap.AggregateID, snap.UpToSequence, snap.State)
	if !hmac.Equal(want, snap.HMAC) {
		return nil, core.Storagef(core.CodeCorruptSegment, nil, "snapshot for %s failed verification", aggregateID)
	}
	return &snap, nil
}

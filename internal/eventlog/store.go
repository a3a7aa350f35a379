package eventlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lighthouse/bridge/internal/core"
)

// FsyncPolicy controls when appended bytes reach stable storage.
type FsyncPolicy string

const (
	// FsyncAlways flushes to disk before AppendBatch returns (default).
	FsyncAlways FsyncPolicy = "fsync"
	// FsyncBatch defers the flush but guarantees it before the next
	// AppendBatch returns.
	FsyncBatch FsyncPolicy = "batch"
	// FsyncAsync flushes in the background. Permitted only in explicitly
	// volatile mode.
	FsyncAsync FsyncPolicy = "async"
)

// Options configures a Store.
type Options struct {
	Dir             string
	NodeID          string
	Secret          []byte
	Fsync           FsyncPolicy
	Volatile        bool // must be set to use FsyncAsync
	MaxEventSize    int
	MaxSegmentBytes int64
	MaxInFlight     int
	MaxBatchEvents  int
	Compress        bool
	FeedBuffer      int
}

func (o *Options) withDefaults() (*Options, error) {
	out := *o
	if out.Dir == "" {
		return nil, core.Validationf("event store requires a data directory")
	}
	if len(out.Secret) == 0 {
		return nil, core.Storagef(core.CodeSecretUnavailable, nil, "event store requires a secret")
	}
	if out.Fsync == "" {
		out.Fsync = FsyncAlways
	}
	if out.Fsync == FsyncAsync && !out.Volatile {
		return nil, core.Validationf("async fsync policy requires volatile mode")
	}
	if out.MaxEventSize <= 0 {
		out.MaxEventSize = DefaultMaxEventSize
	}
	if out.MaxSegmentBytes <= 0 {
		out.MaxSegmentBytes = 128 << 20
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = 64
	}
	if out.MaxBatchEvents <= 0 || out.MaxBatchEvents > MaxBatchEvents {
		out.MaxBatchEvents = MaxBatchEvents
	}
	return &out, nil
}

// Store is the segmented append-only event log. Exactly one writer per
// store; readers open independent file handles and never observe events
// past the committed sequence.
type Store struct {
	opts *Options
	ids  *IDGenerator

	mu        sync.Mutex // writer lock
	writer    *segmentWriter
	nextSeq   uint64
	closed    bool
	recovered bool // a torn write was truncated during recovery

	segMu    sync.RWMutex
	segments []*segmentInfo

	committed atomic.Int64 // highest committed sequence, -1 when empty
	degraded  atomic.Bool

	inFlight  chan struct{}
	feed      *Feed
	asyncStop chan struct{}
	asyncDone chan struct{}
}

// Open recovers the store in dir (creating it if needed) and prepares the
// single writer. Unresolvable damage, such as a missing earlier segment,
// is fatal and surfaces as a StorageError.
func Open(opts Options) (*Store, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, core.Storagef(core.CodeIOError, err, "create data dir %s", o.Dir)
	}

	s := &Store{
		opts:     o,
		ids:      NewIDGenerator(o.NodeID),
		inFlight: make(chan struct{}, o.MaxInFlight),
		feed:     NewFeed(o.FeedBuffer),
	}
	s.committed.Store(-1)

	if err := s.recover(); err != nil {
		return nil, err
	}

	if o.Fsync == FsyncAsync {
		s.asyncStop = make(chan struct{})
		s.asyncDone = make(chan struct{})
		go s.asyncFlusher()
	}
	return s, nil
}

// recover scans segments in order, truncates a torn tail on the last one,
// and rebuilds the in-memory index plus the next sequence number.
func (s *Store) recover() error {
	paths, err := listSegmentFiles(s.opts.Dir)
	if err != nil {
		return err
	}

	var infos []*segmentInfo
	for i, path := range paths {
		last := i == len(paths)-1
		info, truncated, err := scanSegment(path, last, nil)
		if err != nil {
			return err
		}
		if truncated {
			s.recovered = true
			// Re-derive the range after truncation.
			if info, _, err = scanSegment(path, false, nil); err != nil {
				return err
			}
		}
		infos = append(infos, info)
	}

	// Continuity across segments: each segment's lo must continue the
	// previous hi. A gap means an earlier segment is missing.
	expect := uint64(0)
	for _, info := range infos {
		if info.SeqLo != expect {
			return core.Storagef(core.CodeCorruptSegment, nil,
				"segment %s starts at sequence %d, expected %d (missing segment?)",
				info.Path, info.SeqLo, expect)
		}
		if !info.empty() {
			expect = info.SeqHi + 1
		}
	}
	s.segments = infos
	s.nextSeq = expect
	if expect > 0 {
		s.committed.Store(int64(expect - 1))
		metricCommittedSeq.Set(float64(expect - 1))
	}

	// Reopen the last segment for appending, or start the first one.
	if len(infos) > 0 {
		last := infos[len(infos)-1]
		if last.Bytes < s.opts.MaxSegmentBytes {
			f, err := os.OpenFile(last.Path, os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return core.Storagef(core.CodeIOError, err, "reopen segment %s", last.Path)
			}
			s.writer = &segmentWriter{f: f, info: last}
		} else {
			if err := s.openNextSegment(last.ID + 1); err != nil {
				return err
			}
		}
	} else {
		if err := s.openNextSegment(1); err != nil {
			return err
		}
	}

	s.writeIndexFile()
	slog.Info("event store recovered",
		"dir", s.opts.Dir,
		"segments", len(s.segments),
		"next_sequence", s.nextSeq,
		"torn_write_repaired", s.recovered,
	)
	return nil
}

// openNextSegment creates a fresh segment and registers it in the index.
// Caller holds the writer lock (or is still in single-threaded Open).
func (s *Store) openNextSegment(id uint64) error {
	sw, err := newSegmentWriter(s.opts.Dir, id, s.nextSeq)
	if err != nil {
		return err
	}
	s.writer = sw
	s.segMu.Lock()
	s.segments = append(s.segments, sw.info)
	s.segMu.Unlock()
	return nil
}

// NextID exposes the store's event id generator.
func (s *Store) NextID() string { return s.ids.Next() }

// Secret returns the store secret for components that derive keys from it.
func (s *Store) Secret() []byte { return s.opts.Secret }

// Feed returns the committed-event fan-out.
func (s *Store) Feed() *Feed { return s.feed }

// CommittedSequence returns the highest committed sequence and whether the
// store holds any events at all.
func (s *Store) CommittedSequence() (uint64, bool) {
	v := s.committed.Load()
	if v < 0 {
		return 0, false
	}
	return uint64(v), true
}

// NextSequence returns the sequence the next appended event will receive.
func (s *Store) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Degraded reports whether a fatal storage error has disabled writes.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// RecoveredTornWrite reports whether recovery truncated a torn record.
func (s *Store) RecoveredTornWrite() bool { return s.recovered }

// Append is the single-event convenience over AppendBatch.
func (s *Store) Append(ev *Event) (uint64, error) {
	return s.AppendBatch([]*Event{ev})
}

// AppendBatch atomically appends a batch: sequences are assigned in order,
// integrity tags computed, segments rotated as needed, and the configured
// durability policy applied before the last sequence is returned.
func (s *Store) AppendBatch(batch []*Event) (uint64, error) {
	if s.degraded.Load() {
		return 0, core.Storagef(core.CodeIOError, nil, "store is degraded, writes refused")
	}
	if len(batch) == 0 {
		return 0, core.Validationf("empty batch")
	}
	if len(batch) > s.opts.MaxBatchEvents {
		return 0, core.Validationf("batch of %d events exceeds max %d", len(batch), s.opts.MaxBatchEvents)
	}

	// Backpressure: bounded in-flight appends, Overloaded when full.
	select {
	case s.inFlight <- struct{}{}:
		defer func() { <-s.inFlight }()
	default:
		metricOverloads.Inc()
		return 0, core.Overloaded("append")
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, core.Storagef(core.CodeIOError, nil, "store is closed")
	}

	// Batch policy: flush the previous batch before this one returns.
	if s.opts.Fsync == FsyncBatch && s.writer.dirty {
		if err := s.writer.sync(); err != nil {
			return 0, s.fail(err)
		}
	}

	// Stage: assign ids/sequences, sign, and encode everything before any
	// byte is written, so validation failures leave the log untouched.
	encoded := make([][]byte, len(batch))
	totalBytes := 0
	seq := s.nextSeq
	for i, ev := range batch {
		if ev.EventID == "" {
			ev.EventID = s.ids.Next()
		}
		if ev.Timestamp == 0 {
			ev.Timestamp = time.Now().UnixNano()
		}
		if ev.ActorID == "" {
			ev.ActorID = "system"
		}
		if !ev.Type.Valid() {
			return 0, core.Validationf("unknown event type %q", ev.Type)
		}
		ev.Sequence = seq + uint64(i)
		if err := ev.Sign(s.opts.Secret); err != nil {
			return 0, err
		}
		enc, err := ev.Encode(s.opts.MaxEventSize)
		if err != nil {
			return 0, err
		}
		encoded[i] = enc
		totalBytes += len(enc)
		if totalBytes > MaxBatchBytes {
			return 0, core.Validationf("batch encodes to more than %d bytes", MaxBatchBytes)
		}
	}

	// Write, rotating when the current segment would exceed its cap.
	for i, enc := range encoded {
		if s.writer.info.Bytes+int64(4+len(enc)) > s.opts.MaxSegmentBytes && !s.writer.info.empty() {
			if err := s.rotateLocked(); err != nil {
				return 0, s.fail(err)
			}
		}
		if err := s.writer.writeRecord(enc, batch[i].Sequence); err != nil {
			return 0, s.fail(err)
		}
	}

	// Durability policy.
	if s.opts.Fsync == FsyncAlways {
		if err := s.writer.sync(); err != nil {
			return 0, s.fail(err)
		}
	}

	last := batch[len(batch)-1].Sequence
	s.nextSeq = last + 1
	s.committed.Store(int64(last))

	metricAppendsTotal.Inc()
	metricAppendEvents.Add(float64(len(batch)))
	metricAppendBytes.Add(float64(totalBytes))
	metricAppendDuration.Observe(time.Since(start).Seconds())
	metricCommittedSeq.Set(float64(last))

	for _, ev := range batch {
		s.feed.Publish(ev)
	}
	return last, nil
}

// fail marks the store degraded on fatal storage errors and passes the
// error through.
func (s *Store) fail(err error) error {
	if core.IsFatalStorage(err) {
		s.degraded.Store(true)
		slog.Error("event store degraded", "error", err)
	}
	return err
}

// Rotate closes the current segment and opens the next one. Exposed for
// operational use; appends rotate automatically on size.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	prev := s.writer.info
	if err := s.writer.close(); err != nil {
		return err
	}
	metricRotations.Inc()
	if s.opts.Compress {
		// Compression runs off the write path; the original remains the
		// source of truth until the sibling .z validates.
		go func(path string) {
			if err := compressSegment(path); err != nil {
				slog.Warn("segment compression failed", "segment", path, "error", err)
			}
		}(prev.Path)
	}
	if err := s.openNextSegment(prev.ID + 1); err != nil {
		return err
	}
	s.writeIndexFile()
	return nil
}

// writeIndexFile persists the segment index for operators. The index is
// advisory: recovery always rebuilds it from the segments themselves.
func (s *Store) writeIndexFile() {
	s.segMu.RLock()
	data, err := json.MarshalIndent(s.segments, "", "  ")
	s.segMu.RUnlock()
	if err != nil {
		return
	}
	path := filepath.Join(s.opts.Dir, "index.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("index write failed", "path", path, "error", err)
	}
}

// snapshotSegments returns a point-in-time copy of the index for readers.
func (s *Store) snapshotSegments() []*segmentInfo {
	s.segMu.RLock()
	defer s.segMu.RUnlock()
	out := make([]*segmentInfo, len(s.segments))
	copy(out, s.segments)
	return out
}

func (s *Store) asyncFlusher() {
	defer close(s.asyncDone)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed && s.writer != nil {
				if err := s.writer.sync(); err != nil {
					s.fail(err)
				}
			}
			s.mu.Unlock()
		case <-s.asyncStop:
			return
		}
	}
}

// Close flushes and closes the current segment. The store refuses writes
// afterwards.
func (s *Store) Close() error {
	if s.asyncStop != nil {
		close(s.asyncStop)
		<-s.asyncDone
		s.asyncStop = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.writer.close()
	s.writeIndexFile()
	return err
}

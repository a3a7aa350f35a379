package eventlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// INTEGRITY MONITOR
// ============================================================================

// ViolationKind is the closed set of integrity violations.
type ViolationKind string

const (
	ViolationHashMismatch         ViolationKind = "hash_mismatch"
	ViolationSequenceGap          ViolationKind = "sequence_gap"
	ViolationSequenceReorder      ViolationKind = "sequence_reorder"
	ViolationTimestampAnomaly     ViolationKind = "timestamp_anomaly"
	ViolationUnauthorizedMutation ViolationKind = "unauthorized_mutation"
	ViolationCryptographicFailure ViolationKind = "cryptographic_failure"
)

// Severity ranks a violation for alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityFor(kind ViolationKind) Severity {
	switch kind {
	case ViolationHashMismatch, ViolationUnauthorizedMutation, ViolationCryptographicFailure:
		return SeverityCritical
	case ViolationSequenceGap, ViolationSequenceReorder:
		return SeverityHigh
	case ViolationTimestampAnomaly:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Violation describes one detected integrity problem. Violations are never
// fatal: they are alerted and appended to the log itself.
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	Sequence   uint64        `json:"sequence"`
	EventID    string        `json:"event_id"`
	Detail     string        `json:"detail"`
	DetectedAt int64         `json:"detected_at"`
}

// AlertFunc receives violations synchronously on the monitor goroutine.
type AlertFunc func(Violation)

// MonitorOptions tunes the background verifier.
type MonitorOptions struct {
	// QueueSize bounds pending verify jobs; overflow switches the monitor
	// to sampled mode. Default 1024.
	QueueSize int
	// SampleEvery is the keep rate while in sampled mode. Default 16.
	SampleEvery int
	// MaxSkew is how far a timestamp may run behind its predecessor before
	// it counts as an anomaly. Default 5m.
	MaxSkew time.Duration
	// SweepInterval enables periodic full-log sweeps when positive.
	SweepInterval time.Duration
}

func (o *MonitorOptions) withDefaults() *MonitorOptions {
	out := *o
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.SampleEvery <= 0 {
		out.SampleEvery = 16
	}
	if out.MaxSkew <= 0 {
		out.MaxSkew = 5 * time.Minute
	}
	return &out
}

// Monitor verifies committed events off the write path: it consumes the
// store feed through a bounded queue, recomputes integrity tags, and checks
// sequence continuity. It never blocks the writer.
type Monitor struct {
	store *Store
	opts  *MonitorOptions

	sub  chan *Event
	jobs chan *Event

	mu       sync.Mutex
	alerts   []AlertFunc
	lastSeq  uint64
	hasLast  bool
	lastTS   int64
	sampled  bool
	skipped  int
	reported map[uint64]bool

	verified   uint64
	violations uint64

	stop chan struct{}
	done chan struct{}
}

// NewMonitor builds a monitor over the given store.
func NewMonitor(store *Store, opts MonitorOptions) *Monitor {
	return &Monitor{
		store:    store,
		opts:     opts.withDefaults(),
		reported: make(map[uint64]bool),
	}
}

// OnViolation registers an alert callback.
func (m *Monitor) OnViolation(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, fn)
}

// Start subscribes to the store feed and launches the verifier.
func (m *Monitor) Start() {
	m.sub = m.store.Feed().Subscribe()
	m.jobs = make(chan *Event, m.opts.QueueSize)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.forward()
	go m.run()
}

// Stop detaches from the feed and waits for the verifier to drain.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	m.store.Feed().Unsubscribe(m.sub)
	close(m.stop)
	<-m.done
	m.stop = nil
}

// forward moves feed events into the bounded job queue. When the queue is
// full it drops to sampled verification and records a monitor_degraded
// event exactly once per degradation episode.
func (m *Monitor) forward() {
	for {
		select {
		case ev, ok := <-m.sub:
			if !ok {
				close(m.jobs)
				return
			}
			m.enqueue(ev)
		case <-m.stop:
			close(m.jobs)
			return
		}
	}
}

func (m *Monitor) enqueue(ev *Event) {
	m.mu.Lock()
	if m.sampled {
		if len(m.jobs) < cap(m.jobs)/4 {
			m.sampled = false
			m.skipped = 0
			m.hasLast = false // continuity restarts after sampling
			slog.Info("integrity monitor resumed full verification")
		} else {
			m.skipped++
			if m.skipped%m.opts.SampleEvery != 0 {
				m.mu.Unlock()
				metricVerifyDropped.Inc()
				return
			}
		}
	}
	m.mu.Unlock()

	select {
	case m.jobs <- ev:
	default:
		metricVerifyDropped.Inc()
		m.mu.Lock()
		first := !m.sampled
		m.sampled = true
		m.mu.Unlock()
		if first {
			slog.Warn("integrity monitor overloaded, switching to sampled verification")
			go m.store.Append(&Event{
				Type:        TypeMonitorDegraded,
				AggregateID: "integrity",
				ActorID:     "system",
				Payload:     map[string]interface{}{"reason": "verify_queue_full"},
			})
		}
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	var ticker *time.Ticker
	var sweep <-chan time.Time
	if m.opts.SweepInterval > 0 {
		ticker = time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}
	for {
		select {
		case ev, ok := <-m.jobs:
			if !ok {
				return
			}
			m.verifyLive(ev)
		case <-sweep:
			if _, err := m.Sweep(); err != nil {
				slog.Warn("integrity sweep failed", "error", err)
			}
		}
	}
}

// verifyLive checks a freshly committed event against the current secret
// and its predecessor. Sampled mode makes gap checks unreliable, so they
// are suspended while sampling.
func (m *Monitor) verifyLive(ev *Event) {
	m.mu.Lock()
	sampled := m.sampled
	hasLast, lastSeq, lastTS := m.hasLast, m.lastSeq, m.lastTS
	m.lastSeq, m.lastTS, m.hasLast = ev.Sequence, ev.Timestamp, true
	m.verified++
	m.mu.Unlock()

	secret := m.store.Secret()
	if len(secret) == 0 {
		m.report(ev, ViolationCryptographicFailure, "store secret unavailable")
		return
	}
	if !ev.VerifyTag(secret) {
		m.report(ev, ViolationUnauthorizedMutation,
			"event does not verify against the current secret")
	}
	if hasLast && !sampled {
		switch {
		case ev.Sequence == lastSeq+1:
		case ev.Sequence > lastSeq+1:
			m.report(ev, ViolationSequenceGap,
				fmt.Sprintf("sequence jumped from %d to %d", lastSeq, ev.Sequence))
		default:
			m.report(ev, ViolationSequenceReorder,
				fmt.Sprintf("sequence %d observed after %d", ev.Sequence, lastSeq))
		}
		if ev.Timestamp < lastTS-int64(m.opts.MaxSkew) {
			m.report(ev, ViolationTimestampAnomaly,
				fmt.Sprintf("timestamp ran %s behind its predecessor",
					time.Duration(lastTS-ev.Timestamp)))
		}
	}
}

// Sweep re-reads the whole committed log from disk and verifies every
// event. A tag that fails against stored bytes is a hash_mismatch.
func (m *Monitor) Sweep() ([]Violation, error) {
	secret := m.store.Secret()
	it := m.store.Query(Filter{})
	defer it.Close()

	var out []Violation
	expect := uint64(0)
	seen := false
	for {
		ev, err := it.Next()
		if err != nil {
			return out, err
		}
		if ev == nil {
			return out, nil
		}
		if !ev.VerifyTag(secret) {
			if v, fresh := m.report(ev, ViolationHashMismatch,
				"stored event bytes do not match integrity tag"); fresh {
				out = append(out, v)
			}
		}
		if seen && ev.Sequence != expect {
			if v, fresh := m.report(ev, ViolationSequenceGap,
				fmt.Sprintf("expected sequence %d, found %d", expect, ev.Sequence)); fresh {
				out = append(out, v)
			}
		}
		expect = ev.Sequence + 1
		seen = true
	}
}

// report records a violation once per (sequence, kind): it alerts the
// subscribers, bumps metrics, and appends an integrity_violation event so
// the audit trail is complete. The appended event verifies against the
// current secret and does not re-trigger.
func (m *Monitor) report(ev *Event, kind ViolationKind, detail string) (Violation, bool) {
	v := Violation{
		Kind:       kind,
		Severity:   severityFor(kind),
		Sequence:   ev.Sequence,
		EventID:    ev.EventID,
		Detail:     detail,
		DetectedAt: time.Now().UnixNano(),
	}

	m.mu.Lock()
	key := ev.Sequence
	if m.reported[key] && kind == ViolationHashMismatch {
		m.mu.Unlock()
		return v, false
	}
	if kind == ViolationHashMismatch {
		m.reported[key] = true
	}
	m.violations++
	alerts := append([]AlertFunc(nil), m.alerts...)
	m.mu.Unlock()

	metricViolations.WithLabelValues(string(kind)).Inc()
	slog.Error("integrity violation",
		"kind", string(kind),
		"severity", string(v.Severity),
		"sequence", ev.Sequence,
		"event_id", ev.EventID,
		"detail", detail,
	)
	for _, fn := range alerts {
		fn(v)
	}

	if _, err := m.store.Append(&Event{
		Type:        TypeIntegrityViolation,
		AggregateID: "integrity",
		ActorID:     "system",
		Payload: map[string]interface{}{
			"kind":     string(kind),
			"severity": string(v.Severity),
			"sequence": ev.Sequence,
			"event_id": ev.EventID,
			"detail":   detail,
		},
	}); err != nil {
		slog.Warn("could not append integrity_violation event", "error", err)
	}
	return v, true
}

// Stats reports monitor counters for the status endpoint.
func (m *Monitor) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"verified":   m.verified,
		"violations": m.violations,
		"sampled":    m.sampled,
		"queue_len":  len(m.jobs),
		"queue_cap":  cap(m.jobs),
	}
}

// Package circuitbreaker protects the validation pipeline's downstream
// tiers (policy engine, pattern classifier, expert bus) from cascading
// failures: a tier that keeps failing is skipped for a cooldown window.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lighthouse/bridge/internal/core"
)

// State is the breaker state machine: closed → open → half-open → closed.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config tunes one breaker.
type Config struct {
	// Name identifies the downstream this breaker guards.
	Name string

	// FailureThreshold trips the breaker after this many consecutive
	// failures in the closed state.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ProbeRequests is how many trial requests the half-open state admits;
	// that many consecutive successes close the breaker again.
	ProbeRequests uint32

	// Interval clears closed-state counts periodically; 0 keeps them.
	Interval time.Duration

	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig matches the dispatcher defaults: trip after 5 consecutive
// failures, stay open for 30s.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeRequests:    2,
		Interval:         60 * time.Second,
		OnStateChange: func(name string, from, to State) {
			slog.Info("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 30 * time.Second
	}
	if out.ProbeRequests == 0 {
		out.ProbeRequests = 2
	}
	return &out
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// BREAKER
// ============================================================================

// Breaker is a single circuit breaker. Results reported against a previous
// generation are discarded, so a slow request finishing after a trip cannot
// corrupt the fresh window.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time // injected for tests
}

// New builds a breaker from cfg (nil gets defaults).
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the downstream name this breaker guards.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, applying any due transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	return state
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a request may proceed. Callers that get nil must
// report the outcome through Success or Failure with the returned
// generation token.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, &core.Error{
			Kind:   core.KindCircuitOpen,
			Reason: b.cfg.Name + " breaker is open",
		}
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.ProbeRequests {
		return generation, &core.Error{
			Kind:   core.KindCircuitOpen,
			Reason: b.cfg.Name + " breaker is probing",
		}
	}
	b.counts.Requests++
	return generation, nil
}

// Success reports a successful request for the given generation.
func (b *Breaker) Success(generation uint64) { b.afterRequest(generation, true) }

// Failure reports a failed request for the given generation.
func (b *Breaker) Failure(generation uint64) { b.afterRequest(generation, false) }

// Do runs fn under the breaker: open breakers short-circuit with
// CircuitOpen, and fn's outcome feeds the failure counter. Panics count as
// failures and propagate.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.Allow()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.Failure(generation)
			panic(r)
		}
	}()
	if err := fn(); err != nil {
		b.Failure(generation)
		return err
	}
	b.Success(generation)
	return nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		return // stale result from before a transition
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.ProbeRequests {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState applies due timer transitions. Caller holds the lock.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager holds one breaker per named downstream.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewManager builds a registry; defaultCfg seeds breakers created by Get.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for a downstream, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

// Configure installs a breaker with an explicit config, replacing any
// default-configured one.
func (m *Manager) Configure(name string, cfg *Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	c.Name = name
	b := New(&c)
	m.breakers[name] = b
	return b
}

// States reports every breaker's state for the status endpoint.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State().String()
	}
	return out
}

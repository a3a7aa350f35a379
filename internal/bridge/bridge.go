// Package bridge composes the Lighthouse components behind one façade and
// exposes them over HTTP and WebSocket.
package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/lighthouse/bridge/internal/auth"
	"github.com/lighthouse/bridge/internal/circuitbreaker"
	"github.com/lighthouse/bridge/internal/config"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
	"github.com/lighthouse/bridge/internal/experts"
	"github.com/lighthouse/bridge/internal/infra"
	"github.com/lighthouse/bridge/internal/speedlayer"
)

// Bridge owns every component and their lifecycles. Construction follows
// the dependency order: store first, then auth, then the expert bus, then
// the dispatcher on top.
type Bridge struct {
	cfg *config.Config

	store       *eventlog.Store
	monitor     *eventlog.Monitor
	authority   *auth.Authority
	limiter     *auth.RateLimiter
	authorizer  *auth.Authorizer
	sessions    *auth.SessionManager
	registry    *experts.Registry
	bus         *experts.Bus
	coordinator *experts.Coordinator
	dispatcher  *speedlayer.Dispatcher
	redis       *infra.RedisKV

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New builds and starts the bridge core. The HTTP surface is separate:
// see NewServer.
func New(cfg *config.Config) (*Bridge, error) {
	if cfg.Auth.Secret == "" {
		if cfg.Production() {
			return nil, core.Storagef(core.CodeSecretUnavailable, nil,
				"production requires LIGHTHOUSE_AUTH_SECRET")
		}
		// Development fallback: a random per-process secret. Every restart
		// invalidates old tokens and the log's integrity tags.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, core.Storagef(core.CodeSecretUnavailable, err, "cannot generate dev secret")
		}
		cfg.Auth.Secret = hex.EncodeToString(buf)
		slog.Warn("no auth secret configured, generated a volatile development secret")
	}

	store, err := eventlog.Open(eventlog.Options{
		Dir:             cfg.Store.DataDir,
		NodeID:          cfg.Store.NodeID,
		Secret:          []byte(cfg.Auth.Secret),
		Fsync:           eventlog.FsyncPolicy(cfg.Store.FsyncPolicy),
		Volatile:        cfg.Store.Volatile,
		MaxEventSize:    cfg.Store.MaxEventSize,
		MaxSegmentBytes: cfg.Store.MaxSegmentBytes,
		MaxInFlight:     cfg.Store.MaxInFlight,
		MaxBatchEvents:  cfg.Limits.MaxBatchSize,
		Compress:        cfg.Store.Compress,
	})
	if err != nil {
		return nil, err
	}

	monitor := eventlog.NewMonitor(store, eventlog.MonitorOptions{})
	monitor.Start()

	authority, err := auth.Shared(auth.AuthorityConfig{
		Secret:         []byte(cfg.Auth.Secret),
		PreviousSecret: []byte(cfg.Auth.PreviousSecret),
		RotationGrace:  cfg.Auth.RotationGrace.Std(),
		TokenTTL:       cfg.Auth.TokenTTL.Std(),
		Production:     cfg.Production(),
	})
	if err != nil {
		monitor.Stop()
		store.Close()
		return nil, err
	}

	budgets := make(map[auth.Role]int, len(cfg.Limits.RoleRateLimits))
	for name, n := range cfg.Limits.RoleRateLimits {
		budgets[auth.Role(name)] = n
	}
	limiter := auth.NewRateLimiter(budgets)
	authorizer := auth.NewAuthorizer(store, limiter, auth.AuthorizerConfig{})
	sessions := auth.NewSessionManager(authority, store, auth.SessionConfig{
		IdleTimeout: cfg.Sessions.IdleTimeout.Std(),
		MaxAge:      cfg.Sessions.MaxAge.Std(),
		MaxPerAgent: cfg.Sessions.MaxPerAgent,
	})

	registry := experts.NewRegistry(authority, store, experts.RegistryConfig{
		LivenessTimeout: cfg.Experts.LivenessTimeout.Std(),
	})
	bus := experts.NewBus(authority, store, limiter, experts.BusConfig{})
	coordinator := experts.NewCoordinator(registry, bus, experts.CoordinatorConfig{
		Quorum:         cfg.Experts.Quorum,
		ElicitationTTL: cfg.Experts.Timeout.Std(),
	})

	b := &Bridge{
		cfg:         cfg,
		store:       store,
		monitor:     monitor,
		authority:   authority,
		limiter:     limiter,
		authorizer:  authorizer,
		sessions:    sessions,
		registry:    registry,
		bus:         bus,
		coordinator: coordinator,
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go b.sweepLoop()
	if err := b.buildDispatcher(); err != nil {
		b.Close()
		return nil, err
	}

	slog.Info("bridge started",
		"data_dir", cfg.Store.DataDir, "node_id", cfg.Store.NodeID, "env", cfg.Server.Env)
	return b, nil
}

func (b *Bridge) buildDispatcher() error {
	var tiers []speedlayer.Tier

	if path := b.cfg.Policy.RulesFile; path != "" {
		engine, err := speedlayer.LoadPolicyFile(path)
		if err != nil {
			return err
		}
		tiers = append(tiers, engine)
		slog.Info("policy rules loaded", "file", path, "rules", engine.RuleCount())
	}

	classifier := speedlayer.NewPatternClassifier(0, 0)
	tiers = append(tiers, classifier)
	tiers = append(tiers, speedlayer.NewExpertTier(b.coordinator, b.cfg.Experts.Timeout.Std()))

	var shared *speedlayer.SharedCache
	if addr := b.cfg.Redis.Addr; addr != "" {
		kv, err := infra.NewRedisKV(addr, b.cfg.Redis.Password, b.cfg.Redis.DB)
		if err != nil {
			slog.Warn("shared cache disabled, redis unreachable", "addr", addr, "error", err)
		} else {
			b.redis = kv
			shared = speedlayer.NewSharedCache(kv, "")
		}
	}

	dcfg := speedlayer.DefaultDispatcherConfig()
	if b.cfg.Breakers.Threshold > 0 || b.cfg.Breakers.Cooldown.Std() > 0 {
		bcfg := circuitbreaker.DefaultConfig("")
		if b.cfg.Breakers.Threshold > 0 {
			bcfg.FailureThreshold = b.cfg.Breakers.Threshold
		}
		if cd := b.cfg.Breakers.Cooldown.Std(); cd > 0 {
			bcfg.Cooldown = cd
		}
		dcfg.Breaker = bcfg
	}
	b.dispatcher = speedlayer.NewDispatcher(dcfg, b.store, shared, classifier, tiers...)
	return nil
}

// sweepLoop runs the periodic maintenance: session expiry and expert
// staleness.
func (b *Bridge) sweepLoop() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.sessions.SweepExpired()
			b.registry.SweepStale()
			b.bus.SweepTerminal()
		}
	}
}

// Store exposes the event log for the HTTP layer.
func (b *Bridge) Store() *eventlog.Store { return b.store }

// Sessions exposes the session manager.
func (b *Bridge) Sessions() *auth.SessionManager { return b.sessions }

// Authority exposes the token authority for provisioning tooling.
func (b *Bridge) Authority() *auth.Authority { return b.authority }

// Degraded reports whether the store refuses writes after a fatal error.
func (b *Bridge) Degraded() bool { return b.store.Degraded() }

// Status aggregates component health for the /status endpoint.
func (b *Bridge) Status() map[string]interface{} {
	committed, ok := b.store.CommittedSequence()
	var last interface{}
	if ok {
		last = committed
	}
	status := "ok"
	if b.store.Degraded() {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":               status,
		"last_sequence":        last,
		"torn_write_recovered": b.store.RecoveredTornWrite(),
		"sessions":             b.sessions.Stats(),
		"authority":            b.authority.Stats(),
		"rate_limiter":         b.limiter.Stats(),
		"experts":              b.registry.Stats(),
		"elicitations":         b.bus.Stats(),
		"dispatcher":           b.dispatcher.Stats(),
		"integrity":            b.monitor.Stats(),
	}
}

// Close shuts everything down in reverse dependency order.
func (b *Bridge) Close() error {
	select {
	case <-b.stopSweep:
	default:
		close(b.stopSweep)
		<-b.sweepDone
	}
	b.monitor.Stop()
	if b.redis != nil {
		b.redis.Close()
	}
	return b.store.Close()
}

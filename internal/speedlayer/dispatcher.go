package speedlayer

import (
	"context"
	"log/slog"
	"time"

	"github.com/lighthouse/bridge/internal/circuitbreaker"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

// ============================================================================
// DISPATCHER
// ============================================================================

// DispatcherConfig tunes the pipeline.
type DispatcherConfig struct {
	// CacheSize bounds the in-memory decision cache.
	CacheSize int
	// PolicyTTL / PatternTTL / ExpertTTL control how long a definite
	// decision from each tier stays cached.
	PolicyTTL  time.Duration
	PatternTTL time.Duration
	ExpertTTL  time.Duration
	// Breaker seeds per-tier circuit breakers.
	Breaker *circuitbreaker.Config
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		CacheSize:  4096,
		PolicyTTL:  5 * time.Minute,
		PatternTTL: 2 * time.Minute,
		ExpertTTL:  10 * time.Minute,
	}
}

// Dispatcher runs a request through the tiers in order and returns the
// first definite decision. A tier that errors feeds its circuit breaker
// and is treated as an abstention; when every tier is inconclusive the
// dispatcher denies rather than guessing.
type Dispatcher struct {
	cfg        *DispatcherConfig
	cache      *MemoryCache
	shared     *SharedCache // optional second level
	tiers      []Tier
	breakers   *circuitbreaker.Manager
	classifier *PatternClassifier // trained from expert decisions; may be nil
	store      *eventlog.Store
	now        func() time.Time
}

// NewDispatcher assembles the pipeline. Tiers run in the order given;
// shared and classifier may be nil.
func NewDispatcher(cfg *DispatcherConfig, store *eventlog.Store, shared *SharedCache, classifier *PatternClassifier, tiers ...Tier) *Dispatcher {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	bcfg := cfg.Breaker
	if bcfg == nil {
		bcfg = circuitbreaker.DefaultConfig("")
	}
	return &Dispatcher{
		cfg:        cfg,
		cache:      NewMemoryCache(cfg.CacheSize),
		shared:     shared,
		tiers:      tiers,
		breakers:   circuitbreaker.NewManager(bcfg),
		classifier: classifier,
		store:      store,
		now:        time.Now,
	}
}

// Breakers exposes the per-tier breaker registry for the status endpoint.
func (d *Dispatcher) Breakers() *circuitbreaker.Manager { return d.breakers }

// Cache exposes the memory cache for the status endpoint.
func (d *Dispatcher) Cache() *MemoryCache { return d.cache }

// Validate answers one validation question. The returned decision is
// always definite: allow, deny, or the fail-closed deny.
func (d *Dispatcher) Validate(ctx context.Context, req *Request) (*Decision, error) {
	start := d.now()
	defer func() {
		metricValidateDuration.Observe(d.now().Sub(start).Seconds())
	}()

	if req == nil || req.Command.Kind == "" {
		return nil, core.Validationf("validation request has no command kind")
	}
	key := req.Fingerprint()

	if dec, ok := d.cache.Get(key); ok {
		metricCacheHits.WithLabelValues("memory").Inc()
		hit := *dec
		hit.Reason = ReasonCacheHit
		d.record(req, &hit)
		return &hit, nil
	}
	if d.shared != nil {
		if dec, ok := d.shared.Get(ctx, key); ok {
			metricCacheHits.WithLabelValues("shared").Inc()
			ttl := time.Until(dec.ExpiresAt)
			d.cache.Put(key, dec, ttl)
			hit := *dec
			hit.Reason = ReasonCacheHit
			d.record(req, &hit)
			return &hit, nil
		}
	}

	for _, tier := range d.tiers {
		if err := ctx.Err(); err != nil {
			return nil, &core.Error{Kind: core.KindCancelled, Reason: "validation cancelled", Err: err}
		}
		dec := d.runTier(ctx, tier, req)
		if !dec.Definite() {
			continue
		}
		d.writeBack(ctx, key, dec)
		if tier.Name() == TierExperts && d.classifier != nil {
			d.classifier.Train(req.Command, dec.Verdict)
		}
		d.record(req, dec)
		return dec, nil
	}

	// Every tier abstained, failed, or was skipped: deny.
	dec := &Decision{
		Verdict:    VerdictDeny,
		Reason:     ReasonFailClosed,
		SourceTier: TierExperts,
		Confidence: 1.0,
	}
	d.record(req, dec)
	return dec, nil
}

// runTier evaluates one tier behind its breaker. Any outcome other than a
// decision collapses to an abstention.
func (d *Dispatcher) runTier(ctx context.Context, tier Tier, req *Request) *Decision {
	name := tier.Name()
	br := d.breakers.Get(name)

	gen, err := br.Allow()
	if err != nil {
		metricTierSkipped.WithLabelValues(name).Inc()
		slog.Debug("tier skipped, breaker open", "tier", name)
		return nil
	}

	start := d.now()
	dec, err := tier.Evaluate(ctx, req)
	metricTierDuration.WithLabelValues(name).Observe(d.now().Sub(start).Seconds())

	if err != nil {
		br.Failure(gen)
		metricTierFailures.WithLabelValues(name).Inc()
		slog.Warn("tier failure", "tier", name, "error", err)
		return nil
	}
	br.Success(gen)
	return dec
}

// writeBack caches a definite decision with the TTL of the tier that
// produced it and mirrors it to the shared cache.
func (d *Dispatcher) writeBack(ctx context.Context, key string, dec *Decision) {
	var ttl time.Duration
	switch dec.SourceTier {
	case TierPolicy:
		ttl = d.cfg.PolicyTTL
	case TierPatterns:
		ttl = d.cfg.PatternTTL
	case TierExperts:
		ttl = d.cfg.ExpertTTL
	default:
		return
	}
	if ttl <= 0 {
		return
	}
	dec.ExpiresAt = d.now().Add(ttl)
	d.cache.Put(key, dec, ttl)
	if d.shared != nil {
		d.shared.Put(ctx, key, dec, ttl)
	}
}

// record counts the verdict and appends the audit event. Audit failures
// are logged, not propagated: a full log must not turn an allow into an
// error.
func (d *Dispatcher) record(req *Request, dec *Decision) {
	metricVerdicts.WithLabelValues(string(dec.Verdict), dec.SourceTier).Inc()
	if d.store == nil {
		return
	}

	evType := eventlog.TypeCommandValidated
	if dec.Verdict == VerdictDeny {
		evType = eventlog.TypeCommandRejected
	}
	_, err := d.store.Append(&eventlog.Event{
		Type:        evType,
		AggregateID: "validation:" + req.Identity.AgentID,
		ActorID:     req.Identity.AgentID,
		Payload: map[string]interface{}{
			"command_kind": req.Command.Kind,
			"command_text": req.Command.Text,
			"verdict":      string(dec.Verdict),
			"reason":       dec.Reason,
			"source_tier":  dec.SourceTier,
			"confidence":   dec.Confidence,
		},
	})
	if err != nil {
		slog.Warn("validation audit append failed",
			"agent_id", req.Identity.AgentID, "error", err)
	}
}

// Stats reports pipeline state for the status endpoint.
func (d *Dispatcher) Stats() map[string]interface{} {
	tiers := make([]string, 0, len(d.tiers))
	for _, t := range d.tiers {
		tiers = append(tiers, t.Name())
	}
	return map[string]interface{}{
		"tiers":        tiers,
		"cache_size":   d.cache.Len(),
		"breakers":     d.breakers.States(),
		"shared_cache": d.shared != nil,
	}
}

// Package adaptive implements the STOQ live adaptive controller (C6):
// per-connection condition sampling, tier classification with hysteresis,
// and atomic parameter-update emission.
package adaptive

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/metrics"
)

// NetworkConditions is a per-connection rolling estimate (spec section 3).
type NetworkConditions struct {
	RTTMs          float64
	PacketLoss     float64
	ThroughputMbps float64
	JitterMs       float64
	LastUpdated    time.Time
}

const (
	hysteresisCount  = 3
	hysteresisWindow = 5 * time.Second
	defaultCooldown  = 2 * time.Second

	// DefaultSampleInterval is the controller's default polling period.
	DefaultSampleInterval = 1 * time.Second
	// DefaultStalenessBound discards measurements older than this.
	DefaultStalenessBound = 10 * time.Second
	// DefaultMaxPassMs bounds one full pass over all connections.
	DefaultMaxPassMs = 500 * time.Millisecond
)

type connEntry struct {
	mu    sync.Mutex
	adapt AdaptationState
}

// Controller owns the adaptation state for every connection registered
// with it and computes tier transitions under hysteresis.
type Controller struct {
	mu    sync.RWMutex
	conns map[uint64]*connEntry

	cooldown  time.Duration
	maxPassMs time.Duration

	logger  *log.Entry
	metrics metrics.Sink
}

// New constructs a Controller. A zero cooldown or maxPassMs selects the
// spec's defaults.
func New(cooldown, maxPassMs time.Duration, logger *log.Entry, sink metrics.Sink) *Controller {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if maxPassMs <= 0 {
		maxPassMs = DefaultMaxPassMs
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Controller{
		conns:     make(map[uint64]*connEntry),
		cooldown:  cooldown,
		maxPassMs: maxPassMs,
		logger:    logger,
		metrics:   sink,
	}
}

// Register creates adaptation state for a new connection, initially
// Stable at the neutral Standard tier.
func (c *Controller) Register(connID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connID] = &connEntry{adapt: NewAdaptationState()}
}

// Unregister destroys a connection's adaptation state.
func (c *Controller) Unregister(connID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, connID)
}

// State returns a snapshot of one connection's adaptation state, for
// introspection (e.g. the admin harness).
func (c *Controller) State(connID uint64) (AdaptationState, bool) {
	c.mu.RLock()
	entry, ok := c.conns[connID]
	c.mu.RUnlock()
	if !ok {
		return AdaptationState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.adapt, true
}

// Observe feeds one measurement for connID through the hysteresis state
// machine, applying the staleness bound, and returns the new parameters
// when (and only when) a tier transition fires.
func (c *Controller) Observe(connID uint64, cond NetworkConditions, now time.Time, stalenessBound time.Duration) (*ConnectionParameters, bool) {
	if stalenessBound <= 0 {
		stalenessBound = DefaultStalenessBound
	}
	if !cond.LastUpdated.IsZero() && now.Sub(cond.LastUpdated) > stalenessBound {
		return nil, false
	}

	c.mu.RLock()
	entry, ok := c.conns[connID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	candidate := Classify(cond.ThroughputMbps, cond.PacketLoss, cond.JitterMs)
	params, changed := c.advance(&entry.adapt, candidate, now)
	return params, changed
}

// ForceAdapt bypasses hysteresis and immediately emits the target
// parameters for the measurement's classified tier (spec section 4.6's
// force_adapt), still recorded through the same state bookkeeping.
func (c *Controller) ForceAdapt(connID uint64, cond NetworkConditions, now time.Time) (*ConnectionParameters, bool) {
	c.mu.RLock()
	entry, ok := c.conns[connID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	candidate := Classify(cond.ThroughputMbps, cond.PacketLoss, cond.JitterMs)
	params := TierTarget(candidate)
	entry.adapt.CurrentTier = candidate
	entry.adapt.LastChangeAt = now.UnixMilli()
	entry.adapt.MeasurementsSinceChange = 0
	entry.adapt.pushHistory(candidate)
	entry.adapt.state = Cooldown
	entry.adapt.cooldownStart = now.UnixMilli()

	c.metrics.IncrCounter("stoq.adaptive.force_adapt")
	return &params, true
}

// advance runs one measurement through the state machine of spec section
// 4.6 and returns the emitted parameters, if any. The Adapting state is
// never entered: a firing transition moves Probing directly to Cooldown.
func (c *Controller) advance(a *AdaptationState, candidate Tier, now time.Time) (*ConnectionParameters, bool) {
	if a.state == Cooldown {
		if now.Sub(time.UnixMilli(a.cooldownStart)) >= c.cooldown {
			a.state = Stable
		} else {
			return nil, false
		}
	}

	// The first observation establishes the "last change" baseline at
	// connection creation, so the Δt≥5s hysteresis leg is measured from
	// here even before any real tier change has ever fired.
	if a.LastChangeAt == 0 {
		a.LastChangeAt = now.UnixMilli()
	}

	if candidate == a.CurrentTier {
		a.MeasurementsSinceChange = 0
		a.state = Stable
		return nil, false
	}

	if a.state == Stable {
		a.state = Probing
		a.candidateTier = candidate
		a.MeasurementsSinceChange = 1
		return nil, false
	}

	// Probing state.
	if a.candidateTier != candidate {
		a.candidateTier = candidate
		a.MeasurementsSinceChange = 1
		return nil, false
	}

	a.MeasurementsSinceChange++
	sinceChange := time.Duration(now.UnixMilli()-a.LastChangeAt) * time.Millisecond

	if a.MeasurementsSinceChange < hysteresisCount || sinceChange < hysteresisWindow {
		return nil, false
	}

	params := TierTarget(candidate)
	a.CurrentTier = candidate
	a.LastChangeAt = now.UnixMilli()
	a.MeasurementsSinceChange = 0
	a.pushHistory(candidate)
	a.state = Cooldown
	a.cooldownStart = now.UnixMilli()

	c.metrics.IncrCounter("stoq.adaptive.tier_change")
	return &params, true
}

// RunPass samples every registered connection via sampler, applying the
// fairness bound: the pass aborts (logging a backpressure warning) if it
// has not finished within maxPassMs.
func (c *Controller) RunPass(now time.Time, stalenessBound time.Duration, sampler func(connID uint64) (NetworkConditions, bool)) (updates map[uint64]ConnectionParameters, skipped int) {
	deadline := now.Add(c.maxPassMs)
	updates = make(map[uint64]ConnectionParameters)

	c.mu.RLock()
	ids := make([]uint64, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for i, id := range ids {
		if time.Now().After(deadline) {
			skipped = len(ids) - i
			c.logger.WithField("skipped", skipped).Warn("adaptive controller pass exceeded budget, skipping remainder")
			c.metrics.IncrCounter("stoq.adaptive.pass_backpressure")
			break
		}

		cond, ok := sampler(id)
		if !ok {
			continue
		}
		if params, changed := c.Observe(id, cond, now, stalenessBound); changed {
			updates[id] = *params
		}
	}

	return updates, skipped
}

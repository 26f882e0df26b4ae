package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

// Registry tracks one circuit per connector. A circuit opens after
// Threshold consecutive failures, rejects calls for Cooldown, then
// admits a single probe; the probe's outcome decides whether the
// circuit closes again or re-opens.
type Registry struct {
	threshold int
	cooldown  time.Duration
	logger    *zap.Logger
	metrics   domain.Metrics
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state         domain.CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

type Options struct {
	Threshold int
	Cooldown  time.Duration
	Logger    *zap.Logger
	Metrics   domain.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

func New(opts Options) *Registry {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = domain.DefaultBreakerThreshold
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = time.Duration(domain.DefaultBreakerCooldownSeconds) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		metrics:   metrics,
		now:       now,
		circuits:  make(map[string]*circuit),
	}
}

// Allow reports whether a call to the connector may proceed. When the
// cooldown has elapsed it reserves the half-open probe slot for the
// caller; exactly one probe runs at a time.
func (r *Registry) Allow(connectorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(connectorID)
	switch c.state {
	case domain.CircuitClosed:
		return nil
	case domain.CircuitOpen:
		if r.now().Sub(c.openedAt) < r.cooldown {
			return domain.E(domain.KindCircuitOpen, "breaker.Allow", "circuit open for "+connectorID, nil)
		}
		r.transitionLocked(connectorID, c, domain.CircuitHalfOpen)
		c.probeInFlight = true
		return nil
	case domain.CircuitHalfOpen:
		if c.probeInFlight {
			return domain.E(domain.KindCircuitOpen, "breaker.Allow", "probe already in flight for "+connectorID, nil)
		}
		c.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes a half-open
// circuit.
func (r *Registry) RecordSuccess(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(connectorID)
	c.failures = 0
	c.probeInFlight = false
	if c.state != domain.CircuitClosed {
		r.transitionLocked(connectorID, c, domain.CircuitClosed)
		r.logger.Info("circuit reset",
			telemetry.EventField(telemetry.EventCircuitReset),
			telemetry.ConnectorField(connectorID),
		)
	}
}

// Release frees the probe slot for an admitted call that produced no
// outcome the circuit should count — invalid arguments, cancellation.
// State is untouched; the next Allow may run the probe instead.
func (r *Registry) Release(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuitLocked(connectorID).probeInFlight = false
}

// RecordFailure counts a failure. Closed circuits open at the
// threshold; a failed half-open probe re-opens immediately.
func (r *Registry) RecordFailure(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(connectorID)
	switch c.state {
	case domain.CircuitClosed:
		c.failures++
		if c.failures >= r.threshold {
			c.openedAt = r.now()
			r.transitionLocked(connectorID, c, domain.CircuitOpen)
			r.logger.Warn("circuit tripped",
				telemetry.EventField(telemetry.EventCircuitTrip),
				telemetry.ConnectorField(connectorID),
				zap.Int("failures", c.failures),
			)
		}
	case domain.CircuitHalfOpen:
		c.openedAt = r.now()
		c.probeInFlight = false
		r.transitionLocked(connectorID, c, domain.CircuitOpen)
		r.logger.Warn("circuit re-opened after failed probe",
			telemetry.EventField(telemetry.EventCircuitTrip),
			telemetry.ConnectorField(connectorID),
		)
	case domain.CircuitOpen:
		// Late failure from a call admitted before the trip; the
		// circuit is already open.
	}
}

// State reports the current state for one connector.
func (r *Registry) State(connectorID string) domain.CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitLocked(connectorID).state
}

// Snapshot reports every tracked circuit's state.
func (r *Registry) Snapshot() map[string]domain.CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]domain.CircuitState, len(r.circuits))
	for id, c := range r.circuits {
		out[id] = c.state
	}
	return out
}

func (r *Registry) circuitLocked(connectorID string) *circuit {
	c, ok := r.circuits[connectorID]
	if !ok {
		c = &circuit{state: domain.CircuitClosed}
		r.circuits[connectorID] = c
	}
	return c
}

func (r *Registry) transitionLocked(connectorID string, c *circuit, state domain.CircuitState) {
	c.state = state
	r.metrics.ObserveCircuitTransition(connectorID, state)
}

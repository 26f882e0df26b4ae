package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"toolgate/internal/domain"
)

type PrometheusMetrics struct {
	invokeDuration     *prometheus.HistogramVec
	sessionStarts      *prometheus.CounterVec
	sessionStops       *prometheus.CounterVec
	activeSessions     *prometheus.GaugeVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	modelDuration      *prometheus.HistogramVec
	modelTokens        *prometheus.CounterVec
	routingDecisions   *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		invokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_invoke_duration_seconds",
				Help:    "Duration of connector tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"connector", "status"},
		),
		sessionStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_session_starts_total",
				Help: "Total number of connector session start attempts",
			},
			[]string{"connector"},
		),
		sessionStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_session_stops_total",
				Help: "Total number of connector session stops",
			},
			[]string{"connector"},
		),
		activeSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolgate_active_sessions",
				Help: "Current number of live connector sessions",
			},
			[]string{"connector"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_cache_hits_total",
				Help: "Total cache hits per cache",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_cache_misses_total",
				Help: "Total cache misses per cache",
			},
			[]string{"cache"},
		),
		circuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"connector", "state"},
		),
		modelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_model_call_duration_seconds",
				Help:    "Latency of model inference calls in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tier", "model"},
		),
		modelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_model_tokens_total",
				Help: "Total tokens consumed by model inference calls",
			},
			[]string{"tier", "model"},
		),
		routingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_routing_decisions_total",
				Help: "Routing decisions by resolver tier",
			},
			[]string{"tier"},
		),
	}
}

func (p *PrometheusMetrics) ObserveInvoke(connectorID string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.invokeDuration.WithLabelValues(connectorID, status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveSessionStart(connectorID string, duration time.Duration, err error) {
	p.sessionStarts.WithLabelValues(connectorID).Inc()
}

func (p *PrometheusMetrics) ObserveSessionStop(connectorID string, err error) {
	p.sessionStops.WithLabelValues(connectorID).Inc()
}

func (p *PrometheusMetrics) SetActiveSessions(connectorID string, count int) {
	p.activeSessions.WithLabelValues(connectorID).Set(float64(count))
}

func (p *PrometheusMetrics) ObserveCacheHit(cache string) {
	p.cacheHits.WithLabelValues(cache).Inc()
}

func (p *PrometheusMetrics) ObserveCacheMiss(cache string) {
	p.cacheMisses.WithLabelValues(cache).Inc()
}

func (p *PrometheusMetrics) ObserveCircuitTransition(connectorID string, state domain.CircuitState) {
	p.circuitTransitions.WithLabelValues(connectorID, string(state)).Inc()
}

func (p *PrometheusMetrics) ObserveModelCall(tier string, model string, duration time.Duration, tokens int) {
	p.modelDuration.WithLabelValues(tier, model).Observe(duration.Seconds())
	if tokens > 0 {
		p.modelTokens.WithLabelValues(tier, model).Add(float64(tokens))
	}
}

func (p *PrometheusMetrics) ObserveRoutingDecision(tier string) {
	p.routingDecisions.WithLabelValues(tier).Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)

package domain

import "time"

// Metrics abstracts the telemetry backend so subsystems never depend
// on a concrete metrics library.
type Metrics interface {
	ObserveInvoke(connectorID string, duration time.Duration, err error)
	ObserveSessionStart(connectorID string, duration time.Duration, err error)
	ObserveSessionStop(connectorID string, err error)
	SetActiveSessions(connectorID string, count int)
	ObserveCacheHit(cache string)
	ObserveCacheMiss(cache string)
	ObserveCircuitTransition(connectorID string, state CircuitState)
	ObserveModelCall(tier string, model string, duration time.Duration, tokens int)
	ObserveRoutingDecision(tier string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveInvoke(string, time.Duration, error)       {}
func (NopMetrics) ObserveSessionStart(string, time.Duration, error) {}
func (NopMetrics) ObserveSessionStop(string, error)                 {}
func (NopMetrics) SetActiveSessions(string, int)                    {}
func (NopMetrics) ObserveCacheHit(string)                           {}
func (NopMetrics) ObserveCacheMiss(string)                          {}
func (NopMetrics) ObserveCircuitTransition(string, CircuitState)    {}
func (NopMetrics) ObserveModelCall(string, string, time.Duration, int) {}
func (NopMetrics) ObserveRoutingDecision(string)                    {}

var _ Metrics = NopMetrics{}

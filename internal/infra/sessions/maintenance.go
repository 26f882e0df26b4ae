package sessions

import (
	"context"
	"strings"
	"time"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

// StartIdleReaper begins periodic eviction of sessions idle past the
// idle timeout. Safe to call once; later calls are no-ops.
func (m *Manager) StartIdleReaper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(domain.DefaultReaperIntervalSeconds) * time.Second
	}
	m.mu.Lock()
	if m.idleTicker != nil {
		m.mu.Unlock()
		return
	}
	m.idleTicker = time.NewTicker(interval)
	m.stopIdle = make(chan struct{})
	ticker := m.idleTicker
	stop := m.stopIdle
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				m.EvictIdle()
			case <-stop:
				return
			}
		}
	}()
}

// StopIdleReaper ends periodic eviction.
func (m *Manager) StopIdleReaper() {
	m.mu.Lock()
	if m.idleTicker == nil {
		m.mu.Unlock()
		return
	}
	m.idleTicker.Stop()
	m.idleTicker = nil
	close(m.stopIdle)
	m.mu.Unlock()
}

// EvictIdle stops every session that has been idle past the idle
// timeout and has no in-flight calls. Sessions mid-call are left for a
// later sweep.
func (m *Manager) EvictIdle() {
	now := time.Now()

	m.mu.Lock()
	pools := make([]*poolState, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.mu.Unlock()

	var victims []*domain.Session
	for _, pool := range pools {
		pool.mu.Lock()
		session := pool.session
		if session != nil &&
			session.State() == domain.SessionStateReady &&
			session.InFlight() == 0 &&
			now.Sub(session.LastUsedAt()) >= m.idleTimeout {
			session.SetState(domain.SessionStateDraining)
			pool.session = nil
			victims = append(victims, session)
		}
		pool.mu.Unlock()
	}

	for _, session := range victims {
		idleFor := now.Sub(session.LastUsedAt())
		m.logger.Info("idle reap",
			telemetry.EventField(telemetry.EventIdleReap),
			telemetry.ConnectorField(session.ConnectorID()),
			telemetry.SessionField(session.ID()),
			telemetry.DurationField(idleFor),
		)
		m.stopSession(context.Background(), session, "idle timeout")
		m.observeActiveSessions(session.ConnectorID())
	}
}

// DropConnector drains and stops every session belonging to one
// connector. Used when the connector is removed or its descriptor
// changes; the next acquire launches a fresh process.
func (m *Manager) DropConnector(ctx context.Context, connectorID string) {
	prefix := connectorID + "/"

	m.mu.Lock()
	pools := make([]*poolState, 0, len(m.pools))
	for key, pool := range m.pools {
		if strings.HasPrefix(key, prefix) {
			pools = append(pools, pool)
			delete(m.pools, key)
		}
	}
	m.mu.Unlock()

	var victims []*domain.Session
	for _, pool := range pools {
		pool.mu.Lock()
		if pool.session != nil {
			pool.session.SetState(domain.SessionStateDraining)
			victims = append(victims, pool.session)
			pool.session = nil
		}
		pool.mu.Unlock()
	}

	for _, session := range victims {
		m.waitDrain(ctx, session)
		m.stopSession(ctx, session, "connector removed")
	}
	if len(victims) > 0 {
		m.observeActiveSessions(connectorID)
	}
}

// StopAll drains and stops every session. New acquires fail once this
// has run. In-flight calls get until ctx expires to finish.
func (m *Manager) StopAll(ctx context.Context) {
	m.StopIdleReaper()

	m.mu.Lock()
	m.stopped = true
	pools := make([]*poolState, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.pools = make(map[string]*poolState)
	m.mu.Unlock()

	var victims []*domain.Session
	for _, pool := range pools {
		pool.mu.Lock()
		if pool.session != nil {
			pool.session.SetState(domain.SessionStateDraining)
			victims = append(victims, pool.session)
			pool.session = nil
		}
		pool.mu.Unlock()
	}

	for _, session := range victims {
		m.waitDrain(ctx, session)
		m.stopSession(ctx, session, "shutdown")
	}
	m.cancel()
}

// waitDrain polls until the session has no in-flight calls or ctx
// expires.
func (m *Manager) waitDrain(ctx context.Context, session *domain.Session) {
	if session.InFlight() == 0 {
		return
	}
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session.InFlight() == 0 {
				return
			}
		}
	}
}

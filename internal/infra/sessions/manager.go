package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/hashutil"
	"toolgate/internal/infra/retry"
	"toolgate/internal/infra/telemetry"
)

// Launcher starts connector processes. Satisfied by transport.Launcher.
type Launcher interface {
	Start(ctx context.Context, desc domain.ConnectorDescriptor, creds map[string]string) (domain.Conn, domain.StopFn, error)
}

// Manager owns every live connector session, keyed by connector id and
// credential fingerprint. At most one session exists per key; a tenant
// with different credentials gets its own process.
type Manager struct {
	launcher      Launcher
	launchRetry   *retry.Policy
	logger        *zap.Logger
	metrics       domain.Metrics
	idleTimeout   time.Duration
	invokeTimeout time.Duration

	// baseCtx bounds the lifetime of launched processes, independent
	// of any single request.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pools   map[string]*poolState
	stopped bool

	idleTicker *time.Ticker
	stopIdle   chan struct{}
}

// poolState guards the single session slot for one (connector,
// fingerprint) key. Launches happen outside the lock; starting plus
// waitCh keep concurrent acquirers from racing a second process up.
type poolState struct {
	mu       sync.Mutex
	key      string
	session  *domain.Session
	starting bool
	waitCh   chan struct{}
	startErr error
}

type Options struct {
	Launcher      Launcher
	Logger        *zap.Logger
	Metrics       domain.Metrics
	IdleTimeout   time.Duration
	InvokeTimeout time.Duration
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = time.Duration(domain.DefaultIdleTimeoutSeconds) * time.Second
	}
	invokeTimeout := opts.InvokeTimeout
	if invokeTimeout <= 0 {
		invokeTimeout = time.Duration(domain.DefaultInvokeTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		launcher: opts.Launcher,
		// Launch failures other than bad configuration are usually a
		// crashed or slow-starting process; one backoff retry covers
		// them without masking real outages.
		launchRetry: retry.NewPolicy(retry.Options{
			MaxAttempts:     2,
			InitialInterval: 250 * time.Millisecond,
			RetryIf: func(err error) bool {
				return domain.KindFrom(err) == domain.KindTransport
			},
		}),
		logger:        logger,
		metrics:       metrics,
		idleTimeout:   idleTimeout,
		invokeTimeout: invokeTimeout,
		baseCtx:       ctx,
		cancel:        cancel,
		pools:         make(map[string]*poolState),
	}
}

// Acquire returns the live session for the connector and credentials,
// launching one if none exists. Concurrent acquirers for the same key
// share a single launch.
func (m *Manager) Acquire(ctx context.Context, desc domain.ConnectorDescriptor, creds map[string]string) (*domain.Session, error) {
	if desc.ID == "" {
		return nil, domain.E(domain.KindConfiguration, "sessions.Acquire", "connector id is required", nil)
	}
	if desc.Disabled {
		return nil, domain.E(domain.KindConfiguration, "sessions.Acquire",
			fmt.Sprintf("connector %s is disabled", desc.ID), nil)
	}
	if missing := missingFields(desc, creds); len(missing) > 0 {
		return nil, domain.E(domain.KindConfiguration, "sessions.Acquire",
			fmt.Sprintf("connector %s missing credentials: %s", desc.ID, strings.Join(missing, ", ")),
			domain.ErrNotConfigured)
	}

	fingerprint := hashutil.Fingerprint(desc.ID, creds)
	key := desc.ID + "/" + fingerprint

	for {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindFrom(err), "sessions.Acquire", err)
		}

		pool, err := m.pool(key)
		if err != nil {
			return nil, err
		}

		pool.mu.Lock()
		if session := pool.session; session != nil {
			state := session.State()
			if state == domain.SessionStateReady || state == domain.SessionStateBusy {
				session.SetLastUsedAt(time.Now())
				pool.mu.Unlock()
				return session, nil
			}
			// Draining or closed; slot frees once teardown finishes.
			pool.session = nil
		}
		if pool.starting {
			wait := pool.waitCh
			pool.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, domain.Wrap(domain.KindFrom(ctx.Err()), "sessions.Acquire", ctx.Err())
			}
			pool.mu.Lock()
			if pool.session != nil {
				session := pool.session
				session.SetLastUsedAt(time.Now())
				pool.mu.Unlock()
				return session, nil
			}
			startErr := pool.startErr
			pool.mu.Unlock()
			if startErr != nil {
				return nil, startErr
			}
			continue
		}
		pool.starting = true
		pool.startErr = nil
		pool.waitCh = make(chan struct{})
		waitCh := pool.waitCh
		pool.mu.Unlock()

		session, err := m.launch(ctx, desc, creds, fingerprint)

		if err == nil && !m.poolRegistered(key, pool) {
			// The connector was dropped or the manager stopped while the
			// process was starting. A session published into the stale
			// pool would be invisible to eviction and shutdown.
			m.stopSession(ctx, session, "connector removed during launch")
			session = nil
			err = domain.E(domain.KindConfiguration, "sessions.Acquire",
				fmt.Sprintf("connector %s was removed while its session started", desc.ID), nil)
		}

		pool.mu.Lock()
		pool.starting = false
		if err != nil {
			pool.startErr = err
		} else {
			pool.session = session
		}
		close(waitCh)
		pool.mu.Unlock()

		if err != nil {
			return nil, err
		}
		m.observeActiveSessions(desc.ID)
		return session, nil
	}
}

func (m *Manager) launch(ctx context.Context, desc domain.ConnectorDescriptor, creds map[string]string, fingerprint string) (*domain.Session, error) {
	started := time.Now()
	var conn domain.Conn
	var stop domain.StopFn
	err := m.launchRetry.Do(ctx, func(context.Context) error {
		attemptStart := time.Now()
		var startErr error
		conn, stop, startErr = m.launcher.Start(m.baseCtx, desc, creds)
		m.metrics.ObserveSessionStart(desc.ID, time.Since(attemptStart), startErr)
		if startErr == nil {
			return nil
		}
		kind := domain.KindTransport
		if errors.Is(startErr, domain.ErrExecutableNotFound) ||
			errors.Is(startErr, domain.ErrInvalidCommand) ||
			errors.Is(startErr, domain.ErrPermissionDenied) {
			kind = domain.KindConfiguration
		}
		return domain.Wrap(kind, "sessions.launch", startErr)
	})
	if err != nil {
		m.logger.Error("session start failed",
			telemetry.EventField(telemetry.EventSessionStart),
			telemetry.ConnectorField(desc.ID),
			zap.Error(err),
		)
		return nil, err
	}

	session := domain.NewSession(domain.SessionOptions{
		ID:          uuid.NewString(),
		ConnectorID: desc.ID,
		Fingerprint: fingerprint,
		Conn:        conn,
		Stop:        stop,
	})
	m.logger.Info("session started",
		telemetry.EventField(telemetry.EventSessionStart),
		telemetry.ConnectorField(desc.ID),
		telemetry.SessionField(session.ID()),
		telemetry.DurationField(time.Since(started)),
	)
	return session, nil
}

// Release marks the session recently used so the idle clock restarts.
// It never closes the transport; eviction is the reaper's job.
func (m *Manager) Release(session *domain.Session) {
	if session == nil {
		return
	}
	session.SetLastUsedAt(time.Now())
}

// Invoke runs one tool call on the session under the invoke timeout.
// A dead transport closes the session so the next acquire relaunches.
func (m *Manager) Invoke(ctx context.Context, session *domain.Session, tool string, args map[string]any) (payload json.RawMessage, latency time.Duration, err error) {
	conn := session.Conn()
	if conn == nil || session.State() == domain.SessionStateClosed {
		return nil, 0, domain.Wrap(domain.KindTransport, "sessions.Invoke", domain.ErrSessionClosed)
	}

	session.IncInFlight()
	session.SetState(domain.SessionStateBusy)
	defer func() {
		if session.DecInFlight() == 0 && session.State() == domain.SessionStateBusy {
			session.SetState(domain.SessionStateReady)
		}
		session.SetLastUsedAt(time.Now())
	}()

	callCtx, cancel := context.WithTimeout(ctx, m.invokeTimeout)
	defer cancel()

	started := time.Now()
	payload, callErr := conn.InvokeTool(callCtx, tool, args)
	latency = time.Since(started)
	m.metrics.ObserveInvoke(session.ConnectorID(), latency, callErr)

	if callErr == nil {
		return payload, latency, nil
	}

	m.logger.Warn("tool invocation failed",
		telemetry.EventField(telemetry.EventInvokeError),
		telemetry.ConnectorField(session.ConnectorID()),
		telemetry.SessionField(session.ID()),
		telemetry.ToolField(tool),
		telemetry.DurationField(latency),
		zap.Error(callErr),
	)

	// Tool-reported failures carry a payload and leave the channel
	// healthy; they keep their own kind. An unclassified error with no
	// payload means the process side of the pipe is gone.
	kind := domain.KindFrom(callErr)
	if kind == domain.KindInternal && payload == nil {
		kind = domain.KindTransport
	}
	if payload == nil && kind == domain.KindTransport {
		m.invalidate(session, "dead transport")
	}
	return payload, latency, domain.Wrap(kind, "sessions.Invoke", callErr)
}

// ListTools fetches the connector's tool inventory over the session.
func (m *Manager) ListTools(ctx context.Context, session *domain.Session) ([]domain.ToolDefinition, error) {
	conn := session.Conn()
	if conn == nil || session.State() == domain.SessionStateClosed {
		return nil, domain.Wrap(domain.KindTransport, "sessions.ListTools", domain.ErrSessionClosed)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.invokeTimeout)
	defer cancel()

	session.IncInFlight()
	defer func() {
		session.DecInFlight()
		session.SetLastUsedAt(time.Now())
	}()

	tools, err := conn.ListTools(callCtx)
	if err != nil {
		kind := domain.KindFrom(err)
		if kind == domain.KindInternal {
			kind = domain.KindTransport
		}
		if kind == domain.KindTransport {
			m.invalidate(session, "dead transport")
		}
		return nil, domain.Wrap(kind, "sessions.ListTools", err)
	}
	return tools, nil
}

// invalidate tears the session down and frees its pool slot.
func (m *Manager) invalidate(session *domain.Session, reason string) {
	session.SetState(domain.SessionStateClosed)

	key := session.ConnectorID() + "/" + session.Fingerprint()
	m.mu.Lock()
	if pool, ok := m.pools[key]; ok {
		pool.mu.Lock()
		if pool.session == session {
			pool.session = nil
		}
		pool.mu.Unlock()
	}
	m.mu.Unlock()

	m.stopSession(context.Background(), session, reason)
	m.observeActiveSessions(session.ConnectorID())
}

func (m *Manager) stopSession(ctx context.Context, session *domain.Session, reason string) {
	var err error
	if stop := session.Stop(); stop != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = stop(stopCtx)
		cancel()
	}
	session.SetState(domain.SessionStateClosed)
	m.metrics.ObserveSessionStop(session.ConnectorID(), err)

	fields := []zap.Field{
		telemetry.EventField(telemetry.EventSessionStop),
		telemetry.ConnectorField(session.ConnectorID()),
		telemetry.SessionField(session.ID()),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		m.logger.Warn("session stop failed", fields...)
		return
	}
	m.logger.Info("session stopped", fields...)
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []domain.SessionInfo {
	m.mu.Lock()
	pools := make([]*poolState, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.mu.Unlock()

	out := make([]domain.SessionInfo, 0, len(pools))
	for _, pool := range pools {
		pool.mu.Lock()
		if pool.session != nil {
			out = append(out, pool.session.Info())
		}
		pool.mu.Unlock()
	}
	return out
}

// ActiveCount reports how many sessions are currently live.
func (m *Manager) ActiveCount() int {
	return len(m.Sessions())
}

func (m *Manager) pool(key string) (*poolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, domain.E(domain.KindInternal, "sessions.Acquire", "session manager is stopped", nil)
	}
	pool, ok := m.pools[key]
	if !ok {
		pool = &poolState{key: key}
		m.pools[key] = pool
	}
	return pool, nil
}

// poolRegistered reports whether the pool slot is still the one the
// manager hands out for its key. False once DropConnector or StopAll
// removed it.
func (m *Manager) poolRegistered(key string, pool *poolState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && m.pools[key] == pool
}

func (m *Manager) observeActiveSessions(connectorID string) {
	count := 0
	for _, info := range m.Sessions() {
		if info.ConnectorID == connectorID {
			count++
		}
	}
	m.metrics.SetActiveSessions(connectorID, count)
}

func missingFields(desc domain.ConnectorDescriptor, creds map[string]string) []string {
	var missing []string
	for _, field := range desc.RequiredFields {
		if creds[field] == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

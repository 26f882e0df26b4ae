package domain

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Conn is the live protocol channel to one connector process. The
// channel is strictly one request / one response; implementations
// serialize concurrent callers.
type Conn interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Close() error
}

// StopFn tears down a launched connector process.
type StopFn func(ctx context.Context) error

// SessionState tracks a session through its lifecycle.
type SessionState string

const (
	SessionStateReady    SessionState = "ready"
	SessionStateBusy     SessionState = "busy"
	SessionStateDraining SessionState = "draining"
	SessionStateClosed   SessionState = "closed"
)

// SessionOptions provides initial values for a new Session.
type SessionOptions struct {
	ID          string
	ConnectorID string
	Fingerprint string
	Conn        Conn
	Stop        StopFn
	CreatedAt   time.Time
}

// Session is a live connector instance keyed by (connector, credential
// fingerprint). Owned exclusively by the session manager.
type Session struct {
	mu          sync.RWMutex
	id          string
	connectorID string
	fingerprint string
	state       SessionState
	conn        Conn
	stop        StopFn
	createdAt   time.Time
	lastUsedAt  time.Time
	inFlight    int
}

// NewSession constructs a session with the provided options.
func NewSession(opts SessionOptions) *Session {
	s := &Session{
		id:          opts.ID,
		connectorID: opts.ConnectorID,
		fingerprint: opts.Fingerprint,
		state:       SessionStateReady,
		conn:        opts.Conn,
		stop:        opts.Stop,
		createdAt:   opts.CreatedAt,
		lastUsedAt:  opts.CreatedAt,
	}
	if s.createdAt.IsZero() {
		s.createdAt = time.Now()
		s.lastUsedAt = s.createdAt
	}
	return s
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) ConnectorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectorID
}

func (s *Session) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) Stop() StopFn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stop
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) LastUsedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsedAt
}

func (s *Session) SetLastUsedAt(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = at
}

func (s *Session) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

func (s *Session) IncInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	return s.inFlight
}

func (s *Session) DecInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	return s.inFlight
}

// Info returns a read-only snapshot for status queries.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:          s.id,
		ConnectorID: s.connectorID,
		State:       s.state,
		InFlight:    s.inFlight,
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsedAt,
	}
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID          string
	ConnectorID string
	State       SessionState
	InFlight    int
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

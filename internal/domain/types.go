package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ConnectorDescriptor is the static, startup-loaded description of one
// datasource connector: how to launch it and which credentials it needs.
type ConnectorDescriptor struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Launch         LaunchSpec `json:"launch"`
	RequiredFields []string   `json:"requiredFields,omitempty"`
	ReadOnlyTools  []string   `json:"readOnlyTools,omitempty"`
	Keywords       []string   `json:"keywords,omitempty"`
	Description    string     `json:"description,omitempty"`
	Disabled       bool       `json:"disabled,omitempty"`
}

// LaunchSpec describes how to start a connector process. Env is the
// complete environment the child receives (plus scoped credentials);
// the caller's environment is never inherited.
type LaunchSpec struct {
	Cmd []string          `json:"cmd"`
	Env map[string]string `json:"env,omitempty"`
	Cwd string            `json:"cwd,omitempty"`
}

// ToolDefinition describes one tool a connector exposes.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ConnectorID string          `json:"connectorId"`
	ReadOnly    bool            `json:"readOnly,omitempty"`
}

// ToolCall is one resolved invocation request.
type ToolCall struct {
	ConnectorID string         `json:"connectorId"`
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one ToolCall. Latency and Success are
// recorded even when the call timed out.
type ToolResult struct {
	Call      ToolCall        `json:"call"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Err       *Error          `json:"error,omitempty"`
	Latency   time.Duration   `json:"latency"`
	FromCache bool            `json:"fromCache,omitempty"`
}

// RoutingTier identifies which resolver produced a decision.
type RoutingTier string

const (
	TierDirect RoutingTier = "direct"
	TierFast   RoutingTier = "fast"
	TierFull   RoutingTier = "full"
)

// RoutingDecision is an ordered plan of tool calls plus provenance.
type RoutingDecision struct {
	Calls      []ToolCall  `json:"calls"`
	Tier       RoutingTier `json:"tier"`
	Rationale  string      `json:"rationale,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	// Answer is set when the full tier produced a final answer directly
	// instead of (or in addition to) tool calls.
	Answer string `json:"answer,omitempty"`
	// Sequential forces in-order execution for decisions whose later
	// calls depend on earlier results.
	Sequential bool `json:"sequential,omitempty"`
	// Results is set when the resolver executed the calls itself (the
	// full tier does); the executor is skipped for such decisions.
	Results []ToolResult `json:"results,omitempty"`
}

// SourceCandidate is one ranked datasource in a multi-source plan.
type SourceCandidate struct {
	ConnectorID string  `json:"connectorId"`
	Score       float64 `json:"score"`
	Rationale   string  `json:"rationale,omitempty"`
}

// SourcePlan ranks the configured datasources by relevance to a query.
type SourcePlan struct {
	Candidates []SourceCandidate `json:"candidates"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one orchestration request from the caller.
type Request struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Tenant  string    `json:"tenant,omitempty"`
	// Connectors scopes the request; empty means all configured
	// connectors are in play and the planner decides.
	Connectors []string  `json:"connectors,omitempty"`
	History    []Message `json:"history,omitempty"`
}

// Answer is the terminal result of a request.
type Answer struct {
	Text          string         `json:"text"`
	Sources       []string       `json:"sources"`
	FailedSources []SourceError  `json:"failedSources,omitempty"`
	Results       []ToolResult   `json:"results,omitempty"`
	Tier          RoutingTier    `json:"tier,omitempty"`
}

// SourceError records a failed source with a caveat safe to show to
// end users; transport internals never leak through Reason.
type SourceError struct {
	ConnectorID string    `json:"connectorId"`
	Kind        ErrorKind `json:"kind"`
	Reason      string    `json:"reason"`
}

// HealthSnapshot reports operational state for monitoring.
type HealthSnapshot struct {
	Circuits            map[string]CircuitState `json:"circuits"`
	CacheHitRates       map[string]float64      `json:"cacheHitRates"`
	ActiveSessions      int                     `json:"activeSessions"`
	SessionsByConnector map[string]int          `json:"sessionsByConnector,omitempty"`
	TakenAt             time.Time               `json:"takenAt"`
}

// CircuitState is the externally visible breaker state per datasource.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

var ErrUnknownConnector = errors.New("unknown connector")
var ErrSessionClosed = errors.New("session closed")
var ErrConnectionClosed = errors.New("connection closed")
var ErrToolNotFound = errors.New("tool not found")
var ErrExecutableNotFound = errors.New("executable not found")
var ErrPermissionDenied = errors.New("permission denied")
var ErrInvalidCommand = errors.New("invalid command")
var ErrNotConfigured = errors.New("credentials not configured")

// CloneToolDefinition returns a deep copy of a tool definition.
func CloneToolDefinition(t ToolDefinition) ToolDefinition {
	out := t
	if t.InputSchema != nil {
		out.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	}
	return out
}

// CloneArguments returns a shallow copy of an argument map.
func CloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

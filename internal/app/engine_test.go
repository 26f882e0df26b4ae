package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/infra/catalog"
	"toolgate/internal/infra/credentials"
)

type fakeConn struct {
	tools  []domain.ToolDefinition
	invoke func(name string, args map[string]any) (json.RawMessage, error)

	mu      sync.Mutex
	invokes int
}

func (c *fakeConn) ListTools(context.Context) ([]domain.ToolDefinition, error) {
	return c.tools, nil
}

func (c *fakeConn) InvokeTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.invokes++
	c.mu.Unlock()
	return c.invoke(name, args)
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) invokeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invokes
}

// fakeLauncher hands out one canned conn per connector id.
type fakeLauncher struct {
	conns map[string]*fakeConn
}

func (l *fakeLauncher) Start(_ context.Context, desc domain.ConnectorDescriptor, _ map[string]string) (domain.Conn, domain.StopFn, error) {
	conn, ok := l.conns[desc.ID]
	if !ok {
		return nil, nil, fmt.Errorf("no fake conn for %s", desc.ID)
	}
	return conn, func(context.Context) error { return nil }, nil
}

func writeTestConfig(t *testing.T, content string) *catalog.Provider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	provider, err := catalog.NewProvider(context.Background(), path, nil)
	require.NoError(t, err)
	return provider
}

const bucketConfig = `
connectors:
  - id: s3
    name: S3
    cmd: ["fake-s3-connector"]
    readOnlyTools: ["list_buckets"]
    keywords: ["bucket", "object"]
    description: Object storage buckets
directRules:
  - pattern: "list (?:my )?buckets"
    connectorId: s3
    tool: list_buckets
`

func s3Conn() *fakeConn {
	return &fakeConn{
		tools: []domain.ToolDefinition{
			{ConnectorID: "s3", Name: "list_buckets", Description: "List buckets"},
		},
		invoke: func(name string, _ map[string]any) (json.RawMessage, error) {
			return json.RawMessage(`{"buckets":["logs","backups"]}`), nil
		},
	}
}

func newTestEngine(t *testing.T, provider *catalog.Provider, launcher *fakeLauncher) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), Options{
		Catalog:     provider,
		Credentials: credentials.NewStatic(nil),
		Launcher:    launcher,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Close(ctx)
	})
	return engine
}

func collect(t *testing.T, events <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-deadline:
			t.Fatalf("event stream did not terminate; got %d events", len(out))
		}
	}
}

func eventTypes(events []domain.Event) []domain.EventType {
	types := make([]domain.EventType, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func TestProcessRequestDirectTier(t *testing.T) {
	conn := s3Conn()
	engine := newTestEngine(t, writeTestConfig(t, bucketConfig), &fakeLauncher{conns: map[string]*fakeConn{"s3": conn}})

	events := collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "list buckets"}))

	require.Equal(t, []domain.EventType{
		domain.EventRoutingStarted,
		domain.EventToolStarted,
		domain.EventToolFinished,
		domain.EventPartialText,
		domain.EventFinalAnswer,
	}, eventTypes(events))

	for i, event := range events {
		require.Equal(t, uint64(i+1), event.Seq, "sequence numbers are monotonic")
		require.NotEmpty(t, event.RequestID)
	}

	final := events[len(events)-1]
	require.NotNil(t, final.Answer)
	require.Equal(t, []string{"s3"}, final.Answer.Sources)
	require.Equal(t, domain.TierDirect, final.Answer.Tier)
	require.Contains(t, final.Answer.Text, "logs")
	require.Empty(t, final.Answer.FailedSources)
	require.Equal(t, 1, conn.invokeCount(), "direct tier never calls a model and invokes once")
}

func TestProcessRequestUnknownConnectorFails(t *testing.T) {
	engine := newTestEngine(t, writeTestConfig(t, bucketConfig), &fakeLauncher{conns: map[string]*fakeConn{"s3": s3Conn()}})

	events := collect(t, engine.ProcessRequest(context.Background(), domain.Request{
		Message:    "list buckets",
		Connectors: []string{"gdrive"},
	}))

	require.Len(t, events, 1)
	require.Equal(t, domain.EventFailed, events[0].Type)
	require.Equal(t, domain.KindConfiguration, events[0].Err.Kind)
}

func TestProcessRequestServesRepeatFromResultCache(t *testing.T) {
	conn := s3Conn()
	engine := newTestEngine(t, writeTestConfig(t, bucketConfig), &fakeLauncher{conns: map[string]*fakeConn{"s3": conn}})

	first := collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "list buckets"}))
	second := collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "list buckets"}))

	require.Equal(t, domain.EventFinalAnswer, first[len(first)-1].Type)
	require.Equal(t, domain.EventFinalAnswer, second[len(second)-1].Type)
	require.Equal(t, 1, conn.invokeCount(), "read-only repeat within the TTL hits the result cache")
}

func TestProcessRequestBusinessErrorKeepsCircuitClosed(t *testing.T) {
	conn := &fakeConn{
		tools: []domain.ToolDefinition{
			{ConnectorID: "s3", Name: "list_buckets", Description: "List buckets"},
		},
		invoke: func(name string, _ map[string]any) (json.RawMessage, error) {
			return json.RawMessage(`{"error":"AccessDenied"}`), fmt.Errorf("tool %s: access denied", name)
		},
	}
	config := bucketConfig + "breakerThreshold: 1\n"
	engine := newTestEngine(t, writeTestConfig(t, config), &fakeLauncher{conns: map[string]*fakeConn{"s3": conn}})

	first := collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "list buckets"}))
	require.Equal(t, domain.EventFailed, first[len(first)-1].Type)

	// The connector answered; a tool-reported failure is not a channel
	// fault and must not trip the circuit even at threshold one.
	require.Equal(t, domain.CircuitClosed, engine.HealthSnapshot().Circuits["s3"])

	second := collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "list buckets"}))
	require.Equal(t, domain.EventFailed, second[len(second)-1].Type)
	require.Equal(t, 2, conn.invokeCount(), "later calls still reach the connector")
}

func TestProcessRequestAmbiguousWithoutModels(t *testing.T) {
	engine := newTestEngine(t, writeTestConfig(t, bucketConfig), &fakeLauncher{conns: map[string]*fakeConn{"s3": s3Conn()}})

	events := collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "what changed since yesterday"}))

	final := events[len(events)-1]
	require.Equal(t, domain.EventFailed, final.Type)
	require.Equal(t, domain.KindRoutingAmbiguous, final.Err.Kind)
}

const multiSourceConfig = `
connectors:
  - id: s3
    name: S3
    cmd: ["fake-s3-connector"]
    readOnlyTools: ["list_buckets"]
    keywords: ["bucket", "object"]
    description: Object storage buckets
  - id: jira
    name: Jira
    cmd: ["fake-jira-connector"]
    readOnlyTools: ["search_issues"]
    keywords: ["ticket", "issue"]
    description: Issue tracker
directRules:
  - pattern: "bucket"
    connectorId: s3
    tool: list_buckets
  - pattern: "ticket"
    connectorId: jira
    tool: search_issues
`

func TestProcessRequestMultiSourcePartialFailure(t *testing.T) {
	s3 := s3Conn()
	jira := &fakeConn{
		tools: []domain.ToolDefinition{
			{ConnectorID: "jira", Name: "search_issues", Description: "Search issues"},
		},
		invoke: func(string, map[string]any) (json.RawMessage, error) {
			return nil, fmt.Errorf("write request: %w", domain.ErrConnectionClosed)
		},
	}
	engine := newTestEngine(t, writeTestConfig(t, multiSourceConfig),
		&fakeLauncher{conns: map[string]*fakeConn{"s3": s3, "jira": jira}})

	events := collect(t, engine.ProcessRequest(context.Background(), domain.Request{
		Message: "every bucket and every ticket",
	}))

	final := events[len(events)-1]
	require.Equal(t, domain.EventFinalAnswer, final.Type)
	require.Equal(t, []string{"s3"}, final.Answer.Sources)
	require.Len(t, final.Answer.FailedSources, 1)
	require.Equal(t, "jira", final.Answer.FailedSources[0].ConnectorID)
	require.NotContains(t, final.Answer.FailedSources[0].Reason, "write request", "internals never surface")
}

func TestProcessRequestMultiSourceAllFail(t *testing.T) {
	broken := func(id string) *fakeConn {
		return &fakeConn{
			tools: []domain.ToolDefinition{{ConnectorID: id, Name: "search_issues"}},
			invoke: func(string, map[string]any) (json.RawMessage, error) {
				return nil, fmt.Errorf("write request: %w", domain.ErrConnectionClosed)
			},
		}
	}
	s3 := broken("s3")
	s3.tools = []domain.ToolDefinition{{ConnectorID: "s3", Name: "list_buckets"}}
	engine := newTestEngine(t, writeTestConfig(t, multiSourceConfig),
		&fakeLauncher{conns: map[string]*fakeConn{"s3": s3, "jira": broken("jira")}})

	events := collect(t, engine.ProcessRequest(context.Background(), domain.Request{
		Message: "every bucket and every ticket",
	}))

	final := events[len(events)-1]
	require.Equal(t, domain.EventFailed, final.Type)
}

func TestHealthSnapshotReportsState(t *testing.T) {
	engine := newTestEngine(t, writeTestConfig(t, bucketConfig), &fakeLauncher{conns: map[string]*fakeConn{"s3": s3Conn()}})

	collect(t, engine.ProcessRequest(context.Background(), domain.Request{Message: "list buckets"}))

	snapshot := engine.HealthSnapshot()
	require.Equal(t, 1, snapshot.ActiveSessions)
	require.Equal(t, map[string]int{"s3": 1}, snapshot.SessionsByConnector)
	require.Contains(t, snapshot.CacheHitRates, "tools")
	require.Contains(t, snapshot.CacheHitRates, "results")
	require.False(t, snapshot.TakenAt.IsZero())
}

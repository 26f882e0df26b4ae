package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

type fakeMCPConn struct {
	readCh  chan jsonrpc.Message
	writeCh chan jsonrpc.Message
	closed  chan struct{}
}

func newFakeMCPConn() *fakeMCPConn {
	return &fakeMCPConn{
		readCh:  make(chan jsonrpc.Message, 4),
		writeCh: make(chan jsonrpc.Message, 4),
		closed:  make(chan struct{}),
	}
}

func (f *fakeMCPConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-f.readCh:
		return msg, nil
	case <-f.closed:
		return nil, mcp.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeMCPConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case f.writeCh <- msg:
		return nil
	case <-f.closed:
		return mcp.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeMCPConn) Close() error {
	select {
	case <-f.closed:
		return nil
	default:
		close(f.closed)
		return nil
	}
}

func (f *fakeMCPConn) SessionID() string { return "" }

// respondOnce answers the next request on the fake connection using fn.
func respondOnce(t *testing.T, fake *fakeMCPConn, fn func(req *jsonrpc.Request) jsonrpc.Message) {
	t.Helper()
	go func() {
		select {
		case msg := <-fake.writeCh:
			req, ok := msg.(*jsonrpc.Request)
			if !ok {
				return
			}
			if reply := fn(req); reply != nil {
				fake.readCh <- reply
			}
		case <-time.After(2 * time.Second):
		}
	}()
}

func mustResult(t *testing.T, id jsonrpc.ID, result any) *jsonrpc.Response {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return &jsonrpc.Response{ID: id, Result: raw}
}

func TestListToolsMapsAnnotations(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	respondOnce(t, fake, func(req *jsonrpc.Request) jsonrpc.Message {
		require.Equal(t, "tools/list", req.Method)
		return mustResult(t, req.ID, map[string]any{
			"tools": []map[string]any{
				{
					"name":        "search_issues",
					"description": "Search issues",
					"inputSchema": map[string]any{"type": "object"},
					"annotations": map[string]any{"readOnlyHint": true},
				},
				{
					"name": "create_issue",
				},
				{
					// Nameless entries are skipped.
					"description": "broken",
				},
			},
		})
	})

	tools, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	require.Equal(t, "search_issues", tools[0].Name)
	require.Equal(t, "jira", tools[0].ConnectorID)
	require.True(t, tools[0].ReadOnly)
	require.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))

	require.Equal(t, "create_issue", tools[1].Name)
	require.False(t, tools[1].ReadOnly)
}

func TestInvokeToolSuccess(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	respondOnce(t, fake, func(req *jsonrpc.Request) jsonrpc.Message {
		require.Equal(t, "tools/call", req.Method)

		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		require.Equal(t, "search_issues", params.Name)
		require.Equal(t, "open", params.Arguments["status"])

		return mustResult(t, req.ID, map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "3 issues found"},
			},
		})
	})

	payload, err := conn.InvokeTool(context.Background(), "search_issues", map[string]any{"status": "open"})
	require.NoError(t, err)
	require.Contains(t, string(payload), "3 issues found")
}

func TestInvokeToolReportedError(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	respondOnce(t, fake, func(req *jsonrpc.Request) jsonrpc.Message {
		return mustResult(t, req.ID, map[string]any{
			"isError": true,
			"content": []map[string]any{
				{"type": "text", "text": "project not found"},
			},
		})
	})

	payload, err := conn.InvokeTool(context.Background(), "search_issues", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "project not found")
	require.NotEmpty(t, payload)
}

func TestInvokeToolRPCError(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	respondOnce(t, fake, func(req *jsonrpc.Request) jsonrpc.Message {
		return &jsonrpc.Response{ID: req.ID, Error: errors.New("internal failure")}
	})

	_, err := conn.InvokeTool(context.Background(), "search_issues", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "internal failure")
}

func TestCallDropsStaleResponse(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	staleID, err := jsonrpc.MakeID("toolgate-old-0")
	require.NoError(t, err)
	fake.readCh <- mustResult(t, staleID, map[string]any{"tools": []any{}})

	respondOnce(t, fake, func(req *jsonrpc.Request) jsonrpc.Message {
		return mustResult(t, req.ID, map[string]any{
			"tools": []map[string]any{{"name": "ping"}},
		})
	})

	tools, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "ping", tools[0].Name)
}

func TestClosedConnRejectsCalls(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	require.NoError(t, conn.Close())

	_, err := conn.ListTools(context.Background())
	require.ErrorIs(t, err, domain.ErrConnectionClosed)

	_, err = conn.InvokeTool(context.Background(), "ping", nil)
	require.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestCallTimesOutWithContext(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.ListTools(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueuedCallHonorsCancellation(t *testing.T) {
	fake := newFakeMCPConn()
	conn := newSerializedConn(fake, "jira", zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	// First call writes its request and then blocks reading a response
	// that never arrives, holding the in-flight slot.
	firstDone := make(chan struct{})
	firstCtx, stopFirst := context.WithCancel(context.Background())
	defer stopFirst()
	go func() {
		defer close(firstDone)
		_, _ = conn.ListTools(firstCtx)
	}()
	select {
	case <-fake.writeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first call never reached the wire")
	}

	// A second caller queued behind it must not wait out the in-flight
	// call; its own deadline applies while queued.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := conn.InvokeTool(ctx, "search_issues", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), time.Second)

	stopFirst()
	<-firstDone
}

func TestBuildEnvScopesCredentials(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_FROM_PARENT", "leaky")

	env := buildEnv(
		map[string]string{"CONNECTOR_MODE": "stdio"},
		map[string]string{"API_TOKEN": "tok-123"},
	)

	require.Contains(t, env, "PATH=/usr/bin")
	require.Contains(t, env, "CONNECTOR_MODE=stdio")
	require.Contains(t, env, "API_TOKEN=tok-123")
	for _, entry := range env {
		require.NotContains(t, entry, "SECRET_FROM_PARENT")
	}
}

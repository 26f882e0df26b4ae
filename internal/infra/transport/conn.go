package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

const protocolVersion = "2025-06-18"

// serializedConn is a domain.Conn over one connector process. The
// channel carries exactly one request at a time; concurrent callers
// queue on sem and stale responses from abandoned calls are dropped by
// request id.
type serializedConn struct {
	conn        mcp.Connection
	connectorID string
	logger      *zap.Logger
	seq         atomic.Uint64

	// sem holds the single in-flight slot. A channel rather than a
	// mutex so queued callers can bail on cancellation or close.
	sem       chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newSerializedConn(conn mcp.Connection, connectorID string, logger *zap.Logger) *serializedConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &serializedConn{
		conn:        conn,
		connectorID: connectorID,
		logger:      logger,
		sem:         make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (c *serializedConn) acquireTurn(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return domain.ErrConnectionClosed
	}
}

func (c *serializedConn) releaseTurn() {
	<-c.sem
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations *struct {
		ReadOnlyHint bool `json:"readOnlyHint,omitempty"`
	} `json:"annotations,omitempty"`
}

func (c *serializedConn) ListTools(ctx context.Context) ([]domain.ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []wireTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	defs := make([]domain.ToolDefinition, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if tool.Name == "" {
			continue
		}
		defs = append(defs, domain.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			ConnectorID: c.connectorID,
			ReadOnly:    tool.Annotations != nil && tool.Annotations.ReadOnlyHint,
		})
	}
	return defs, nil
}

func (c *serializedConn) InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if name == "" {
		return nil, errors.New("tool name is required")
	}
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}

	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		IsError bool `json:"isError,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	if result.IsError {
		reason := "tool reported an error"
		for _, item := range result.Content {
			if item.Type == "text" && item.Text != "" {
				reason = item.Text
				break
			}
		}
		return raw, fmt.Errorf("tool %s: %s", name, reason)
	}
	return raw, nil
}

func (c *serializedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// handshake performs the MCP initialize exchange. Must run before any
// other call on the connection.
func (c *serializedConn) handshake(ctx context.Context) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "toolgate",
			Version: "0.1.0",
		},
		Capabilities: &mcp.ClientCapabilities{},
	}

	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if result.ProtocolVersion == "" {
		return errors.New("initialize response missing protocolVersion")
	}

	if err := c.acquireTurn(ctx); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	defer c.releaseTurn()
	initialized := &jsonrpc.Request{Method: "notifications/initialized"}
	if err := c.conn.Write(ctx, initialized); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return nil
}

func (c *serializedConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}

	id, err := jsonrpc.MakeID(fmt.Sprintf("toolgate-%s-%d", method, c.seq.Add(1)))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}

	if err := c.acquireTurn(ctx); err != nil {
		return nil, err
	}
	defer c.releaseTurn()
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}

	if err := c.conn.Write(ctx, req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			if !sameID(typed.ID, id) {
				// Response for a call whose caller already gave up.
				c.logger.Debug("drop stale response", zap.String("connector", c.connectorID))
				continue
			}
			if typed.Error != nil {
				return nil, fmt.Errorf("rpc error: %w", typed.Error)
			}
			if len(typed.Result) == 0 {
				return nil, errors.New("response missing result")
			}
			return typed.Result, nil
		case *jsonrpc.Request:
			c.handleServerMessage(ctx, typed)
		}
	}
}

// handleServerMessage rejects server-initiated calls and drops
// notifications. Connectors drive no client-side behavior here.
func (c *serializedConn) handleServerMessage(ctx context.Context, req *jsonrpc.Request) {
	if !req.ID.IsValid() {
		c.logger.Debug("drop server notification",
			zap.String("connector", c.connectorID),
			zap.String("method", req.Method),
		)
		return
	}
	resp := newMethodNotFoundResponse(req.ID)
	if err := c.conn.Write(ctx, resp); err != nil {
		c.logger.Warn("respond to server call failed",
			zap.String("connector", c.connectorID),
			zap.String("method", req.Method),
			zap.Error(err),
		)
	}
}

func (c *serializedConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func sameID(a, b jsonrpc.ID) bool {
	if !a.IsValid() || !b.IsValid() {
		return false
	}
	return fmt.Sprint(a.Raw()) == fmt.Sprint(b.Raw())
}

func newMethodNotFoundResponse(id jsonrpc.ID) *jsonrpc.Response {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error": map[string]any{
			"code":    -32601,
			"message": "method not found",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	return resp
}

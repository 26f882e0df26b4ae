package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"toolgate/internal/domain"
	"toolgate/internal/infra/breaker"
	"toolgate/internal/infra/cache"
	"toolgate/internal/infra/retry"
	"toolgate/internal/infra/telemetry"
)

// maxConcurrentCalls bounds fan-out for one decision.
const maxConcurrentCalls = 8

// CallInvoker runs one validated tool call on a live session.
// Satisfied by the session-layer glue in the app package.
type CallInvoker interface {
	Invoke(ctx context.Context, call domain.ToolCall) (json.RawMessage, time.Duration, error)
}

// ToolSource resolves tool metadata for validation and cache policy.
type ToolSource interface {
	Tool(ctx context.Context, connectorID, name string) (domain.ToolDefinition, bool, error)
}

// Observer receives per-call notifications. The app bridges these to
// request events.
type Observer interface {
	ToolStarted(call domain.ToolCall)
	ToolFinished(result domain.ToolResult)
}

type nopObserver struct{}

func (nopObserver) ToolStarted(domain.ToolCall)    {}
func (nopObserver) ToolFinished(domain.ToolResult) {}

// Coordinator executes routing decisions: breaker gate, result cache,
// argument validation, invocation, and bookkeeping, per call.
type Coordinator struct {
	invoker  CallInvoker
	tools    ToolSource
	breaker  *breaker.Registry
	results  *cache.ResultCache
	schemas  *cache.SchemaCache
	retries  *retry.Policy
	observer Observer
	logger   *zap.Logger
}

type Options struct {
	Invoker  CallInvoker
	Tools    ToolSource
	Breaker  *breaker.Registry
	Results  *cache.ResultCache
	Schemas  *cache.SchemaCache
	Observer Observer
	Logger   *zap.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Coordinator{
		invoker: opts.Invoker,
		tools:   opts.Tools,
		breaker: opts.Breaker,
		results: opts.Results,
		schemas: opts.Schemas,
		// Timed-out calls get one more attempt, and only for read-only
		// tools; see invoke.
		retries: retry.NewPolicy(retry.Options{
			MaxAttempts:     2,
			InitialInterval: 50 * time.Millisecond,
		}),
		observer: observer,
		logger:   logger,
	}
}

// Execute runs every call in the decision. Independent calls fan out
// concurrently; results come back in input order. Sequential decisions
// run in order and skip the remainder after the first failure, since
// later calls depend on earlier results.
func (c *Coordinator) Execute(ctx context.Context, decision *domain.RoutingDecision) []domain.ToolResult {
	if decision == nil || len(decision.Calls) == 0 {
		return nil
	}

	results := make([]domain.ToolResult, len(decision.Calls))

	if decision.Sequential {
		failed := false
		for i, call := range decision.Calls {
			if failed {
				results[i] = skippedResult(call)
				continue
			}
			results[i] = c.ExecuteOne(ctx, call)
			if !results[i].Success {
				failed = true
			}
		}
		return results
	}

	g := &errgroup.Group{}
	g.SetLimit(maxConcurrentCalls)
	for i, call := range decision.Calls {
		g.Go(func() error {
			results[i] = c.ExecuteOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// InvokeOne is ExecuteOne under the name the routing full tier asks
// for, so agentic calls go through the same breaker and cache policy.
func (c *Coordinator) InvokeOne(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	return c.ExecuteOne(ctx, call)
}

// ExecuteOne runs a single call end to end.
func (c *Coordinator) ExecuteOne(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	c.observer.ToolStarted(call)
	result := c.executeOne(ctx, call)
	c.observer.ToolFinished(result)
	return result
}

func (c *Coordinator) executeOne(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	tool, found, err := c.tools.Tool(ctx, call.ConnectorID, call.Tool)
	if err != nil {
		return failedResult(call, domain.Wrap(domain.KindFrom(err), "executor.Execute", err))
	}
	if !found {
		return failedResult(call, domain.E(domain.KindConfiguration, "executor.Execute",
			fmt.Sprintf("connector %s has no tool %s", call.ConnectorID, call.Tool), domain.ErrToolNotFound))
	}

	// Cached results serve even while the circuit is open; they cost
	// the datasource nothing.
	var cacheKey string
	if tool.ReadOnly && c.results != nil {
		key, err := c.results.Key(call)
		if err == nil {
			cacheKey = key
			if payload, ok := c.results.Get(key); ok {
				return domain.ToolResult{
					Call:      call,
					Success:   true,
					Payload:   payload,
					FromCache: true,
				}
			}
		}
	}

	admitted := false
	if c.breaker != nil {
		if err := c.breaker.Allow(call.ConnectorID); err != nil {
			return failedResult(call, err)
		}
		admitted = true
	}

	if err := c.validateArguments(ctx, tool, call.Arguments); err != nil {
		// Invalid arguments never reach the datasource, so they do not
		// count against its circuit; hand back any reserved probe slot.
		if admitted {
			c.breaker.Release(call.ConnectorID)
		}
		return failedResult(call, err)
	}

	payload, latency, err := c.invoke(ctx, tool, call)
	if err != nil {
		kind := domain.KindFrom(err)
		if admitted {
			// Only channel-level failures count against the circuit.
			// Anything else still has to free the probe slot or a
			// half-open circuit stays wedged.
			if kind == domain.KindTransport || kind == domain.KindTimeout {
				c.breaker.RecordFailure(call.ConnectorID)
			} else {
				c.breaker.Release(call.ConnectorID)
			}
		}
		c.logger.Warn("tool call failed",
			telemetry.EventField(telemetry.EventInvokeError),
			telemetry.ConnectorField(call.ConnectorID),
			telemetry.ToolField(call.Tool),
			telemetry.DurationField(latency),
			zap.Error(err),
		)
		result := failedResult(call, err)
		result.Latency = latency
		result.Payload = payload
		return result
	}

	if admitted {
		c.breaker.RecordSuccess(call.ConnectorID)
	}
	if cacheKey != "" {
		c.results.Set(cacheKey, payload)
	}
	return domain.ToolResult{
		Call:    call,
		Success: true,
		Payload: payload,
		Latency: latency,
	}
}

// invoke runs the call on the session layer. Read-only calls re-fire
// once after a timeout; anything with side effects runs exactly once.
func (c *Coordinator) invoke(ctx context.Context, tool domain.ToolDefinition, call domain.ToolCall) (json.RawMessage, time.Duration, error) {
	if !tool.ReadOnly {
		return c.invoker.Invoke(ctx, call)
	}

	var payload json.RawMessage
	var latency time.Duration
	err := c.retries.Do(ctx, func(ctx context.Context) error {
		var invokeErr error
		payload, latency, invokeErr = c.invoker.Invoke(ctx, call)
		return invokeErr
	})
	return payload, latency, err
}

func (c *Coordinator) validateArguments(ctx context.Context, tool domain.ToolDefinition, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	var resolved *jsonschema.Resolved
	if c.schemas != nil {
		if cached, ok := c.schemas.Get(tool.ConnectorID, tool.Name); ok {
			resolved = cached
		}
	}
	if resolved == nil {
		var schema jsonschema.Schema
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			// A connector shipping a broken schema should not make its
			// tools uncallable.
			c.logger.Debug("skipping unparsable input schema",
				telemetry.ConnectorField(tool.ConnectorID),
				telemetry.ToolField(tool.Name),
				zap.Error(err),
			)
			return nil
		}
		r, err := schema.Resolve(nil)
		if err != nil {
			c.logger.Debug("skipping unresolvable input schema",
				telemetry.ConnectorField(tool.ConnectorID),
				telemetry.ToolField(tool.Name),
				zap.Error(err),
			)
			return nil
		}
		resolved = r
		if c.schemas != nil {
			c.schemas.Set(tool.ConnectorID, tool.Name, resolved)
		}
	}

	value := map[string]any{}
	if args != nil {
		value = args
	}
	if err := resolved.Validate(value); err != nil {
		return domain.E(domain.KindConfiguration, "executor.Execute",
			fmt.Sprintf("invalid arguments for %s/%s: %v", tool.ConnectorID, tool.Name, err), nil)
	}
	return nil
}

func failedResult(call domain.ToolCall, err error) domain.ToolResult {
	var domainErr *domain.Error
	if e, ok := err.(*domain.Error); ok {
		domainErr = e
	} else {
		domainErr = domain.Wrap(domain.KindFrom(err), "executor.Execute", err)
	}
	return domain.ToolResult{
		Call:    call,
		Success: false,
		Err:     domainErr,
	}
}

func skippedResult(call domain.ToolCall) domain.ToolResult {
	return domain.ToolResult{
		Call:    call,
		Success: false,
		Err: domain.E(domain.KindPartialResult, "executor.Execute",
			"skipped: an earlier dependent call failed", nil),
	}
}

package routing

import (
	"context"

	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

// ResolveRequest carries everything a resolver may consult: the user
// query, prior turns, and the tool inventory in scope for the request.
type ResolveRequest struct {
	Query   string
	History []domain.Message
	Tools   []domain.ToolDefinition
}

// Resolver maps a query to a routing decision. Returning (nil, nil)
// abstains and hands the query to the next tier.
type Resolver interface {
	Tier() domain.RoutingTier
	Resolve(ctx context.Context, req ResolveRequest) (*domain.RoutingDecision, error)
}

// Engine walks the resolver chain cheapest tier first. A resolver
// error is logged and treated as an abstention so a flaky tier never
// blocks the escalation path; only the final tier's error surfaces.
type Engine struct {
	resolvers []Resolver
	logger    *zap.Logger
	metrics   domain.Metrics
}

type EngineOptions struct {
	Resolvers []Resolver
	Logger    *zap.Logger
	Metrics   domain.Metrics
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Engine{
		resolvers: opts.Resolvers,
		logger:    logger,
		metrics:   metrics,
	}
}

func (e *Engine) Route(ctx context.Context, req ResolveRequest) (*domain.RoutingDecision, error) {
	var lastErr error
	for i, resolver := range e.resolvers {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindFrom(err), "routing.Route", err)
		}

		decision, err := resolver.Resolve(ctx, req)
		if err != nil {
			lastErr = err
			if i == len(e.resolvers)-1 {
				break
			}
			e.logger.Warn("resolver failed, escalating",
				telemetry.EventField(telemetry.EventRoutingError),
				telemetry.TierField(string(resolver.Tier())),
				zap.Error(err),
			)
			continue
		}
		if decision == nil {
			continue
		}

		decision.Tier = resolver.Tier()
		e.metrics.ObserveRoutingDecision(string(decision.Tier))
		e.logger.Debug("routing decision",
			telemetry.TierField(string(decision.Tier)),
			zap.Int("calls", len(decision.Calls)),
			zap.Float64("confidence", decision.Confidence),
		)
		return decision, nil
	}

	if lastErr != nil {
		return nil, domain.Wrap(domain.KindFrom(lastErr), "routing.Route", lastErr)
	}
	return nil, domain.E(domain.KindRoutingAmbiguous, "routing.Route",
		"no tier produced a decision for the query", nil)
}

// knownTools indexes the inventory by connector and tool name.
func knownTools(tools []domain.ToolDefinition) map[string]map[string]domain.ToolDefinition {
	index := make(map[string]map[string]domain.ToolDefinition)
	for _, tool := range tools {
		byName, ok := index[tool.ConnectorID]
		if !ok {
			byName = make(map[string]domain.ToolDefinition)
			index[tool.ConnectorID] = byName
		}
		byName[tool.Name] = tool
	}
	return index
}

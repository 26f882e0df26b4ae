package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/domain"
	"toolgate/internal/infra/executor"
	"toolgate/internal/infra/planner"
	"toolgate/internal/infra/routing"
)

const eventBuffer = 32

// requestScope adapts the engine to the execution coordinator for one
// request: it resolves tools and runs calls under the request's
// tenant.
type requestScope struct {
	engine *Engine
	tenant string
}

func (s *requestScope) Invoke(ctx context.Context, call domain.ToolCall) (json.RawMessage, time.Duration, error) {
	desc, creds, err := s.engine.connectorAccess(ctx, s.tenant, call.ConnectorID)
	if err != nil {
		return nil, 0, err
	}
	session, err := s.engine.sessions.Acquire(ctx, desc, creds)
	if err != nil {
		return nil, 0, err
	}
	defer s.engine.sessions.Release(session)
	return s.engine.sessions.Invoke(ctx, session, call.Tool, call.Arguments)
}

func (s *requestScope) Tool(ctx context.Context, connectorID, name string) (domain.ToolDefinition, bool, error) {
	tools, err := s.engine.inventory(ctx, s.tenant, connectorID)
	if err != nil {
		return domain.ToolDefinition{}, false, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			return tool, true, nil
		}
	}
	return domain.ToolDefinition{}, false, nil
}

// ProcessRequest runs one request asynchronously and returns its event
// stream. The stream carries monotonically numbered events and always
// ends with exactly one final_answer or failed event.
func (e *Engine) ProcessRequest(ctx context.Context, req domain.Request) <-chan domain.Event {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	em := newEmitter(ctx, req.ID, eventBuffer)

	go func() {
		answer, err := e.process(ctx, req, em)
		if err != nil {
			em.failed(err)
			return
		}
		em.finalAnswer(answer)
	}()

	return em.events()
}

func (e *Engine) process(ctx context.Context, req domain.Request, em *emitter) (*domain.Answer, error) {
	scope, err := e.requestedConnectors(req)
	if err != nil {
		return nil, err
	}

	em.routingStarted()

	if len(scope) == 1 {
		result, err := e.runSource(ctx, req, em, scope[0].ID)
		if err != nil {
			return nil, err
		}
		return &domain.Answer{
			Text:    result.Text,
			Sources: []string{result.ConnectorID},
			Results: result.Results,
			Tier:    result.Tier,
		}, nil
	}

	plan := e.planner.Plan(ctx, req.Message, scope)
	if len(plan.Candidates) == 0 {
		return nil, domain.E(domain.KindRoutingAmbiguous, "engine.process",
			"no datasource looks relevant to the query; please rephrase or name one", nil)
	}

	outcomes := e.fanout.Run(ctx, plan, func(sourceCtx context.Context, connectorID string) (*planner.SourceResult, error) {
		return e.runSource(sourceCtx, req, em, connectorID)
	})
	return e.synth.Merge(outcomes)
}

// requestedConnectors resolves the request scope: the named connectors
// when given, otherwise every enabled one.
func (e *Engine) requestedConnectors(req domain.Request) ([]domain.ConnectorDescriptor, error) {
	connectors := e.catalog.Snapshot().Connectors

	if len(req.Connectors) > 0 {
		scope := make([]domain.ConnectorDescriptor, 0, len(req.Connectors))
		for _, id := range req.Connectors {
			desc, ok := connectors[id]
			if !ok {
				return nil, domain.E(domain.KindConfiguration, "engine.process",
					fmt.Sprintf("unknown connector %s", id), domain.ErrUnknownConnector)
			}
			if desc.Disabled {
				return nil, domain.E(domain.KindConfiguration, "engine.process",
					fmt.Sprintf("connector %s is disabled", id), nil)
			}
			scope = append(scope, desc)
		}
		return scope, nil
	}

	scope := make([]domain.ConnectorDescriptor, 0, len(connectors))
	for _, desc := range connectors {
		if !desc.Disabled {
			scope = append(scope, desc)
		}
	}
	if len(scope) == 0 {
		return nil, domain.E(domain.KindConfiguration, "engine.process", "no connectors configured", nil)
	}
	return scope, nil
}

// runSource executes the single-source pipeline: route the query over
// the connector's tools, run the decided calls, and render the answer
// text.
func (e *Engine) runSource(ctx context.Context, req domain.Request, em *emitter, connectorID string) (*planner.SourceResult, error) {
	tools, err := e.inventory(ctx, req.Tenant, connectorID)
	if err != nil {
		return nil, err
	}

	scope := &requestScope{engine: e, tenant: req.Tenant}
	coordinator := executor.NewCoordinator(executor.Options{
		Invoker:  scope,
		Tools:    scope,
		Breaker:  e.breaker,
		Results:  e.results,
		Schemas:  e.schemas,
		Observer: em,
		Logger:   e.logger,
	})

	router := routing.NewEngine(routing.EngineOptions{
		Resolvers: e.resolverChain(coordinator),
		Logger:    e.logger,
		Metrics:   e.metrics,
	})
	decision, err := router.Route(ctx, routing.ResolveRequest{
		Query:   req.Message,
		History: req.History,
		Tools:   tools,
	})
	if err != nil {
		return nil, err
	}

	results := decision.Results
	if len(results) == 0 && len(decision.Calls) > 0 {
		results = coordinator.Execute(ctx, decision)
	}

	text := decision.Answer
	if text == "" {
		text, err = e.synth.Summarize(ctx, req.Message, results)
		if err != nil {
			if failure := firstFailure(results); failure != nil {
				return nil, failure
			}
			return nil, err
		}
	}

	em.partialText(connectorID, text)
	return &planner.SourceResult{
		ConnectorID: connectorID,
		Text:        text,
		Results:     results,
		Tier:        decision.Tier,
	}, nil
}

// resolverChain builds the tier chain for one request. The full tier
// executes its own calls, so it gets the coordinator as its invoker.
func (e *Engine) resolverChain(coordinator *executor.Coordinator) []routing.Resolver {
	var resolvers []routing.Resolver
	if e.direct != nil {
		resolvers = append(resolvers, e.direct)
	}
	if e.fastModel != nil {
		resolvers = append(resolvers, routing.NewFastResolver(routing.FastResolverOptions{
			Model:     e.fastModel,
			ModelName: e.runtime.Models.Fast.Model,
			Metrics:   e.metrics,
			Logger:    e.logger,
		}))
	}
	if e.fullModel != nil {
		resolvers = append(resolvers, routing.NewFullResolver(routing.FullResolverOptions{
			Model:         e.fullModel,
			ModelName:     e.runtime.Models.Full.Model,
			Invoker:       coordinator,
			MaxIterations: e.runtime.MaxFullIterations,
			Metrics:       e.metrics,
			Logger:        e.logger,
		}))
	}
	return resolvers
}

func firstFailure(results []domain.ToolResult) error {
	for _, result := range results {
		if !result.Success && result.Err != nil {
			return result.Err
		}
	}
	return nil
}

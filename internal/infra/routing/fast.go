package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// FastResolver asks the cheap model for a one-shot call plan. It
// abstains when the model says the query needs multi-step reasoning,
// and errors on any hallucinated connector or tool so the engine
// escalates to the full tier.
type FastResolver struct {
	model     model.ToolCallingChatModel
	modelName string
	metrics   domain.Metrics
	logger    *zap.Logger
}

type FastResolverOptions struct {
	Model     model.ToolCallingChatModel
	ModelName string
	Metrics   domain.Metrics
	Logger    *zap.Logger
}

func NewFastResolver(opts FastResolverOptions) *FastResolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &FastResolver{
		model:     opts.Model,
		modelName: opts.ModelName,
		metrics:   metrics,
		logger:    logger,
	}
}

func (r *FastResolver) Tier() domain.RoutingTier { return domain.TierFast }

type fastPlan struct {
	Calls []struct {
		Connector string         `json:"connector"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments,omitempty"`
	} `json:"calls"`
	Confidence float64 `json:"confidence,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
	Escalate   bool    `json:"escalate,omitempty"`
}

func (r *FastResolver) Resolve(ctx context.Context, req ResolveRequest) (*domain.RoutingDecision, error) {
	if len(req.Tools) == 0 {
		return nil, nil
	}

	messages := []*schema.Message{
		schema.SystemMessage(fastSystemPrompt),
		schema.UserMessage(r.buildPrompt(req)),
	}

	response, err := generate(ctx, r.model, string(domain.TierFast), r.modelName, messages, r.metrics)
	if err != nil {
		return nil, err
	}

	var plan fastPlan
	if err := json.Unmarshal([]byte(stripFences(response.Content)), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if plan.Escalate || len(plan.Calls) == 0 {
		return nil, nil
	}

	index := knownTools(req.Tools)
	calls := make([]domain.ToolCall, 0, len(plan.Calls))
	for _, call := range plan.Calls {
		if _, ok := index[call.Connector][call.Tool]; !ok {
			return nil, fmt.Errorf("plan names unknown tool %s/%s", call.Connector, call.Tool)
		}
		calls = append(calls, domain.ToolCall{
			ConnectorID: call.Connector,
			Tool:        call.Tool,
			Arguments:   call.Arguments,
		})
	}

	return &domain.RoutingDecision{
		Calls:      calls,
		Tier:       domain.TierFast,
		Rationale:  plan.Rationale,
		Confidence: plan.Confidence,
	}, nil
}

func (r *FastResolver) buildPrompt(req ResolveRequest) string {
	var sb strings.Builder
	if len(req.History) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, turn := range req.History {
			sb.WriteString(fmt.Sprintf("%s: %s\n", turn.Role, turn.Content))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("User query: ")
	sb.WriteString(req.Query)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, tool := range req.Tools {
		sb.WriteString(fmt.Sprintf("- %s/%s: %s\n", tool.ConnectorID, tool.Name, tool.Description))
	}
	return sb.String()
}

const fastSystemPrompt = `You map a user query to tool calls against the listed tools. Respond with JSON only, no extra text:
{"calls":[{"connector":"<connector>","tool":"<tool>","arguments":{...}}],"confidence":0.0-1.0,"rationale":"<short>"}

Rules:
- Use only tools from the list, with their exact connector and tool names.
- If the query needs multi-step reasoning, results of one call feeding another, or none of the tools fit, respond {"escalate":true} instead.
- Fill arguments from the query; leave out arguments you cannot infer.`

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

// Invoker executes one tool call on behalf of the full tier. Wired to
// the executor so breaker checks, caching, and telemetry all apply to
// agentic calls too.
type Invoker interface {
	InvokeOne(ctx context.Context, call domain.ToolCall) domain.ToolResult
}

// FullResolver drives the capable model through an observe-act loop:
// each turn the model either requests one tool call or emits the final
// answer. The loop is bounded; hitting the bound fails the request
// rather than burning tokens forever.
type FullResolver struct {
	model         model.ToolCallingChatModel
	modelName     string
	invoker       Invoker
	maxIterations int
	metrics       domain.Metrics
	logger        *zap.Logger
}

type FullResolverOptions struct {
	Model         model.ToolCallingChatModel
	ModelName     string
	Invoker       Invoker
	MaxIterations int
	Metrics       domain.Metrics
	Logger        *zap.Logger
}

func NewFullResolver(opts FullResolverOptions) *FullResolver {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = domain.DefaultMaxFullIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &FullResolver{
		model:         opts.Model,
		modelName:     opts.ModelName,
		invoker:       opts.Invoker,
		maxIterations: maxIterations,
		metrics:       metrics,
		logger:        logger,
	}
}

func (r *FullResolver) Tier() domain.RoutingTier { return domain.TierFull }

type fullAction struct {
	Action    string         `json:"action"`
	Connector string         `json:"connector,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Answer    string         `json:"answer,omitempty"`
}

func (r *FullResolver) Resolve(ctx context.Context, req ResolveRequest) (*domain.RoutingDecision, error) {
	index := knownTools(req.Tools)

	messages := []*schema.Message{
		schema.SystemMessage(fullSystemPrompt),
		schema.UserMessage(r.buildPrompt(req)),
	}

	var calls []domain.ToolCall
	var results []domain.ToolResult

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindFrom(err), "routing.full", err)
		}

		response, err := generate(ctx, r.model, string(domain.TierFull), r.modelName, messages, r.metrics)
		if err != nil {
			return nil, err
		}

		var action fullAction
		if err := json.Unmarshal([]byte(stripFences(response.Content)), &action); err != nil {
			messages = append(messages, response,
				schema.UserMessage("Your reply was not valid JSON. Respond with exactly one JSON action object."))
			continue
		}

		switch action.Action {
		case "final":
			return &domain.RoutingDecision{
				Calls:      calls,
				Tier:       domain.TierFull,
				Answer:     action.Answer,
				Results:    results,
				Sequential: true,
			}, nil

		case "call":
			if _, ok := index[action.Connector][action.Tool]; !ok {
				messages = append(messages, response,
					schema.UserMessage(fmt.Sprintf("Unknown tool %s/%s. Use only tools from the list.", action.Connector, action.Tool)))
				continue
			}
			call := domain.ToolCall{
				ConnectorID: action.Connector,
				Tool:        action.Tool,
				Arguments:   action.Arguments,
			}
			result := r.invoker.InvokeOne(ctx, call)
			calls = append(calls, call)
			results = append(results, result)

			messages = append(messages, response,
				schema.UserMessage(r.formatObservation(result)))

		default:
			messages = append(messages, response,
				schema.UserMessage(`Unknown action. Use "call" or "final".`))
		}
	}

	return nil, domain.E(domain.KindRoutingAmbiguous, "routing.full",
		fmt.Sprintf("no final answer after %d iterations", r.maxIterations), nil)
}

func (r *FullResolver) buildPrompt(req ResolveRequest) string {
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
		if len(tool.InputSchema) > 0 {
			sb.WriteString(fmt.Sprintf("  input schema: %s\n", string(tool.InputSchema)))
		}
	}
	return sb.String()
}

func (r *FullResolver) formatObservation(result domain.ToolResult) string {
	if !result.Success {
		reason := "call failed"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		return fmt.Sprintf("Tool %s/%s failed: %s", result.Call.ConnectorID, result.Call.Tool, reason)
	}
	payload := string(result.Payload)
	const maxObservation = 16 * 1024
	if len(payload) > maxObservation {
		payload = payload[:maxObservation] + "... [truncated]"
	}
	return fmt.Sprintf("Tool %s/%s returned: %s", result.Call.ConnectorID, result.Call.Tool, payload)
}

const fullSystemPrompt = `You answer the user's query by calling tools, one at a time. Each turn, respond with exactly one JSON object and nothing else:
{"action":"call","connector":"<connector>","tool":"<tool>","arguments":{...}}
or, once you can answer:
{"action":"final","answer":"<answer for the user>"}

Rules:
- Use only tools from the list, with their exact connector and tool names.
- Inspect each tool result before deciding the next step.
- When a tool fails, either try a different approach or give a final answer explaining what you could not retrieve.
- Keep the final answer grounded in the tool results; do not invent data.`

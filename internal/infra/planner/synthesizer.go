package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// payloadBudget caps how much raw tool output goes into a synthesis
// prompt per result.
const payloadBudget = 8 * 1024

// Synthesizer turns tool results into user-facing answer text and
// merges per-source answers into one attributed response.
type Synthesizer struct {
	chat      model.ToolCallingChatModel
	modelName string
	metrics   domain.Metrics
	logger    *zap.Logger
}

func NewSynthesizer(chat model.ToolCallingChatModel, modelName string, metrics domain.Metrics, logger *zap.Logger) *Synthesizer {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{chat: chat, modelName: modelName, metrics: metrics, logger: logger}
}

const synthesisSystemPrompt = `You summarize tool outputs into a direct answer to the user's question.
Use only the data provided. Be concise. If the data does not answer the
question, say so plainly.`

// Summarize renders one source's tool results as answer text. Without
// a model, or when the model call fails, it falls back to a plain
// digest of the payloads.
func (s *Synthesizer) Summarize(ctx context.Context, query string, results []domain.ToolResult) (string, error) {
	successes := 0
	for _, result := range results {
		if result.Success {
			successes++
		}
	}
	if successes == 0 {
		return "", domain.E(domain.KindPartialResult, "planner.Summarize", "no tool call succeeded", nil)
	}

	if s.chat == nil {
		return digest(results), nil
	}

	var data strings.Builder
	for _, result := range results {
		if !result.Success {
			fmt.Fprintf(&data, "Tool %s/%s failed: %s\n", result.Call.ConnectorID, result.Call.Tool, domain.SafeMessage(result.Err))
			continue
		}
		payload := string(result.Payload)
		if len(payload) > payloadBudget {
			payload = payload[:payloadBudget] + "…(truncated)"
		}
		fmt.Fprintf(&data, "Tool %s/%s returned:\n%s\n", result.Call.ConnectorID, result.Call.Tool, payload)
	}

	started := time.Now()
	response, err := s.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(synthesisSystemPrompt),
		schema.UserMessage(fmt.Sprintf("Question: %s\n\n%s", query, data.String())),
	})
	tokens := 0
	if err == nil && response.ResponseMeta != nil && response.ResponseMeta.Usage != nil {
		tokens = response.ResponseMeta.Usage.TotalTokens
	}
	s.metrics.ObserveModelCall("synthesis", s.modelName, time.Since(started), tokens)
	if err != nil {
		s.logger.Debug("synthesis model call failed, using digest", zap.Error(err))
		return digest(results), nil
	}
	return strings.TrimSpace(response.Content), nil
}

// Merge combines per-source outcomes into one answer with source
// attribution. Failed sources become safe-to-show caveats; the merge
// fails outright only when zero sources succeeded.
func (s *Synthesizer) Merge(outcomes []SourceOutcome) (*domain.Answer, error) {
	answer := &domain.Answer{}
	var sections []string

	for _, outcome := range outcomes {
		if outcome.Err != nil || outcome.Result == nil {
			err := outcome.Err
			if err == nil {
				err = domain.E(domain.KindInternal, "planner.Merge", "source produced no result", nil)
			}
			answer.FailedSources = append(answer.FailedSources, domain.SourceError{
				ConnectorID: outcome.ConnectorID,
				Kind:        domain.KindFrom(err),
				Reason:      domain.SafeMessage(err),
			})
			continue
		}
		answer.Sources = append(answer.Sources, outcome.ConnectorID)
		answer.Results = append(answer.Results, outcome.Result.Results...)
		sections = append(sections, fmt.Sprintf("From %s:\n%s", outcome.ConnectorID, outcome.Result.Text))
	}

	if len(answer.Sources) == 0 {
		kind := domain.KindInternal
		if len(outcomes) == 1 {
			kind = domain.KindFrom(outcomes[0].Err)
		}
		return nil, domain.E(kind, "planner.Merge",
			fmt.Sprintf("all %d sources failed", len(outcomes)), nil)
	}

	answer.Text = strings.Join(sections, "\n\n")
	if len(answer.FailedSources) > 0 {
		var caveats []string
		for _, failed := range answer.FailedSources {
			caveats = append(caveats, fmt.Sprintf("%s: %s", failed.ConnectorID, failed.Reason))
		}
		answer.Text += "\n\nSome sources could not be reached: " + strings.Join(caveats, "; ")
	}
	return answer, nil
}

// digest is the model-free fallback rendering of tool payloads.
func digest(results []domain.ToolResult) string {
	var out strings.Builder
	for _, result := range results {
		if !result.Success {
			continue
		}
		payload := string(result.Payload)
		if len(payload) > payloadBudget {
			payload = payload[:payloadBudget] + "…(truncated)"
		}
		fmt.Fprintf(&out, "%s/%s: %s\n", result.Call.ConnectorID, result.Call.Tool, payload)
	}
	return strings.TrimSpace(out.String())
}

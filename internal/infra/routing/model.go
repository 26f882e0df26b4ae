package routing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"toolgate/internal/domain"
)

// NewChatModel creates the chat model for one endpoint configuration.
func NewChatModel(ctx context.Context, config domain.ModelConfig) (model.ToolCallingChatModel, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		envVar := strings.TrimSpace(config.APIKeyEnvVar)
		if envVar == "" {
			return nil, fmt.Errorf("API key is required: set apiKey or apiKeyEnvVar")
		}
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in env var %s", envVar)
		}
	}

	switch config.Provider {
	case "openai", "":
		cfg := &openai.ChatModelConfig{
			Model:  config.Model,
			APIKey: apiKey,
		}
		if config.BaseURL != "" {
			cfg.BaseURL = config.BaseURL
		}
		return openai.NewChatModel(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}

// generate runs the model and records latency and token usage.
func generate(ctx context.Context, chat model.ToolCallingChatModel, tier, modelName string, messages []*schema.Message, metrics domain.Metrics) (*schema.Message, error) {
	started := time.Now()
	response, err := chat.Generate(ctx, messages)
	duration := time.Since(started)

	tokens := 0
	if response != nil && response.ResponseMeta != nil && response.ResponseMeta.Usage != nil {
		tokens = response.ResponseMeta.Usage.TotalTokens
	}
	metrics.ObserveModelCall(tier, modelName, duration, tokens)

	if err != nil {
		return nil, fmt.Errorf("model generate: %w", err)
	}
	return response, nil
}

// stripFences removes a markdown code fence wrapper if the model added
// one around its JSON output.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

package domain

import "time"

// RuntimeConfig carries tunables for the orchestration engine.
type RuntimeConfig struct {
	IdleTimeoutSeconds     int                 `json:"idleTimeoutSeconds"`
	InvokeTimeoutSeconds   int                 `json:"invokeTimeoutSeconds"`
	ReaperIntervalSeconds  int                 `json:"reaperIntervalSeconds"`
	ToolCacheTTLSeconds    int                 `json:"toolCacheTTLSeconds"`
	ResultCacheTTLSeconds  int                 `json:"resultCacheTTLSeconds"`
	ResultCacheCapacity    int                 `json:"resultCacheCapacity"`
	SchemaCacheTTLSeconds  int                 `json:"schemaCacheTTLSeconds"`
	BreakerThreshold       int                 `json:"breakerThreshold"`
	BreakerCooldownSeconds int                 `json:"breakerCooldownSeconds"`
	MaxFullIterations      int                 `json:"maxFullIterations"`
	RelevanceThreshold     float64             `json:"relevanceThreshold"`
	SourceTimeoutSeconds   int                 `json:"sourceTimeoutSeconds"`
	Observability          ObservabilityConfig `json:"observability"`
	Models                 ModelsConfig        `json:"models"`
	DirectRules            []DirectRule        `json:"directRules"`
}

type ObservabilityConfig struct {
	ListenAddress string `json:"listenAddress"`
}

// ModelConfig configures one chat model endpoint.
type ModelConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	APIKey       string `json:"apiKey"`
	APIKeyEnvVar string `json:"apiKeyEnvVar"`
	BaseURL      string `json:"baseURL"`
}

// ModelsConfig holds the cheap and the capable model endpoints.
type ModelsConfig struct {
	Fast ModelConfig `json:"fast"`
	Full ModelConfig `json:"full"`
}

// DirectRule maps a message pattern straight to a tool call with zero
// inference cost.
type DirectRule struct {
	Pattern     string         `json:"pattern"`
	ConnectorID string         `json:"connectorId"`
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments,omitempty"`
}

// Catalog is the full startup configuration.
type Catalog struct {
	Connectors map[string]ConnectorDescriptor
	Runtime    RuntimeConfig
}

func (c RuntimeConfig) IdleTimeout() time.Duration {
	return secondsOr(c.IdleTimeoutSeconds, DefaultIdleTimeoutSeconds)
}

func (c RuntimeConfig) InvokeTimeout() time.Duration {
	return secondsOr(c.InvokeTimeoutSeconds, DefaultInvokeTimeoutSeconds)
}

func (c RuntimeConfig) ReaperInterval() time.Duration {
	return secondsOr(c.ReaperIntervalSeconds, DefaultReaperIntervalSeconds)
}

func (c RuntimeConfig) ToolCacheTTL() time.Duration {
	return secondsOr(c.ToolCacheTTLSeconds, DefaultToolCacheTTLSeconds)
}

func (c RuntimeConfig) ResultCacheTTL() time.Duration {
	return secondsOr(c.ResultCacheTTLSeconds, DefaultResultCacheTTLSeconds)
}

func (c RuntimeConfig) SchemaCacheTTL() time.Duration {
	return secondsOr(c.SchemaCacheTTLSeconds, DefaultSchemaCacheTTLSeconds)
}

func (c RuntimeConfig) BreakerCooldown() time.Duration {
	return secondsOr(c.BreakerCooldownSeconds, DefaultBreakerCooldownSeconds)
}

func (c RuntimeConfig) SourceTimeout() time.Duration {
	return secondsOr(c.SourceTimeoutSeconds, DefaultSourceTimeoutSeconds)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

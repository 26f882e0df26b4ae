package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// Loader reads and validates the connector catalog from a YAML file.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newCatalogViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setRuntimeDefaults(v)
	return v
}

func setRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("idleTimeoutSeconds", domain.DefaultIdleTimeoutSeconds)
	v.SetDefault("invokeTimeoutSeconds", domain.DefaultInvokeTimeoutSeconds)
	v.SetDefault("reaperIntervalSeconds", domain.DefaultReaperIntervalSeconds)
	v.SetDefault("toolCacheTTLSeconds", domain.DefaultToolCacheTTLSeconds)
	v.SetDefault("resultCacheTTLSeconds", domain.DefaultResultCacheTTLSeconds)
	v.SetDefault("resultCacheCapacity", domain.DefaultResultCacheCapacity)
	v.SetDefault("schemaCacheTTLSeconds", domain.DefaultSchemaCacheTTLSeconds)
	v.SetDefault("breakerThreshold", domain.DefaultBreakerThreshold)
	v.SetDefault("breakerCooldownSeconds", domain.DefaultBreakerCooldownSeconds)
	v.SetDefault("maxFullIterations", domain.DefaultMaxFullIterations)
	v.SetDefault("relevanceThreshold", domain.DefaultRelevanceThreshold)
	v.SetDefault("sourceTimeoutSeconds", domain.DefaultSourceTimeoutSeconds)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
}

type rawCatalog struct {
	Connectors       []rawConnector `mapstructure:"connectors"`
	rawRuntimeConfig `mapstructure:",squash"`
}

type rawConnector struct {
	ID             string            `mapstructure:"id"`
	Name           string            `mapstructure:"name"`
	Cmd            []string          `mapstructure:"cmd"`
	Env            map[string]string `mapstructure:"env"`
	Cwd            string            `mapstructure:"cwd"`
	RequiredFields []string          `mapstructure:"requiredFields"`
	ReadOnlyTools  []string          `mapstructure:"readOnlyTools"`
	Keywords       []string          `mapstructure:"keywords"`
	Description    string            `mapstructure:"description"`
	Disabled       bool              `mapstructure:"disabled"`
}

type rawRuntimeConfig struct {
	IdleTimeoutSeconds     int                    `mapstructure:"idleTimeoutSeconds"`
	InvokeTimeoutSeconds   int                    `mapstructure:"invokeTimeoutSeconds"`
	ReaperIntervalSeconds  int                    `mapstructure:"reaperIntervalSeconds"`
	ToolCacheTTLSeconds    int                    `mapstructure:"toolCacheTTLSeconds"`
	ResultCacheTTLSeconds  int                    `mapstructure:"resultCacheTTLSeconds"`
	ResultCacheCapacity    int                    `mapstructure:"resultCacheCapacity"`
	SchemaCacheTTLSeconds  int                    `mapstructure:"schemaCacheTTLSeconds"`
	BreakerThreshold       int                    `mapstructure:"breakerThreshold"`
	BreakerCooldownSeconds int                    `mapstructure:"breakerCooldownSeconds"`
	MaxFullIterations      int                    `mapstructure:"maxFullIterations"`
	RelevanceThreshold     float64                `mapstructure:"relevanceThreshold"`
	SourceTimeoutSeconds   int                    `mapstructure:"sourceTimeoutSeconds"`
	Observability          rawObservabilityConfig `mapstructure:"observability"`
	Models                 rawModelsConfig        `mapstructure:"models"`
	DirectRules            []rawDirectRule        `mapstructure:"directRules"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawModelsConfig struct {
	Fast rawModelConfig `mapstructure:"fast"`
	Full rawModelConfig `mapstructure:"full"`
}

type rawModelConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"apiKey"`
	APIKeyEnvVar string `mapstructure:"apiKeyEnvVar"`
	BaseURL      string `mapstructure:"baseURL"`
}

type rawDirectRule struct {
	Pattern     string         `mapstructure:"pattern"`
	ConnectorID string         `mapstructure:"connectorId"`
	Tool        string         `mapstructure:"tool"`
	Arguments   map[string]any `mapstructure:"arguments"`
}

// Load reads the catalog at path, expands ${ENV} references, applies
// defaults, and validates the result.
func (l *Loader) Load(ctx context.Context, path string) (domain.Catalog, error) {
	if path == "" {
		return domain.Catalog{}, errors.New("config path is required")
	}

	expanded, missing, err := expandConfigFile(path)
	if err != nil {
		return domain.Catalog{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	v := newCatalogViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawCatalog
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Catalog{}, err
	}

	runtime, validationErrors := normalizeRuntimeConfig(cfg.rawRuntimeConfig)

	connectors := make(map[string]domain.ConnectorDescriptor, len(cfg.Connectors))
	idSeen := make(map[string]struct{})
	for i, raw := range cfg.Connectors {
		desc := normalizeConnector(raw)
		if _, exists := idSeen[desc.ID]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("connectors[%d]: duplicate id %q", i, desc.ID))
		} else if desc.ID != "" {
			idSeen[desc.ID] = struct{}{}
		}
		if errs := validateConnector(desc, i); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		connectors[desc.ID] = desc
	}

	for i, rule := range runtime.DirectRules {
		if id := rule.ConnectorID; id != "" {
			if _, ok := connectors[id]; !ok {
				validationErrors = append(validationErrors, fmt.Sprintf("directRules[%d]: unknown connector %q", i, id))
			}
		}
	}

	if len(validationErrors) > 0 {
		return domain.Catalog{}, errors.New(strings.Join(validationErrors, "; "))
	}

	return domain.Catalog{
		Connectors: connectors,
		Runtime:    runtime,
	}, nil
}

func normalizeConnector(raw rawConnector) domain.ConnectorDescriptor {
	return domain.ConnectorDescriptor{
		ID:   strings.TrimSpace(raw.ID),
		Name: strings.TrimSpace(raw.Name),
		Launch: domain.LaunchSpec{
			Cmd: raw.Cmd,
			Env: raw.Env,
			Cwd: raw.Cwd,
		},
		RequiredFields: raw.RequiredFields,
		ReadOnlyTools:  raw.ReadOnlyTools,
		Keywords:       raw.Keywords,
		Description:    strings.TrimSpace(raw.Description),
		Disabled:       raw.Disabled,
	}
}

func validateConnector(desc domain.ConnectorDescriptor, index int) []string {
	var errs []string

	if desc.ID == "" {
		errs = append(errs, fmt.Sprintf("connectors[%d]: id is required", index))
	}
	if len(desc.Launch.Cmd) == 0 {
		errs = append(errs, fmt.Sprintf("connectors[%d]: cmd is required", index))
	} else if strings.TrimSpace(desc.Launch.Cmd[0]) == "" {
		errs = append(errs, fmt.Sprintf("connectors[%d]: cmd[0] must not be empty", index))
	}
	for i, field := range desc.RequiredFields {
		if strings.TrimSpace(field) == "" {
			errs = append(errs, fmt.Sprintf("connectors[%d]: requiredFields[%d] must not be empty", index, i))
		}
	}
	return errs
}

func normalizeRuntimeConfig(cfg rawRuntimeConfig) (domain.RuntimeConfig, []string) {
	var errs []string

	requirePositive := func(name string, value int) {
		if value <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be > 0", name))
		}
	}
	requirePositive("idleTimeoutSeconds", cfg.IdleTimeoutSeconds)
	requirePositive("invokeTimeoutSeconds", cfg.InvokeTimeoutSeconds)
	requirePositive("reaperIntervalSeconds", cfg.ReaperIntervalSeconds)
	requirePositive("toolCacheTTLSeconds", cfg.ToolCacheTTLSeconds)
	requirePositive("resultCacheTTLSeconds", cfg.ResultCacheTTLSeconds)
	requirePositive("resultCacheCapacity", cfg.ResultCacheCapacity)
	requirePositive("schemaCacheTTLSeconds", cfg.SchemaCacheTTLSeconds)
	requirePositive("breakerThreshold", cfg.BreakerThreshold)
	requirePositive("breakerCooldownSeconds", cfg.BreakerCooldownSeconds)
	requirePositive("maxFullIterations", cfg.MaxFullIterations)
	requirePositive("sourceTimeoutSeconds", cfg.SourceTimeoutSeconds)

	if cfg.RelevanceThreshold < 0 || cfg.RelevanceThreshold > 1 {
		errs = append(errs, "relevanceThreshold must be between 0 and 1")
	}

	listenAddress := strings.TrimSpace(cfg.Observability.ListenAddress)
	if listenAddress == "" {
		listenAddress = domain.DefaultObservabilityListenAddress
	}

	rules := make([]domain.DirectRule, 0, len(cfg.DirectRules))
	for i, raw := range cfg.DirectRules {
		rule := domain.DirectRule{
			Pattern:     raw.Pattern,
			ConnectorID: strings.TrimSpace(raw.ConnectorID),
			Tool:        strings.TrimSpace(raw.Tool),
			Arguments:   raw.Arguments,
		}
		if strings.TrimSpace(rule.Pattern) == "" {
			errs = append(errs, fmt.Sprintf("directRules[%d]: pattern is required", i))
		} else if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs = append(errs, fmt.Sprintf("directRules[%d]: invalid pattern: %v", i, err))
		}
		if rule.ConnectorID == "" {
			errs = append(errs, fmt.Sprintf("directRules[%d]: connectorId is required", i))
		}
		if rule.Tool == "" {
			errs = append(errs, fmt.Sprintf("directRules[%d]: tool is required", i))
		}
		rules = append(rules, rule)
	}

	return domain.RuntimeConfig{
		IdleTimeoutSeconds:     cfg.IdleTimeoutSeconds,
		InvokeTimeoutSeconds:   cfg.InvokeTimeoutSeconds,
		ReaperIntervalSeconds:  cfg.ReaperIntervalSeconds,
		ToolCacheTTLSeconds:    cfg.ToolCacheTTLSeconds,
		ResultCacheTTLSeconds:  cfg.ResultCacheTTLSeconds,
		ResultCacheCapacity:    cfg.ResultCacheCapacity,
		SchemaCacheTTLSeconds:  cfg.SchemaCacheTTLSeconds,
		BreakerThreshold:       cfg.BreakerThreshold,
		BreakerCooldownSeconds: cfg.BreakerCooldownSeconds,
		MaxFullIterations:      cfg.MaxFullIterations,
		RelevanceThreshold:     cfg.RelevanceThreshold,
		SourceTimeoutSeconds:   cfg.SourceTimeoutSeconds,
		Observability:          domain.ObservabilityConfig{ListenAddress: listenAddress},
		Models: domain.ModelsConfig{
			Fast: normalizeModelConfig(cfg.Models.Fast),
			Full: normalizeModelConfig(cfg.Models.Full),
		},
		DirectRules: rules,
	}, errs
}

func normalizeModelConfig(cfg rawModelConfig) domain.ModelConfig {
	return domain.ModelConfig{
		Provider:     strings.TrimSpace(cfg.Provider),
		Model:        strings.TrimSpace(cfg.Model),
		APIKey:       cfg.APIKey,
		APIKeyEnvVar: strings.TrimSpace(cfg.APIKeyEnvVar),
		BaseURL:      strings.TrimSpace(cfg.BaseURL),
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/breaker"
	"toolgate/internal/infra/cache"
	"toolgate/internal/infra/catalog"
	"toolgate/internal/infra/credentials"
	"toolgate/internal/infra/planner"
	"toolgate/internal/infra/routing"
	"toolgate/internal/infra/sessions"
	"toolgate/internal/infra/transport"
)

// Engine is the composition root of the orchestration core: it owns
// the session pool, the caches, the breaker registry, and the routing
// and planning machinery, and exposes ProcessRequest and
// HealthSnapshot to the outer transport layer.
type Engine struct {
	catalog     *catalog.Provider
	credentials credentials.Provider
	sessions    *sessions.Manager
	toolCache   *cache.ToolCache
	results     *cache.ResultCache
	schemas     *cache.SchemaCache
	breaker     *breaker.Registry
	planner     *planner.Planner
	fanout      *planner.Fanout
	synth       *planner.Synthesizer
	direct      *routing.DirectResolver
	fastModel   model.ToolCallingChatModel
	fullModel   model.ToolCallingChatModel
	runtime     domain.RuntimeConfig
	logger      *zap.Logger
	metrics     domain.Metrics
	cancel      context.CancelFunc
}

type Options struct {
	Catalog     *catalog.Provider
	Credentials credentials.Provider
	// Launcher overrides the stdio process launcher, for tests.
	Launcher sessions.Launcher
	Logger   *zap.Logger
	Metrics  domain.Metrics
}

func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog provider is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	runtime := opts.Catalog.Snapshot().Runtime

	launcher := opts.Launcher
	if launcher == nil {
		launcher = transport.NewLauncher(transport.LauncherOptions{Logger: logger})
	}

	sessionManager := sessions.NewManager(sessions.Options{
		Launcher:      launcher,
		Logger:        logger,
		Metrics:       metrics,
		IdleTimeout:   runtime.IdleTimeout(),
		InvokeTimeout: runtime.InvokeTimeout(),
	})
	sessionManager.StartIdleReaper(runtime.ReaperInterval())

	var fastModel, fullModel model.ToolCallingChatModel
	if runtime.Models.Fast.Model != "" {
		chat, err := routing.NewChatModel(ctx, runtime.Models.Fast)
		if err != nil {
			return nil, fmt.Errorf("fast model: %w", err)
		}
		fastModel = chat
	}
	if runtime.Models.Full.Model != "" {
		chat, err := routing.NewChatModel(ctx, runtime.Models.Full)
		if err != nil {
			return nil, fmt.Errorf("full model: %w", err)
		}
		fullModel = chat
	}

	var direct *routing.DirectResolver
	if len(runtime.DirectRules) > 0 {
		resolver, err := routing.NewDirectResolver(runtime.DirectRules)
		if err != nil {
			return nil, fmt.Errorf("direct rules: %w", err)
		}
		direct = resolver
	}

	engineCtx, cancel := context.WithCancel(ctx)
	engine := &Engine{
		catalog:     opts.Catalog,
		credentials: opts.Credentials,
		sessions:    sessionManager,
		toolCache:   cache.NewToolCache(runtime.ToolCacheTTL(), metrics),
		results:     cache.NewResultCache(runtime.ResultCacheTTL(), runtime.ResultCacheCapacity, metrics),
		schemas:     cache.NewSchemaCache(runtime.SchemaCacheTTL(), metrics),
		breaker: breaker.New(breaker.Options{
			Threshold: runtime.BreakerThreshold,
			Cooldown:  runtime.BreakerCooldown(),
			Logger:    logger,
			Metrics:   metrics,
		}),
		planner: planner.New(planner.Options{
			Model:     fastModel,
			ModelName: runtime.Models.Fast.Model,
			Threshold: runtime.RelevanceThreshold,
			Metrics:   metrics,
			Logger:    logger,
		}),
		fanout:    planner.NewFanout(runtime.SourceTimeout(), logger),
		synth:     planner.NewSynthesizer(fastModel, runtime.Models.Fast.Model, metrics, logger),
		direct:    direct,
		fastModel: fastModel,
		fullModel: fullModel,
		runtime:   runtime,
		logger:    logger.Named("engine"),
		metrics:   metrics,
		cancel:    cancel,
	}

	go engine.watchCatalog(engineCtx)
	return engine, nil
}

// watchCatalog applies hot reloads: removed or changed connectors lose
// their sessions and cached metadata so the next request sees the new
// descriptor.
func (e *Engine) watchCatalog(ctx context.Context) {
	updates := e.catalog.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			stale := make([]string, 0, len(update.Removed)+len(update.Changed))
			stale = append(stale, update.Removed...)
			stale = append(stale, update.Changed...)
			for _, connectorID := range stale {
				dropCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				e.sessions.DropConnector(dropCtx, connectorID)
				cancel()
				e.toolCache.Invalidate(connectorID)
			}
			if len(stale) > 0 {
				e.results.Purge()
				e.schemas.Purge()
			}
		}
	}
}

// HealthSnapshot reports breaker states, cache hit rates, and the live
// session count.
func (e *Engine) HealthSnapshot() domain.HealthSnapshot {
	sessions := e.sessions.Sessions()
	byConnector := make(map[string]int, len(sessions))
	for _, info := range sessions {
		byConnector[info.ConnectorID]++
	}
	return domain.HealthSnapshot{
		Circuits: e.breaker.Snapshot(),
		CacheHitRates: map[string]float64{
			cache.NameTools:   e.toolCache.HitRate(),
			cache.NameResults: e.results.HitRate(),
			cache.NameSchemas: e.schemas.HitRate(),
		},
		ActiveSessions:      len(sessions),
		SessionsByConnector: byConnector,
		TakenAt:             time.Now(),
	}
}

// Close drains and stops every session. In-flight calls get until ctx
// expires to finish.
func (e *Engine) Close(ctx context.Context) {
	e.cancel()
	e.sessions.StopAll(ctx)
}

// connectorAccess resolves the descriptor and scoped credentials for
// one connector. Connectors without required fields tolerate an
// unconfigured credential provider.
func (e *Engine) connectorAccess(ctx context.Context, tenant, connectorID string) (domain.ConnectorDescriptor, map[string]string, error) {
	desc, ok := e.catalog.Snapshot().Connectors[connectorID]
	if !ok {
		return domain.ConnectorDescriptor{}, nil, domain.E(domain.KindConfiguration, "engine.connectorAccess",
			fmt.Sprintf("unknown connector %s", connectorID), domain.ErrUnknownConnector)
	}

	creds, err := e.credentials.Credentials(ctx, tenant, connectorID)
	if err != nil {
		if len(desc.RequiredFields) == 0 && errors.Is(err, domain.ErrNotConfigured) {
			return desc, map[string]string{}, nil
		}
		return domain.ConnectorDescriptor{}, nil, err
	}
	return desc, creds, nil
}

// inventory returns the connector's tools, cache-aside over the tool
// cache. Descriptor-listed read-only tools are flagged on the way in.
func (e *Engine) inventory(ctx context.Context, tenant, connectorID string) ([]domain.ToolDefinition, error) {
	if tools, ok := e.toolCache.Get(connectorID); ok {
		return tools, nil
	}

	desc, creds, err := e.connectorAccess(ctx, tenant, connectorID)
	if err != nil {
		return nil, err
	}
	session, err := e.sessions.Acquire(ctx, desc, creds)
	if err != nil {
		return nil, err
	}
	tools, err := e.sessions.ListTools(ctx, session)
	e.sessions.Release(session)
	if err != nil {
		return nil, err
	}

	readOnly := make(map[string]struct{}, len(desc.ReadOnlyTools))
	for _, name := range desc.ReadOnlyTools {
		readOnly[name] = struct{}{}
	}
	for i := range tools {
		if _, ok := readOnly[tools[i].Name]; ok {
			tools[i].ReadOnly = true
		}
	}

	e.toolCache.Set(connectorID, tools)
	return tools, nil
}

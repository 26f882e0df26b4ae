package cache

import (
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"toolgate/internal/domain"
	"toolgate/internal/infra/hashutil"
)

// Cache names used in metrics labels and health snapshots.
const (
	NameTools   = "tools"
	NameResults = "results"
	NameSchemas = "schemas"
)

// ToolCache holds per-connector tool listings.
type ToolCache struct {
	store   *store
	metrics domain.Metrics
}

func NewToolCache(ttl time.Duration, metrics domain.Metrics) *ToolCache {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &ToolCache{
		store:   newStore(ttl, 0),
		metrics: metrics,
	}
}

func (c *ToolCache) Get(connectorID string) ([]domain.ToolDefinition, bool) {
	value, ok := c.store.Get(connectorID)
	if !ok {
		c.metrics.ObserveCacheMiss(NameTools)
		return nil, false
	}
	c.metrics.ObserveCacheHit(NameTools)

	cached := value.([]domain.ToolDefinition)
	out := make([]domain.ToolDefinition, len(cached))
	for i, tool := range cached {
		out[i] = domain.CloneToolDefinition(tool)
	}
	return out, true
}

func (c *ToolCache) Set(connectorID string, tools []domain.ToolDefinition) {
	stored := make([]domain.ToolDefinition, len(tools))
	for i, tool := range tools {
		stored[i] = domain.CloneToolDefinition(tool)
	}
	c.store.Set(connectorID, stored)
}

func (c *ToolCache) Invalidate(connectorID string) {
	c.store.Invalidate(connectorID)
}

func (c *ToolCache) Purge() {
	c.store.Purge()
}

func (c *ToolCache) HitRate() float64 {
	return c.store.HitRate()
}

// ResultCache holds payloads of recent read-only tool calls, keyed by
// connector, tool, and a canonical hash of the arguments. Callers are
// responsible for only caching calls marked read-only.
type ResultCache struct {
	store   *store
	metrics domain.Metrics
}

func NewResultCache(ttl time.Duration, capacity int, metrics domain.Metrics) *ResultCache {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &ResultCache{
		store:   newStore(ttl, capacity),
		metrics: metrics,
	}
}

// Key derives the cache key for a call. Argument maps hash to the same
// key regardless of iteration order.
func (c *ResultCache) Key(call domain.ToolCall) (string, error) {
	hash, err := hashutil.ArgsHash(call.Arguments)
	if err != nil {
		return "", err
	}
	return call.ConnectorID + "/" + call.Tool + "/" + hash, nil
}

func (c *ResultCache) Get(key string) (json.RawMessage, bool) {
	value, ok := c.store.Get(key)
	if !ok {
		c.metrics.ObserveCacheMiss(NameResults)
		return nil, false
	}
	c.metrics.ObserveCacheHit(NameResults)
	cached := value.(json.RawMessage)
	return append(json.RawMessage(nil), cached...), true
}

func (c *ResultCache) Set(key string, payload json.RawMessage) {
	c.store.Set(key, append(json.RawMessage(nil), payload...))
}

func (c *ResultCache) Purge() {
	c.store.Purge()
}

func (c *ResultCache) Len() int {
	return c.store.Len()
}

func (c *ResultCache) HitRate() float64 {
	return c.store.HitRate()
}

// SchemaCache holds resolved input schemas so repeated invocations of
// the same tool skip schema compilation.
type SchemaCache struct {
	store   *store
	metrics domain.Metrics
}

func NewSchemaCache(ttl time.Duration, metrics domain.Metrics) *SchemaCache {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &SchemaCache{
		store:   newStore(ttl, 0),
		metrics: metrics,
	}
}

func (c *SchemaCache) Get(connectorID, tool string) (*jsonschema.Resolved, bool) {
	value, ok := c.store.Get(connectorID + "/" + tool)
	if !ok {
		c.metrics.ObserveCacheMiss(NameSchemas)
		return nil, false
	}
	c.metrics.ObserveCacheHit(NameSchemas)
	return value.(*jsonschema.Resolved), true
}

func (c *SchemaCache) Set(connectorID, tool string, resolved *jsonschema.Resolved) {
	c.store.Set(connectorID+"/"+tool, resolved)
}

func (c *SchemaCache) Purge() {
	c.store.Purge()
}

func (c *SchemaCache) HitRate() float64 {
	return c.store.HitRate()
}

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
)

// mockChatModel implements model.ToolCallingChatModel for testing.
type mockChatModel struct {
	generateFunc func(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
}

func (m *mockChatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, messages)
	}
	return nil, errors.New("not implemented")
}

func (m *mockChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (m *mockChatModel) BindTools(_ []*schema.ToolInfo) error {
	return nil
}

func (m *mockChatModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func scriptedModel(responses ...string) *mockChatModel {
	i := 0
	return &mockChatModel{
		generateFunc: func(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
			if i >= len(responses) {
				return nil, errors.New("script exhausted")
			}
			content := responses[i]
			i++
			return schema.AssistantMessage(content, nil), nil
		},
	}
}

type fakeInvoker struct {
	results map[string]domain.ToolResult
	calls   []domain.ToolCall
}

func (f *fakeInvoker) InvokeOne(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	f.calls = append(f.calls, call)
	if result, ok := f.results[call.ConnectorID+"/"+call.Tool]; ok {
		result.Call = call
		return result
	}
	return domain.ToolResult{Call: call, Success: true, Payload: json.RawMessage(`{}`)}
}

func inventory() []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{ConnectorID: "jira", Name: "search_issues", Description: "Search issues", ReadOnly: true},
		{ConnectorID: "jira", Name: "create_issue", Description: "Create an issue"},
		{ConnectorID: "github", Name: "list_prs", Description: "List pull requests", ReadOnly: true},
	}
}

func TestDirectResolverMatchesPattern(t *testing.T) {
	resolver, err := NewDirectResolver([]domain.DirectRule{
		{
			Pattern:     `list (?:open )?pull requests`,
			ConnectorID: "github",
			Tool:        "list_prs",
		},
	})
	require.NoError(t, err)

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "Please LIST OPEN PULL REQUESTS for me",
		Tools: inventory(),
	})
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, domain.TierDirect, decision.Tier)
	require.Len(t, decision.Calls, 1)
	require.Equal(t, "github", decision.Calls[0].ConnectorID)
	require.Equal(t, "list_prs", decision.Calls[0].Tool)
	require.Equal(t, 1.0, decision.Confidence)
}

func TestDirectResolverExpandsCaptureGroups(t *testing.T) {
	resolver, err := NewDirectResolver([]domain.DirectRule{
		{
			Pattern:     `show issue (?P<key>[A-Z]+-\d+)`,
			ConnectorID: "jira",
			Tool:        "search_issues",
			Arguments:   map[string]any{"issueKey": "${key}", "limit": 1},
		},
	})
	require.NoError(t, err)

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "show issue OPS-1234",
		Tools: inventory(),
	})
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, "OPS-1234", decision.Calls[0].Arguments["issueKey"])
	require.Equal(t, 1, decision.Calls[0].Arguments["limit"])
}

func TestDirectResolverAbstainsWithoutMatch(t *testing.T) {
	resolver, err := NewDirectResolver([]domain.DirectRule{
		{Pattern: `list pull requests`, ConnectorID: "github", Tool: "list_prs"},
	})
	require.NoError(t, err)

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "summarize last sprint",
		Tools: inventory(),
	})
	require.NoError(t, err)
	require.Nil(t, decision)
}

func TestDirectResolverRejectsBadPattern(t *testing.T) {
	_, err := NewDirectResolver([]domain.DirectRule{
		{Pattern: `([`, ConnectorID: "jira", Tool: "search_issues"},
	})
	require.Error(t, err)
}

func TestFastResolverParsesPlan(t *testing.T) {
	resolver := NewFastResolver(FastResolverOptions{
		Model: scriptedModel(`{"calls":[{"connector":"jira","tool":"search_issues","arguments":{"status":"open"}}],"confidence":0.9,"rationale":"single lookup"}`),
	})

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "open jira issues",
		Tools: inventory(),
	})
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, domain.TierFast, decision.Tier)
	require.Len(t, decision.Calls, 1)
	require.Equal(t, "open", decision.Calls[0].Arguments["status"])
	require.InDelta(t, 0.9, decision.Confidence, 0.001)
}

func TestFastResolverStripsCodeFences(t *testing.T) {
	resolver := NewFastResolver(FastResolverOptions{
		Model: scriptedModel("```json\n{\"calls\":[{\"connector\":\"github\",\"tool\":\"list_prs\"}]}\n```"),
	})

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "prs", Tools: inventory(),
	})
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, "list_prs", decision.Calls[0].Tool)
}

func TestFastResolverAbstainsOnEscalate(t *testing.T) {
	resolver := NewFastResolver(FastResolverOptions{
		Model: scriptedModel(`{"escalate":true}`),
	})

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "complex multi-step task", Tools: inventory(),
	})
	require.NoError(t, err)
	require.Nil(t, decision)
}

func TestFastResolverRejectsUnknownTool(t *testing.T) {
	resolver := NewFastResolver(FastResolverOptions{
		Model: scriptedModel(`{"calls":[{"connector":"jira","tool":"made_up_tool"}]}`),
	})

	_, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "anything", Tools: inventory(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "made_up_tool")
}

func TestFullResolverRunsObserveActLoop(t *testing.T) {
	invoker := &fakeInvoker{
		results: map[string]domain.ToolResult{
			"jira/search_issues": {Success: true, Payload: json.RawMessage(`{"issues":["OPS-1"]}`)},
		},
	}
	resolver := NewFullResolver(FullResolverOptions{
		Model: scriptedModel(
			`{"action":"call","connector":"jira","tool":"search_issues","arguments":{"status":"open"}}`,
			`{"action":"final","answer":"One open issue: OPS-1"}`,
		),
		Invoker: invoker,
	})

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "what is open in jira?", Tools: inventory(),
	})
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, domain.TierFull, decision.Tier)
	require.Equal(t, "One open issue: OPS-1", decision.Answer)
	require.Len(t, decision.Calls, 1)
	require.Len(t, decision.Results, 1)
	require.True(t, decision.Results[0].Success)
	require.Len(t, invoker.calls, 1)
}

func TestFullResolverRecoversFromUnknownTool(t *testing.T) {
	invoker := &fakeInvoker{}
	resolver := NewFullResolver(FullResolverOptions{
		Model: scriptedModel(
			`{"action":"call","connector":"jira","tool":"nope"}`,
			`{"action":"final","answer":"done"}`,
		),
		Invoker: invoker,
	})

	decision, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "q", Tools: inventory(),
	})
	require.NoError(t, err)
	require.Equal(t, "done", decision.Answer)
	require.Empty(t, invoker.calls)
}

func TestFullResolverBoundsIterations(t *testing.T) {
	invoker := &fakeInvoker{}
	resolver := NewFullResolver(FullResolverOptions{
		Model: &mockChatModel{
			generateFunc: func(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
				return schema.AssistantMessage(`{"action":"call","connector":"jira","tool":"search_issues"}`, nil), nil
			},
		},
		Invoker:       invoker,
		MaxIterations: 3,
	})

	_, err := resolver.Resolve(context.Background(), ResolveRequest{
		Query: "q", Tools: inventory(),
	})
	require.Error(t, err)
	require.Equal(t, domain.KindRoutingAmbiguous, domain.KindFrom(err))
	require.Len(t, invoker.calls, 3)
}

func TestEngineEscalatesThroughTiers(t *testing.T) {
	direct, err := NewDirectResolver(nil)
	require.NoError(t, err)

	fast := NewFastResolver(FastResolverOptions{
		Model: scriptedModel(`{"escalate":true}`),
	})
	full := NewFullResolver(FullResolverOptions{
		Model:   scriptedModel(`{"action":"final","answer":"escalated all the way"}`),
		Invoker: &fakeInvoker{},
	})

	engine := NewEngine(EngineOptions{Resolvers: []Resolver{direct, fast, full}})
	decision, err := engine.Route(context.Background(), ResolveRequest{
		Query: "q", Tools: inventory(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.TierFull, decision.Tier)
	require.Equal(t, "escalated all the way", decision.Answer)
}

func TestEngineStopsAtFirstDecision(t *testing.T) {
	direct, err := NewDirectResolver([]domain.DirectRule{
		{Pattern: `open issues`, ConnectorID: "jira", Tool: "search_issues"},
	})
	require.NoError(t, err)

	fast := NewFastResolver(FastResolverOptions{
		Model: &mockChatModel{
			generateFunc: func(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
				t.Fatal("fast tier must not run when direct matches")
				return nil, nil
			},
		},
	})

	engine := NewEngine(EngineOptions{Resolvers: []Resolver{direct, fast}})
	decision, err := engine.Route(context.Background(), ResolveRequest{
		Query: "open issues please", Tools: inventory(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.TierDirect, decision.Tier)
}

func TestEngineSurfacesAmbiguityWhenAllAbstain(t *testing.T) {
	direct, err := NewDirectResolver(nil)
	require.NoError(t, err)

	engine := NewEngine(EngineOptions{Resolvers: []Resolver{direct}})
	_, err = engine.Route(context.Background(), ResolveRequest{
		Query: "q", Tools: inventory(),
	})
	require.Error(t, err)
	require.Equal(t, domain.KindRoutingAmbiguous, domain.KindFrom(err))
}

func TestEngineFallsThroughOnResolverError(t *testing.T) {
	fast := NewFastResolver(FastResolverOptions{
		Model: scriptedModel(`{"calls":[{"connector":"ghost","tool":"boo"}]}`),
	})
	full := NewFullResolver(FullResolverOptions{
		Model:   scriptedModel(`{"action":"final","answer":"recovered"}`),
		Invoker: &fakeInvoker{},
	})

	engine := NewEngine(EngineOptions{Resolvers: []Resolver{fast, full}})
	decision, err := engine.Route(context.Background(), ResolveRequest{
		Query: "q", Tools: inventory(),
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", decision.Answer)
}

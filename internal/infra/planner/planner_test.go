package planner

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

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

func replyWith(content string) *mockChatModel {
	return &mockChatModel{
		generateFunc: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return schema.AssistantMessage(content, nil), nil
		},
	}
}

func descriptors() []domain.ConnectorDescriptor {
	return []domain.ConnectorDescriptor{
		{
			ID:          "jira",
			Name:        "Jira",
			Description: "Issue tracker for tickets and sprints",
			Keywords:    []string{"issue", "ticket", "sprint", "bug"},
		},
		{
			ID:          "github",
			Name:        "GitHub",
			Description: "Code host with pull requests and repositories",
			Keywords:    []string{"repo", "pull", "commit", "branch"},
		},
		{
			ID:          "s3",
			Name:        "S3",
			Description: "Object storage buckets",
			Keywords:    []string{"bucket", "object", "file"},
		},
	}
}

func TestPlanRanksByKeywordOverlap(t *testing.T) {
	p := New(Options{})

	plan := p.Plan(context.Background(), "show me open bug tickets from the current sprint", descriptors())

	require.NotEmpty(t, plan.Candidates)
	require.Equal(t, "jira", plan.Candidates[0].ConnectorID)
	for _, candidate := range plan.Candidates {
		require.NotEqual(t, "s3", candidate.ConnectorID, "irrelevant datasource must stay below the threshold")
	}
}

func TestPlanExplicitMentionOutranksKeywords(t *testing.T) {
	p := New(Options{})

	plan := p.Plan(context.Background(), "does s3 have a bucket for sprint reports", descriptors())

	require.NotEmpty(t, plan.Candidates)
	require.Equal(t, "s3", plan.Candidates[0].ConnectorID)
	require.InDelta(t, 1.0, plan.Candidates[0].Score, 0.001)
}

func TestPlanSkipsDisabledConnectors(t *testing.T) {
	descs := descriptors()
	descs[0].Disabled = true
	p := New(Options{})

	plan := p.Plan(context.Background(), "show me open bug tickets", descs)

	for _, candidate := range plan.Candidates {
		require.NotEqual(t, "jira", candidate.ConnectorID)
	}
}

func TestPlanDropsEverythingBelowThreshold(t *testing.T) {
	p := New(Options{Threshold: 0.9})

	plan := p.Plan(context.Background(), "ticket status", descriptors())

	require.Empty(t, plan.Candidates)
}

func TestPlanRerankReorders(t *testing.T) {
	chat := replyWith(`{"sources": [
		{"connector": "github", "score": 0.95, "rationale": "the branch lives on github"},
		{"connector": "jira", "score": 0.4, "rationale": "ticket is secondary"}
	]}`)
	p := New(Options{Model: chat, ModelName: "fast-model"})

	plan := p.Plan(context.Background(), "which branch fixes the ticket about the login bug", descriptors())

	require.NotEmpty(t, plan.Candidates)
	require.Equal(t, "github", plan.Candidates[0].ConnectorID)
	require.Equal(t, "the branch lives on github", plan.Candidates[0].Rationale)
}

func TestPlanRerankFailureKeepsHeuristicOrder(t *testing.T) {
	chat := &mockChatModel{generateFunc: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return nil, errors.New("model unavailable")
	}}
	p := New(Options{Model: chat})

	plan := p.Plan(context.Background(), "show me open bug tickets from the sprint", descriptors())

	require.NotEmpty(t, plan.Candidates)
	require.Equal(t, "jira", plan.Candidates[0].ConnectorID)
}

func TestPlanRerankUnknownSourceKeepsHeuristicOrder(t *testing.T) {
	chat := replyWith(`{"sources": [{"connector": "gitlab", "score": 0.9}]}`)
	p := New(Options{Model: chat})

	plan := p.Plan(context.Background(), "show me open bug tickets from the sprint", descriptors())

	require.NotEmpty(t, plan.Candidates)
	require.Equal(t, "jira", plan.Candidates[0].ConnectorID)
}

func TestFanoutRunsSourcesConcurrently(t *testing.T) {
	inFlight := atomic.Int32{}
	peak := atomic.Int32{}
	release := make(chan struct{})
	fanout := NewFanout(5*time.Second, nil)
	plan := domain.SourcePlan{Candidates: []domain.SourceCandidate{
		{ConnectorID: "jira", Score: 0.8},
		{ConnectorID: "github", Score: 0.6},
		{ConnectorID: "s3", Score: 0.4},
	}}

	done := make(chan []SourceOutcome, 1)
	go func() {
		done <- fanout.Run(context.Background(), plan, func(_ context.Context, connectorID string) (*SourceResult, error) {
			current := inFlight.Add(1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return &SourceResult{ConnectorID: connectorID, Text: "ok"}, nil
		})
	}()

	require.Eventually(t, func() bool { return inFlight.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	close(release)

	outcomes := <-done
	require.Len(t, outcomes, 3)
	require.Equal(t, "jira", outcomes[0].ConnectorID, "outcomes keep plan order")
	require.Equal(t, "github", outcomes[1].ConnectorID)
	require.Equal(t, "s3", outcomes[2].ConnectorID)
	require.EqualValues(t, 3, peak.Load())
}

func TestFanoutSlowSourceTimesOutAlone(t *testing.T) {
	fanout := NewFanout(50*time.Millisecond, nil)
	plan := domain.SourcePlan{Candidates: []domain.SourceCandidate{
		{ConnectorID: "jira", Score: 0.8},
		{ConnectorID: "github", Score: 0.6},
	}}

	outcomes := fanout.Run(context.Background(), plan, func(ctx context.Context, connectorID string) (*SourceResult, error) {
		if connectorID == "github" {
			<-ctx.Done()
			return nil, domain.Wrap(domain.KindFrom(ctx.Err()), "test", ctx.Err())
		}
		return &SourceResult{ConnectorID: connectorID, Text: "fast answer"}, nil
	})

	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	require.Error(t, outcomes[1].Err)
	require.Equal(t, domain.KindTimeout, domain.KindFrom(outcomes[1].Err))
}

func successResult(connectorID, tool, payload string) domain.ToolResult {
	return domain.ToolResult{
		Call:    domain.ToolCall{ConnectorID: connectorID, Tool: tool},
		Success: true,
		Payload: json.RawMessage(payload),
	}
}

func TestSummarizeWithoutModelDigestsPayloads(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, nil)

	text, err := s.Summarize(context.Background(), "list buckets", []domain.ToolResult{
		successResult("s3", "list_buckets", `{"buckets":["logs","backups"]}`),
	})

	require.NoError(t, err)
	require.Contains(t, text, "logs")
	require.Contains(t, text, "backups")
}

func TestSummarizeFailsWhenNothingSucceeded(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, nil)

	_, err := s.Summarize(context.Background(), "list buckets", []domain.ToolResult{
		{
			Call: domain.ToolCall{ConnectorID: "s3", Tool: "list_buckets"},
			Err:  domain.E(domain.KindTimeout, "sessions.Invoke", "deadline exceeded", nil),
		},
	})

	require.Error(t, err)
	require.Equal(t, domain.KindPartialResult, domain.KindFrom(err))
}

func TestSummarizeModelFailureFallsBackToDigest(t *testing.T) {
	chat := &mockChatModel{generateFunc: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return nil, errors.New("model unavailable")
	}}
	s := NewSynthesizer(chat, "fast-model", nil, nil)

	text, err := s.Summarize(context.Background(), "list buckets", []domain.ToolResult{
		successResult("s3", "list_buckets", `{"buckets":["logs"]}`),
	})

	require.NoError(t, err)
	require.Contains(t, text, "logs")
}

func TestMergeAttributesSourcesAndCaveatsFailures(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, nil)

	answer, err := s.Merge([]SourceOutcome{
		{ConnectorID: "jira", Result: &SourceResult{ConnectorID: "jira", Text: "3 open bugs"}},
		{ConnectorID: "github", Result: &SourceResult{ConnectorID: "github", Text: "2 open pull requests"}},
		{ConnectorID: "s3", Err: domain.E(domain.KindCircuitOpen, "breaker.Allow", "circuit open", nil)},
	})

	require.NoError(t, err)
	require.Equal(t, []string{"jira", "github"}, answer.Sources)
	require.Contains(t, answer.Text, "3 open bugs")
	require.Contains(t, answer.Text, "2 open pull requests")
	require.Len(t, answer.FailedSources, 1)
	require.Equal(t, "s3", answer.FailedSources[0].ConnectorID)
	require.Equal(t, domain.KindCircuitOpen, answer.FailedSources[0].Kind)
	require.NotContains(t, answer.FailedSources[0].Reason, "circuit open", "raw internals never surface")
}

func TestMergeFailsWhenAllSourcesFailed(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, nil)

	_, err := s.Merge([]SourceOutcome{
		{ConnectorID: "jira", Err: domain.E(domain.KindTimeout, "test", "deadline", nil)},
		{ConnectorID: "github", Err: domain.E(domain.KindTransport, "test", "pipe broke", nil)},
	})

	require.Error(t, err)
}

func TestMergeSingleFailedSourcePropagatesKind(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, nil)

	_, err := s.Merge([]SourceOutcome{
		{ConnectorID: "jira", Err: domain.E(domain.KindConfiguration, "sessions.Acquire", "missing API_TOKEN", nil)},
	})

	require.Error(t, err)
	require.Equal(t, domain.KindConfiguration, domain.KindFrom(err))
}

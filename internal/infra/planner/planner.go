package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

// Planner ranks configured datasources by relevance to a query. A
// deterministic keyword heuristic produces the baseline ranking; when a
// fast model is configured it reranks the candidates, falling back to
// the heuristic order on any model failure.
type Planner struct {
	chat      model.ToolCallingChatModel
	modelName string
	threshold float64
	metrics   domain.Metrics
	logger    *zap.Logger
}

type Options struct {
	Model     model.ToolCallingChatModel
	ModelName string
	Threshold float64
	Metrics   domain.Metrics
	Logger    *zap.Logger
}

func New(opts Options) *Planner {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = domain.DefaultRelevanceThreshold
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		chat:      opts.Model,
		modelName: opts.ModelName,
		threshold: threshold,
		metrics:   metrics,
		logger:    logger,
	}
}

// Plan scores every descriptor against the query and returns the
// candidates above the relevance threshold, best first.
func (p *Planner) Plan(ctx context.Context, query string, descriptors []domain.ConnectorDescriptor) domain.SourcePlan {
	candidates := p.heuristicRank(query, descriptors)

	if p.chat != nil && len(candidates) > 1 {
		if reranked, err := p.rerank(ctx, query, descriptors, candidates); err == nil {
			candidates = reranked
		} else {
			p.logger.Debug("planner rerank failed, keeping heuristic order", zap.Error(err))
		}
	}

	kept := candidates[:0:0]
	for _, candidate := range candidates {
		if candidate.Score >= p.threshold {
			kept = append(kept, candidate)
		}
	}
	return domain.SourcePlan{Candidates: kept}
}

func (p *Planner) heuristicRank(query string, descriptors []domain.ConnectorDescriptor) []domain.SourceCandidate {
	tokens := tokenize(query)
	candidates := make([]domain.SourceCandidate, 0, len(descriptors))
	for _, desc := range descriptors {
		if desc.Disabled {
			continue
		}
		score, rationale := scoreDescriptor(tokens, desc)
		candidates = append(candidates, domain.SourceCandidate{
			ConnectorID: desc.ID,
			Score:       score,
			Rationale:   rationale,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// scoreDescriptor weighs an explicit mention of the datasource highest,
// then keyword hits, then weak description overlap. Scores clamp to 1.
func scoreDescriptor(queryTokens map[string]struct{}, desc domain.ConnectorDescriptor) (float64, string) {
	var score float64
	var reasons []string

	if _, ok := queryTokens[strings.ToLower(desc.ID)]; ok {
		score += 1.0
		reasons = append(reasons, "named explicitly")
	} else if name := strings.ToLower(desc.Name); name != "" {
		if _, ok := queryTokens[name]; ok {
			score += 1.0
			reasons = append(reasons, "named explicitly")
		}
	}

	keywordHits := 0
	for _, keyword := range desc.Keywords {
		if _, ok := queryTokens[strings.ToLower(keyword)]; ok {
			keywordHits++
		}
	}
	if keywordHits > 0 {
		score += 0.4 * float64(keywordHits)
		reasons = append(reasons, fmt.Sprintf("%d keyword match(es)", keywordHits))
	}

	descriptionHits := 0
	for token := range tokenize(desc.Description) {
		if _, ok := queryTokens[token]; ok {
			descriptionHits++
		}
	}
	if descriptionHits > 0 {
		overlap := 0.05 * float64(descriptionHits)
		if overlap > 0.2 {
			overlap = 0.2
		}
		score += overlap
		reasons = append(reasons, "description overlap")
	}

	if score > 1.0 {
		score = 1.0
	}
	if len(reasons) == 0 {
		return 0, "no overlap with query"
	}
	return score, strings.Join(reasons, ", ")
}

// stopWords are too common to signal relevance to any datasource.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "on": {}, "for": {},
	"to": {}, "and": {}, "or": {}, "with": {}, "my": {}, "me": {}, "is": {},
	"are": {}, "what": {}, "show": {}, "all": {}, "from": {}, "about": {},
}

func tokenize(text string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	}) {
		if _, skip := stopWords[field]; skip {
			continue
		}
		tokens[field] = struct{}{}
	}
	return tokens
}

type rerankResponse struct {
	Sources []struct {
		Connector string  `json:"connector"`
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale"`
	} `json:"sources"`
}

const rerankSystemPrompt = `You rank datasources by relevance to a user request.
Respond with JSON only, no prose:
{"sources": [{"connector": "<id>", "score": <0..1>, "rationale": "<short reason>"}]}
Include every listed datasource exactly once. Score 0 for irrelevant ones.`

func (p *Planner) rerank(ctx context.Context, query string, descriptors []domain.ConnectorDescriptor, heuristic []domain.SourceCandidate) ([]domain.SourceCandidate, error) {
	known := make(map[string]struct{}, len(heuristic))
	for _, candidate := range heuristic {
		known[candidate.ConnectorID] = struct{}{}
	}

	var catalog strings.Builder
	for _, desc := range descriptors {
		if _, ok := known[desc.ID]; !ok {
			continue
		}
		fmt.Fprintf(&catalog, "- %s: %s", desc.ID, desc.Description)
		if len(desc.Keywords) > 0 {
			fmt.Fprintf(&catalog, " (keywords: %s)", strings.Join(desc.Keywords, ", "))
		}
		catalog.WriteString("\n")
	}

	started := time.Now()
	response, err := p.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(rerankSystemPrompt),
		schema.UserMessage(fmt.Sprintf("Datasources:\n%s\nRequest: %s", catalog.String(), query)),
	})
	tokens := 0
	if err == nil && response.ResponseMeta != nil && response.ResponseMeta.Usage != nil {
		tokens = response.ResponseMeta.Usage.TotalTokens
	}
	p.metrics.ObserveModelCall("planner", p.modelName, time.Since(started), tokens)
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(stripFences(response.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("parse rerank response: %w", err)
	}

	reranked := make([]domain.SourceCandidate, 0, len(parsed.Sources))
	seen := make(map[string]struct{}, len(parsed.Sources))
	for _, source := range parsed.Sources {
		if _, ok := known[source.Connector]; !ok {
			return nil, fmt.Errorf("rerank names unknown datasource %s", source.Connector)
		}
		if _, dup := seen[source.Connector]; dup {
			continue
		}
		seen[source.Connector] = struct{}{}
		score := source.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		reranked = append(reranked, domain.SourceCandidate{
			ConnectorID: source.Connector,
			Score:       score,
			Rationale:   source.Rationale,
		})
	}
	// Datasources the model dropped keep their heuristic ranking; a
	// partial answer never hides a candidate.
	for _, candidate := range heuristic {
		if _, ok := seen[candidate.ConnectorID]; !ok {
			reranked = append(reranked, candidate)
		}
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	p.logger.Debug("planner reranked sources",
		telemetry.EventField("planner_rerank"),
		zap.Int("candidates", len(reranked)),
	)
	return reranked, nil
}

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

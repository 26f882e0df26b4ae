package routing

import (
	"context"
	"fmt"
	"regexp"

	"toolgate/internal/domain"
)

// DirectResolver matches config-declared patterns against the query
// and maps hits straight to a tool call with zero model cost. Rules
// are tried in declaration order; first match wins.
type DirectResolver struct {
	rules []compiledRule
}

type compiledRule struct {
	re   *regexp.Regexp
	rule domain.DirectRule
}

func NewDirectResolver(rules []domain.DirectRule) (*DirectResolver, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Pattern == "" || rule.ConnectorID == "" || rule.Tool == "" {
			return nil, fmt.Errorf("direct rule needs pattern, connectorId, and tool: %+v", rule)
		}
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile direct rule %q: %w", rule.Pattern, err)
		}
		compiled = append(compiled, compiledRule{re: re, rule: rule})
	}
	return &DirectResolver{rules: compiled}, nil
}

func (r *DirectResolver) Tier() domain.RoutingTier { return domain.TierDirect }

func (r *DirectResolver) Resolve(ctx context.Context, req ResolveRequest) (*domain.RoutingDecision, error) {
	index := knownTools(req.Tools)
	for _, candidate := range r.rules {
		match := candidate.re.FindStringSubmatchIndex(req.Query)
		if match == nil {
			continue
		}
		// A rule whose target is outside the request scope cannot fire.
		if _, ok := index[candidate.rule.ConnectorID][candidate.rule.Tool]; !ok {
			continue
		}
		return &domain.RoutingDecision{
			Calls: []domain.ToolCall{{
				ConnectorID: candidate.rule.ConnectorID,
				Tool:        candidate.rule.Tool,
				Arguments:   expandArguments(candidate.re, req.Query, match, candidate.rule.Arguments),
			}},
			Tier:       domain.TierDirect,
			Rationale:  fmt.Sprintf("matched pattern %q", candidate.rule.Pattern),
			Confidence: 1.0,
		}, nil
	}
	return nil, nil
}

// expandArguments substitutes capture-group references like $1 or
// ${name} inside string argument values.
func expandArguments(re *regexp.Regexp, query string, match []int, args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		if text, ok := value.(string); ok {
			out[key] = string(re.ExpandString(nil, text, query, match))
			continue
		}
		out[key] = value
	}
	return out
}

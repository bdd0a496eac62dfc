package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/ferro-labs/placecache/providers"
)

// Condition keys understood by Conditional.
const (
	ConditionLanguage    = "language"
	ConditionQueryPrefix = "query_prefix"
)

// ConditionRule maps a condition to a target.
type ConditionRule struct {
	Key    string // "language", "query_prefix"
	Value  string
	Target Target
}

// Conditional routes searches based on matching conditions.
type Conditional struct {
	rules    []ConditionRule
	fallback Target
	lookup   ProviderLookup
}

// NewConditional creates a new conditional strategy.
// Rules are evaluated in order; the first match wins.
// The fallback target is used when no rule matches.
func NewConditional(rules []ConditionRule, fallback Target, lookup ProviderLookup) *Conditional {
	return &Conditional{
		rules:    rules,
		fallback: fallback,
		lookup:   lookup,
	}
}

// Execute routes the search to the first matching rule's provider.
func (c *Conditional) Execute(ctx context.Context, req providers.SearchRequest) (Result, error) {
	target := c.matchTarget(req)

	p, ok := c.lookup(target.Name)
	if !ok {
		return Result{}, fmt.Errorf("provider not found: %s", target.Name)
	}
	places, err := p.Search(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Places: places, Provider: p.Name()}, nil
}

func (c *Conditional) matchTarget(req providers.SearchRequest) Target {
	for _, rule := range c.rules {
		if matches(rule, req) {
			return rule.Target
		}
	}
	return c.fallback
}

func matches(rule ConditionRule, req providers.SearchRequest) bool {
	switch rule.Key {
	case ConditionLanguage:
		return strings.EqualFold(req.Language, rule.Value)
	case ConditionQueryPrefix:
		return strings.HasPrefix(strings.ToLower(req.Query), strings.ToLower(rule.Value))
	default:
		return false
	}
}

package strategies

import (
	"context"
	"fmt"

	"github.com/ferro-labs/placecache/providers"
)

// Single routes all searches to a single provider.
type Single struct {
	target Target
	lookup ProviderLookup
}

// NewSingle creates a new single-provider strategy.
func NewSingle(target Target, lookup ProviderLookup) *Single {
	return &Single{target: target, lookup: lookup}
}

// Execute sends the search to the configured provider.
func (s *Single) Execute(ctx context.Context, req providers.SearchRequest) (Result, error) {
	p, ok := s.lookup(s.target.Name)
	if !ok {
		return Result{}, fmt.Errorf("provider not found: %s", s.target.Name)
	}
	places, err := p.Search(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Places: places, Provider: p.Name()}, nil
}

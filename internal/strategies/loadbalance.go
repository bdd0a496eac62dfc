package strategies

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ferro-labs/placecache/providers"
)

// LoadBalance distributes searches across targets using weighted random
// selection, e.g. to spread spend over several API keys.
type LoadBalance struct {
	targets []Target
	lookup  ProviderLookup
	mu      sync.Mutex
}

// NewLoadBalance creates a new load balance strategy.
func NewLoadBalance(targets []Target, lookup ProviderLookup) *LoadBalance {
	return &LoadBalance{
		targets: targets,
		lookup:  lookup,
	}
}

// Execute selects a registered provider by weight and sends the search.
func (lb *LoadBalance) Execute(ctx context.Context, req providers.SearchRequest) (Result, error) {
	if len(lb.targets) == 0 {
		return Result{}, fmt.Errorf("no targets configured for loadbalance")
	}

	var available []Target
	for _, t := range lb.targets {
		if _, ok := lb.lookup(t.Name); ok {
			available = append(available, t)
		}
	}
	if len(available) == 0 {
		return Result{}, fmt.Errorf("no registered provider among loadbalance targets")
	}

	target := lb.selectFromTargets(available)
	p, _ := lb.lookup(target.Name)
	places, err := p.Search(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Places: places, Provider: p.Name()}, nil
}

// selectFromTargets picks a target using weighted random selection. Zero
// weights count as 1.
func (lb *LoadBalance) selectFromTargets(targets []Target) Target {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	totalWeight := 0.0
	for _, t := range targets {
		totalWeight += weightOf(t)
	}

	r := rand.Float64() * totalWeight //nolint:gosec
	cumulative := 0.0
	for _, t := range targets {
		cumulative += weightOf(t)
		if r < cumulative {
			return t
		}
	}
	return targets[len(targets)-1]
}

func weightOf(t Target) float64 {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// Package strategies implements how a cache miss is routed to place search
// providers.
//
// Available strategies:
//   - Single:      always routes to one configured provider.
//   - Fallback:    tries providers in order, retrying transient failures.
//   - LoadBalance: spreads calls across providers by weight.
//   - Conditional: routes on request language or query prefix.
package strategies

import (
	"context"
	"time"

	"github.com/ferro-labs/placecache/providers"
)

// Result is the outcome of a routed search: the places returned and the
// name of the provider that served them.
type Result struct {
	Places   []providers.Place
	Provider string
}

// Strategy defines the interface for routing strategies.
type Strategy interface {
	// Execute runs the strategy and returns the served result.
	Execute(ctx context.Context, req providers.SearchRequest) (Result, error)
}

// ProviderLookup resolves a provider name to a Provider instance.
type ProviderLookup func(name string) (providers.Provider, bool)

// Target names a provider participating in a strategy.
type Target struct {
	Name   string
	Weight float64
	// Attempts and BaseDelay override the fallback strategy's retry
	// defaults for this target when positive.
	Attempts  int
	BaseDelay time.Duration
}

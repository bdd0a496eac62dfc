package strategies

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ferro-labs/placecache/internal/circuitbreaker"
	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/providers"
)

// Fallback tries each target in order, moving to the next on failure.
type Fallback struct {
	targets    []Target
	lookup     ProviderLookup
	maxRetries int
	baseDelay  time.Duration
}

// NewFallback creates a new fallback strategy.
func NewFallback(targets []Target, lookup ProviderLookup) *Fallback {
	return &Fallback{
		targets:    targets,
		lookup:     lookup,
		maxRetries: 1,
		baseDelay:  100 * time.Millisecond,
	}
}

// WithMaxRetries sets the number of attempts per target before moving to the
// next.
func (f *Fallback) WithMaxRetries(n int) *Fallback {
	if n > 0 {
		f.maxRetries = n
	}
	return f
}

// WithBaseDelay sets the first retry backoff; later retries double it.
func (f *Fallback) WithBaseDelay(d time.Duration) *Fallback {
	if d >= 0 {
		f.baseDelay = d
	}
	return f
}

// retryable reports whether repeating the same call to the same provider
// could help. Unclassified errors are retried.
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return false
	}
	var pe *providers.Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// Execute attempts each provider in order, retrying transient failures with
// exponential backoff. A bad request stops the chain since every provider
// would reject it.
func (f *Fallback) Execute(ctx context.Context, req providers.SearchRequest) (Result, error) {
	if len(f.targets) == 0 {
		return Result{}, fmt.Errorf("no targets configured for fallback")
	}

	log := logging.FromContext(ctx)
	var lastErr error
	for _, target := range f.targets {
		p, ok := f.lookup(target.Name)
		if !ok {
			log.Warn("provider not found, skipping", "provider", target.Name)
			lastErr = fmt.Errorf("provider not found: %s", target.Name)
			continue
		}

		attempts, delay := f.maxRetries, f.baseDelay
		if target.Attempts > 0 {
			attempts = target.Attempts
		}
		if target.BaseDelay > 0 {
			delay = target.BaseDelay
		}
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(math.Pow(2, float64(attempt-1))) * delay
				select {
				case <-ctx.Done():
					return Result{}, ctx.Err()
				case <-time.After(backoff):
				}
				log.Info("retrying provider", "provider", target.Name, "attempt", attempt+1)
			}

			places, err := p.Search(ctx, req)
			if err == nil {
				return Result{Places: places, Provider: p.Name()}, nil
			}
			lastErr = fmt.Errorf("provider %s attempt %d: %w", target.Name, attempt+1, err)
			if providers.KindOf(err) == providers.KindBadRequest {
				return Result{}, lastErr
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if !retryable(err) {
				break
			}
		}
	}

	return Result{}, fmt.Errorf("all providers failed: %w", lastErr)
}

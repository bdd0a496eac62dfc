// Package ratelimit provides in-memory token-bucket rate limiting backed by
// golang.org/x/time/rate. It is used as an HTTP middleware (limit searches per
// client IP) and by the search service to pace calls to each upstream
// provider.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond rounded up (no extra burst).
// A non-positive rate means unlimited.
func New(ratePerSecond, burst float64) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(ratePerSecond), int(math.Ceil(burst)))}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	return l.lim.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

type entry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Store maintains per-key Limiter instances.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     float64
	burst    float64
	idleTTL  time.Duration
	now      func() time.Time
}

// NewStore creates a Store whose per-key limiters share the same rate/burst.
func NewStore(ratePerSecond, burst float64) *Store {
	return &Store{
		limiters: make(map[string]*entry),
		rate:     ratePerSecond,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

func (s *Store) get(key string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.limiters[key]
	if !ok {
		e = &entry{limiter: New(s.rate, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = s.now()
	return e.limiter
}

// Allow checks (and creates if needed) the limiter for key.
func (s *Store) Allow(key string) bool {
	return s.get(key).Allow()
}

// Wait blocks on the limiter for key until a token is available.
func (s *Store) Wait(ctx context.Context, key string) error {
	return s.get(key).Wait(ctx)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// Sweep drops limiters not used within the idle TTL and returns how many were
// removed. Servers call it periodically so per-IP state stays bounded.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.idleTTL)
	removed := 0
	for k, e := range s.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
			removed++
		}
	}
	return removed
}

// ClientIP returns the host part of r.RemoteAddr. Run chi's RealIP middleware
// first when serving behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the per-IP limit by calling reject, which
// writes the response.
func Middleware(s *Store, reject func(w http.ResponseWriter, r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Allow(ClientIP(r)) {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

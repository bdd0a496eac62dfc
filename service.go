package placecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/ferro-labs/placecache/internal/circuitbreaker"
	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/metrics"
	"github.com/ferro-labs/placecache/internal/ratelimit"
	"github.com/ferro-labs/placecache/internal/strategies"
	"github.com/ferro-labs/placecache/internal/usagelog"
	"github.com/ferro-labs/placecache/providers"
	"github.com/ferro-labs/placecache/store"
)

const (
	// DefaultMinQueryLength is the shortest query Service.Search accepts.
	DefaultMinQueryLength = 3
	// DefaultGooglePlacesKeyEnv holds the Google Places API key when a
	// provider sets no api_key_env.
	DefaultGooglePlacesKeyEnv = "GOOGLE_PLACES_API_KEY"
	// DefaultFetchTimeout bounds a shared upstream fetch, which no single
	// caller's context can cancel.
	DefaultFetchTimeout = 30 * time.Second
)

// Service errors.
var (
	ErrQueryTooShort = errors.New("query is too short")
	ErrRateLimited   = errors.New("upstream search rate limit exceeded")
	ErrNoProviders   = errors.New("no place search providers registered")
)

// SearchResult is what Service.Search returns. Source is SourceProvider when
// the results were fetched upstream on this call.
type SearchResult struct {
	Results      []providers.Place `json:"results"`
	Source       Source            `json:"source"`
	Provider     string            `json:"provider,omitempty"`
	MatchedQuery string            `json:"matched_query,omitempty"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithUsageLog records every provider call to w.
func WithUsageLog(w usagelog.Writer) ServiceOption {
	return func(s *Service) {
		if w != nil {
			s.usage = w
		}
	}
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFetchTimeout bounds each upstream fetch shared by concurrent misses.
func WithFetchTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// Service answers place searches from the cache and fills misses from the
// configured providers. It is safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	config    Config
	engine    *Engine[providers.Place]
	providers *providers.Registry
	strategy  strategies.Strategy
	breakers  map[string]*circuitbreaker.CircuitBreaker
	pacers    map[string]*ratelimit.Limiter
	limiter   *ratelimit.Limiter
	usage     usagelog.Writer
	logger    *slog.Logger
	group     singleflight.Group

	fetchTimeout time.Duration
}

// NewService creates a Service over engine using cfg's strategy, limits and
// search defaults. Providers are added with RegisterProvider or
// RegisterProviders.
func NewService(cfg Config, engine *Engine[providers.Place], opts ...ServiceOption) *Service {
	s := &Service{
		config:    cfg,
		engine:    engine,
		providers: providers.NewRegistry(),
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker),
		pacers:    make(map[string]*ratelimit.Limiter),
		usage:     usagelog.NoopWriter{},
		logger:    logging.Logger,

		fetchTimeout: DefaultFetchTimeout,
	}
	if cfg.RateLimit != nil {
		s.limiter = ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	for _, pc := range cfg.Providers {
		name := pc.ProviderName()
		if pc.CircuitBreaker != nil {
			timeout, _ := time.ParseDuration(pc.CircuitBreaker.Timeout)
			s.breakers[name] = newBreaker(name, pc.CircuitBreaker, timeout)
		}
		if pc.RateLimit != nil {
			s.pacers[name] = ratelimit.New(pc.RateLimit.RequestsPerSecond, pc.RateLimit.Burst)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newBreaker(name string, cfg *CircuitBreakerConfig, timeout time.Duration) *circuitbreaker.CircuitBreaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout).
		WithFailureFilter(func(err error) bool {
			// A rejected request or a caller giving up says nothing about
			// provider health.
			return providers.KindOf(err) != providers.KindBadRequest &&
				!errors.Is(err, context.Canceled)
		}).
		OnStateChange(func(_, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		})
}

// RegisterProvider adds a provider; the routing strategy is rebuilt on the
// next search.
func (s *Service) RegisterProvider(p providers.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers.Register(p)
	s.strategy = nil
}

// RegisterProviders builds and registers every provider in the config.
// lookupEnv resolves api_key_env (os.LookupEnv in production).
func (s *Service) RegisterProviders(ctx context.Context, lookupEnv func(string) (string, bool)) error {
	for _, pc := range s.config.Providers {
		p, err := buildProvider(ctx, pc, lookupEnv)
		if err != nil {
			return fmt.Errorf("provider %q: %w", pc.ProviderName(), err)
		}
		s.RegisterProvider(p)
	}
	return nil
}

// namedProvider lets several configured instances of one provider type (e.g.
// two API keys) register under distinct names.
type namedProvider struct {
	providers.Provider
	name string
}

func (p namedProvider) Name() string { return p.name }

func buildProvider(ctx context.Context, pc ProviderConfig, lookupEnv func(string) (string, bool)) (providers.Provider, error) {
	var (
		p   providers.Provider
		err error
	)
	switch pc.Type {
	case ProviderGooglePlaces:
		env := pc.APIKeyEnv
		if env == "" {
			env = DefaultGooglePlacesKeyEnv
		}
		key := ""
		if lookupEnv != nil {
			key, _ = lookupEnv(env)
		}
		if key != "" {
			p, err = providers.NewGooglePlaces(key, pc.BaseURL)
		} else {
			p, err = providers.NewGooglePlacesWithADC(ctx, pc.BaseURL)
		}
	case ProviderNominatim:
		p, err = providers.NewNominatim(pc.UserAgent, pc.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
	if err != nil {
		return nil, err
	}
	if name := pc.ProviderName(); name != p.Name() {
		p = namedProvider{Provider: p, name: name}
	}
	return p, nil
}

// Engine returns the underlying cache engine.
func (s *Service) Engine() *Engine[providers.Place] { return s.engine }

// Providers returns the registered provider names.
func (s *Service) Providers() []string { return s.providers.List() }

// Stats returns the engine statistics.
func (s *Service) Stats(ctx context.Context) Stats { return s.engine.Stats(ctx) }

// Clear empties both cache tiers.
func (s *Service) Clear(ctx context.Context) error { return s.engine.Clear(ctx) }

func (s *Service) minQueryLength() int {
	if s.config.Search.MinQueryLength > 0 {
		return s.config.Search.MinQueryLength
	}
	return DefaultMinQueryLength
}

// costOf returns the per-call price of provider name.
func (s *Service) costOf(name string) float64 {
	for _, pc := range s.config.Providers {
		if pc.ProviderName() == name {
			return providers.EstimateCost(string(pc.Type), pc.CostPerCall)
		}
	}
	return providers.EstimateCost(name, 0)
}

// primaryCost is what a miss would normally cost: the first configured
// provider's price.
func (s *Service) primaryCost() float64 {
	if len(s.config.Providers) == 0 {
		return 0
	}
	return s.costOf(s.config.Providers[0].ProviderName())
}

// Search returns cached results for query at loc, calling providers only on a
// miss. Concurrent misses for the same key share one provider call. Provider
// failures are returned and nothing is cached.
func (s *Service) Search(ctx context.Context, query string, loc Location) (SearchResult, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < s.minQueryLength() {
		if query == "" {
			return SearchResult{}, ErrEmptyQuery
		}
		return SearchResult{}, fmt.Errorf("%w: minimum %d characters", ErrQueryTooShort, s.minQueryLength())
	}

	hit, err := s.engine.Lookup(ctx, query, loc)
	if err != nil {
		return SearchResult{}, err
	}
	if hit.Found {
		metrics.CostSavedUSD.Add(s.primaryCost())
		return SearchResult{Results: hit.Results, Source: hit.Source, MatchedQuery: hit.MatchedQuery}, nil
	}

	// The shared fetch keeps the first caller's values but not its
	// cancellation; each caller stops waiting when its own ctx ends.
	key := store.NewKey(query, loc.Lat, loc.Lng).String()
	leader := false
	ch := s.group.DoChan(key, func() (any, error) {
		leader = true
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fctx, query, loc)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return SearchResult{}, ctx.Err()
	}
	if r.Err != nil {
		return SearchResult{}, r.Err
	}
	res := r.Val.(SearchResult)
	if !leader {
		// Only the leader paid for the call.
		metrics.CostSavedUSD.Add(s.costOf(res.Provider))
	}
	return res, nil
}

func (s *Service) fetch(ctx context.Context, query string, loc Location) (SearchResult, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.RateLimitRejections.WithLabelValues("global").Inc()
		return SearchResult{}, ErrRateLimited
	}

	strategy, err := s.getStrategy()
	if err != nil {
		return SearchResult{}, err
	}

	req := providers.SearchRequest{
		Query:        query,
		Origin:       providers.LatLng{Lat: loc.Lat, Lng: loc.Lng},
		RadiusMeters: s.config.Search.RadiusMeters,
		MaxResults:   s.config.Search.MaxResults,
		Language:     s.config.Search.Language,
	}
	out, err := strategy.Execute(ctx, req)
	if err != nil {
		logging.With(s.logger, ctx).Warn("place search failed", "query", query, "error", err)
		return SearchResult{}, err
	}

	if err := s.engine.Store(ctx, query, loc, out.Places); err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Results: out.Places, Source: SourceProvider, Provider: out.Provider}, nil
}

// getStrategy lazily builds the strategy from config and registered providers.
func (s *Service) getStrategy() (strategies.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy != nil {
		return s.strategy, nil
	}

	names := s.providers.List()
	if len(names) == 0 {
		return nil, ErrNoProviders
	}

	lookup := func(name string) (providers.Provider, bool) {
		p, ok := s.providers.Get(name)
		if !ok {
			return nil, false
		}
		return &guardedProvider{
			Provider: p,
			name:     name,
			cb:       s.breakers[name],
			pacer:    s.pacers[name],
			cost:     s.costOf(name),
			usage:    s.usage,
			logger:   s.logger,
		}, true
	}

	// Targets follow config order; providers registered without config are
	// appended by name.
	var targets []strategies.Target
	seen := make(map[string]bool)
	for _, pc := range s.config.Providers {
		target := strategies.Target{Name: pc.ProviderName(), Weight: pc.Weight}
		if pc.Retry != nil {
			target.Attempts = pc.Retry.Attempts
			if d, err := time.ParseDuration(pc.Retry.InitialBackoff); err == nil {
				target.BaseDelay = d
			}
		}
		targets = append(targets, target)
		seen[pc.ProviderName()] = true
	}
	for _, name := range names {
		if !seen[name] {
			targets = append(targets, strategies.Target{Name: name})
		}
	}

	var st strategies.Strategy
	switch s.config.Strategy.Mode {
	case ModeSingle, "":
		st = strategies.NewSingle(targets[0], lookup)
	case ModeFallback:
		st = strategies.NewFallback(targets, lookup)
	case ModeLoadBalance:
		st = strategies.NewLoadBalance(targets, lookup)
	case ModeConditional:
		if len(s.config.Strategy.Conditions) == 0 {
			return nil, fmt.Errorf("no conditions configured for conditional strategy")
		}
		var rules []strategies.ConditionRule
		for _, cond := range s.config.Strategy.Conditions {
			rules = append(rules, strategies.ConditionRule{
				Key:    cond.Key,
				Value:  cond.Value,
				Target: strategies.Target{Name: cond.Target},
			})
		}
		st = strategies.NewConditional(rules, targets[0], lookup)
	default:
		return nil, fmt.Errorf("unknown strategy mode: %s", s.config.Strategy.Mode)
	}

	s.strategy = st
	return st, nil
}

// guardedProvider wraps a provider with its circuit breaker, pacing limiter,
// metrics and usage logging.
type guardedProvider struct {
	providers.Provider
	name   string
	cb     *circuitbreaker.CircuitBreaker
	pacer  *ratelimit.Limiter
	cost   float64
	usage  usagelog.Writer
	logger *slog.Logger
}

func (p *guardedProvider) Name() string { return p.name }

func (p *guardedProvider) Search(ctx context.Context, req providers.SearchRequest) ([]providers.Place, error) {
	if p.pacer != nil && !p.pacer.Allow() {
		metrics.RateLimitRejections.WithLabelValues("provider").Inc()
		return nil, &providers.Error{Provider: p.name, Kind: providers.KindRateLimited, Message: "local pacing limit reached"}
	}

	var places []providers.Place
	call := func() error {
		var err error
		places, err = p.Provider.Search(ctx, req)
		return err
	}

	start := time.Now()
	var err error
	if p.cb != nil {
		err = p.cb.Do(call)
	} else {
		err = call()
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("provider %s: %w", p.name, err)
	}
	elapsed := time.Since(start)

	metrics.ProviderDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())
	entry := usagelog.Entry{
		TraceID:    logging.TraceIDFromContext(ctx),
		Provider:   p.name,
		Query:      req.Query,
		Lat:        req.Origin.Lat,
		Lng:        req.Origin.Lng,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(p.name, usagelog.StatusError).Inc()
		entry.Status = usagelog.StatusError
		entry.ErrorMessage = err.Error()
	} else {
		metrics.ProviderRequests.WithLabelValues(p.name, usagelog.StatusSuccess).Inc()
		metrics.ProviderCostUSD.WithLabelValues(p.name).Add(p.cost)
		entry.Status = usagelog.StatusSuccess
		entry.Results = len(places)
		entry.CostUSD = p.cost
	}
	if werr := p.usage.Write(context.WithoutCancel(ctx), entry); werr != nil {
		logging.With(p.logger, ctx).Warn("usage log write failed", "provider", p.name, "error", werr)
	}
	return places, err
}

// Package placecache is a two-tier, similarity-aware cache for place search
// results. An Engine answers lookups from a short-lived Fast tier, then a
// longer-lived Durable tier, then by reusing the results of a previously
// cached query the incoming one refines. A Service puts the engine in front
// of paid place search providers.
package placecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/metrics"
	"github.com/ferro-labs/placecache/store"
)

// Default freshness windows.
const (
	DefaultFastWindow    = 5 * time.Minute
	DefaultDurableWindow = 15 * time.Minute
)

// Input validation errors.
var (
	ErrEmptyQuery      = errors.New("query must not be empty")
	ErrInvalidLocation = errors.New("location coordinates must be finite")
)

// Source identifies which step of a lookup produced the results.
type Source string

// Lookup sources. SourceProvider is only produced by Service.
const (
	SourceNone     Source = "none"
	SourceFast     Source = "fast"
	SourceDurable  Source = "durable"
	SourceSimilar  Source = "similar"
	SourceProvider Source = "provider"
)

// Location is a search origin.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l Location) valid() bool {
	return !math.IsNaN(l.Lat) && !math.IsInf(l.Lat, 0) &&
		!math.IsNaN(l.Lng) && !math.IsInf(l.Lng, 0)
}

// LookupResult is the outcome of Engine.Lookup. Found is false on a clean
// miss. MatchedQuery is the stored query that served a similarity hit.
type LookupResult[T any] struct {
	Results      []T
	Found        bool
	Source       Source
	StoredAt     time.Time
	MatchedQuery string
}

// Stats is a point-in-time summary of the cache. Oldest and Newest are nil
// when the durable tier is empty. Degraded is set when the durable tier could
// not be read.
type Stats struct {
	DurableEntries int            `json:"durable_entries"`
	FastEntries    int            `json:"fast_entries"`
	ApproxBytes    int            `json:"approx_bytes"`
	Oldest         *time.Time     `json:"oldest,omitempty"`
	Newest         *time.Time     `json:"newest,omitempty"`
	Lookups        map[Source]int `json:"lookups"`
	Degraded       bool           `json:"degraded,omitempty"`
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	fastWindow      time.Duration
	durableWindow   time.Duration
	now             func() time.Time
	logger          *slog.Logger
	sameLocationSim bool
}

// WithFastWindow sets the Fast tier freshness window.
func WithFastWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fastWindow = d
		}
	}
}

// WithDurableWindow sets the Durable tier freshness window.
func WithDurableWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.durableWindow = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used for tier failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSameLocationSimilarity restricts similarity matches to entries stored
// for exactly the same coordinates.
func WithSameLocationSimilarity() Option {
	return func(o *options) { o.sameLocationSim = true }
}

// Engine is the two-tier search cache. It is safe for concurrent use.
type Engine[T any] struct {
	fast    store.Store[T]
	durable store.Store[T]
	opts    options

	// mu serialises Clear against Lookup and Store; the tiers synchronise
	// themselves.
	mu sync.RWMutex

	fastHits    atomic.Int64
	durableHits atomic.Int64
	similarHits atomic.Int64
	misses      atomic.Int64
}

// NewEngine builds an Engine over the given tiers.
func NewEngine[T any](fast, durable store.Store[T], opts ...Option) *Engine[T] {
	o := options{
		fastWindow:    DefaultFastWindow,
		durableWindow: DefaultDurableWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Logger
	}
	return &Engine[T]{fast: fast, durable: durable, opts: o}
}

// FastWindow returns the configured Fast tier freshness window.
func (e *Engine[T]) FastWindow() time.Duration { return e.opts.fastWindow }

// DurableWindow returns the configured Durable tier freshness window.
func (e *Engine[T]) DurableWindow() time.Duration { return e.opts.durableWindow }

func (e *Engine[T]) key(query string, loc Location) (store.Key, error) {
	k := store.NewKey(query, loc.Lat, loc.Lng)
	if k.Query == "" {
		return store.Key{}, ErrEmptyQuery
	}
	if !loc.valid() {
		return store.Key{}, ErrInvalidLocation
	}
	return k, nil
}

// Lookup returns cached results for query at loc without calling any
// provider. A miss is reported with Found=false and a nil error.
func (e *Engine[T]) Lookup(ctx context.Context, query string, loc Location) (LookupResult[T], error) {
	key, err := e.key(query, loc)
	if err != nil {
		return LookupResult[T]{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	log := logging.With(e.opts.logger, ctx)
	now := e.opts.now()

	if entry, ok, err := e.fast.Get(ctx, key); err != nil {
		log.Warn("fast tier get failed", "key", key.String(), "error", err)
	} else if ok && entry.Age(now) < e.opts.fastWindow {
		return e.hit(SourceFast, entry, ""), nil
	}

	entry, ok, err := e.durable.Get(ctx, key)
	if err != nil {
		metrics.DurableErrors.WithLabelValues("get").Inc()
		log.Warn("durable tier get failed, treating as miss", "key", key.String(), "error", err)
		ok = false
	}
	if ok && entry.Age(now) < e.opts.durableWindow {
		if err := e.fast.Set(ctx, key, entry); err != nil {
			log.Warn("fast tier repopulate failed", "key", key.String(), "error", err)
		}
		return e.hit(SourceDurable, entry, ""), nil
	}

	if rec, ok := e.similar(ctx, log, key); ok {
		return e.hit(SourceSimilar, rec.Entry, rec.Key.Query), nil
	}

	e.misses.Add(1)
	metrics.Lookups.WithLabelValues(string(SourceNone)).Inc()
	return LookupResult[T]{Source: SourceNone}, nil
}

// similar scans the durable tier for an entry whose query the incoming one
// refines. Freshness is deliberately not checked here.
func (e *Engine[T]) similar(ctx context.Context, log *slog.Logger, key store.Key) (store.Record[T], bool) {
	records, err := e.durable.Entries(ctx)
	if err != nil {
		metrics.DurableErrors.WithLabelValues("scan").Inc()
		log.Warn("durable tier scan failed, skipping similarity match", "error", err)
		return store.Record[T]{}, false
	}
	sortRecords(records)
	for _, rec := range records {
		if e.opts.sameLocationSim && !rec.Key.SameLocation(key) {
			continue
		}
		if IsSimilar(key.Query, rec.Key.Query) {
			return rec, true
		}
	}
	return store.Record[T]{}, false
}

// sortRecords orders records newest first, then by key for a stable result.
func sortRecords[T any](records []store.Record[T]) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Entry.StoredAt.Equal(b.Entry.StoredAt) {
			return a.Entry.StoredAt.After(b.Entry.StoredAt)
		}
		return a.Key.String() < b.Key.String()
	})
}

func (e *Engine[T]) hit(src Source, entry store.Entry[T], matched string) LookupResult[T] {
	switch src {
	case SourceFast:
		e.fastHits.Add(1)
	case SourceDurable:
		e.durableHits.Add(1)
	case SourceSimilar:
		e.similarHits.Add(1)
	}
	metrics.Lookups.WithLabelValues(string(src)).Inc()
	return LookupResult[T]{
		Results:      slices.Clone(entry.Results),
		Found:        true,
		Source:       src,
		StoredAt:     entry.StoredAt,
		MatchedQuery: matched,
	}
}

// Store records results for query at loc in both tiers, stamped with the
// current time. A durable tier failure is logged and does not undo the Fast
// tier write; only invalid input is returned as an error.
func (e *Engine[T]) Store(ctx context.Context, query string, loc Location, results []T) error {
	key, err := e.key(query, loc)
	if err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	log := logging.With(e.opts.logger, ctx)
	entry := store.Entry[T]{
		Results:  append([]T(nil), results...),
		StoredAt: store.Millis(e.opts.now()),
	}

	if err := e.fast.Set(ctx, key, entry); err != nil {
		log.Warn("fast tier set failed", "key", key.String(), "error", err)
	}
	if err := e.durable.Set(ctx, key, entry); err != nil {
		metrics.DurableErrors.WithLabelValues("set").Inc()
		log.Error("durable tier set failed", "key", key.String(), "error", err)
	}
	metrics.Stores.Inc()
	return nil
}

// Clear empties both tiers. Calling it repeatedly is harmless.
func (e *Engine[T]) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.fast.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear fast tier: %w", err))
	}
	if err := e.durable.Clear(ctx); err != nil {
		metrics.DurableErrors.WithLabelValues("clear").Inc()
		errs = append(errs, fmt.Errorf("clear durable tier: %w", err))
	}
	return errors.Join(errs...)
}

// Stats summarises the cache. It never fails; when the durable tier cannot be
// read the durable fields are zero and Degraded is set.
func (e *Engine[T]) Stats(ctx context.Context) Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{
		Lookups: map[Source]int{
			SourceFast:    int(e.fastHits.Load()),
			SourceDurable: int(e.durableHits.Load()),
			SourceSimilar: int(e.similarHits.Load()),
			SourceNone:    int(e.misses.Load()),
		},
	}
	if n, err := e.fast.Len(ctx); err == nil {
		st.FastEntries = n
	}

	records, err := e.durable.Entries(ctx)
	if err != nil {
		metrics.DurableErrors.WithLabelValues("scan").Inc()
		logging.With(e.opts.logger, ctx).Warn("durable tier stats failed", "error", err)
		st.Degraded = true
		return st
	}
	st.DurableEntries = len(records)
	for _, rec := range records {
		st.ApproxBytes += recordSize(rec)
		at := rec.Entry.StoredAt
		if st.Oldest == nil || at.Before(*st.Oldest) {
			st.Oldest = &at
		}
		if st.Newest == nil || at.After(*st.Newest) {
			st.Newest = &at
		}
	}
	return st
}

// recordSize is the encoded payload size when known, else a rough estimate
// from the key alone.
func recordSize[T any](rec store.Record[T]) int {
	if rec.Bytes > 0 {
		return rec.Bytes + len(rec.Key.String())
	}
	return len(rec.Key.String()) + 16*len(rec.Entry.Results)
}

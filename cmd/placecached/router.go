package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/internal/admin"
	"github.com/ferro-labs/placecache/internal/circuitbreaker"
	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/metrics"
	"github.com/ferro-labs/placecache/internal/ratelimit"
	"github.com/ferro-labs/placecache/internal/version"
	"github.com/ferro-labs/placecache/providers"
)

// Searcher answers place searches.
type Searcher interface {
	Search(ctx context.Context, query string, loc placecache.Location) (placecache.SearchResult, error)
	Providers() []string
}

type routerConfig struct {
	Service     Searcher
	Admin       *admin.Handlers
	Tokens      *admin.TokenStore
	Clients     *ratelimit.Store
	CORSOrigins []string
}

// newRouter builds the HTTP router.
func newRouter(cfg routerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"version":   version.Get(),
			"providers": cfg.Service.Providers(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	search := http.Handler(searchHandler(cfg.Service))
	if cfg.Clients != nil {
		search = ratelimit.Middleware(cfg.Clients, rejectClient)(search)
	}
	r.Method(http.MethodGet, "/v1/places/search", search)

	if cfg.Admin != nil && cfg.Tokens != nil && cfg.Tokens.Len() > 0 {
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.AuthMiddleware(cfg.Tokens))
			r.Mount("/", cfg.Admin.Routes())
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func rejectClient(w http.ResponseWriter, _ *http.Request) {
	metrics.RateLimitRejections.WithLabelValues("client").Inc()
	admin.WriteError(w, http.StatusTooManyRequests, "too many requests", "rate_limit_error", "client_rate_limited")
}

// accessLog logs one line per request with the request's trace ID.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context()).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func parseCoord(r *http.Request, name string) (float64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, err == nil
}

func searchHandler(svc Searcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lat, okLat := parseCoord(r, "lat")
		lng, okLng := parseCoord(r, "lng")
		if !okLat || !okLng {
			admin.WriteError(w, http.StatusBadRequest, "lat and lng are required numbers", "invalid_request_error", "invalid_location")
			return
		}

		res, err := svc.Search(r.Context(), r.URL.Query().Get("q"), placecache.Location{Lat: lat, Lng: lng})
		if err != nil {
			writeSearchError(w, r, err)
			return
		}
		if res.Results == nil {
			res.Results = []providers.Place{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// writeSearchError maps a Search error onto an HTTP status and error body.
func writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType, code := http.StatusBadGateway, "provider_error", "provider_error"
	switch {
	case errors.Is(err, placecache.ErrEmptyQuery):
		status, errType, code = http.StatusBadRequest, "invalid_request_error", "empty_query"
	case errors.Is(err, placecache.ErrQueryTooShort):
		status, errType, code = http.StatusBadRequest, "invalid_request_error", "query_too_short"
	case errors.Is(err, placecache.ErrInvalidLocation):
		status, errType, code = http.StatusBadRequest, "invalid_request_error", "invalid_location"
	case errors.Is(err, placecache.ErrRateLimited), providers.KindOf(err) == providers.KindRateLimited:
		status, errType, code = http.StatusTooManyRequests, "rate_limit_error", "upstream_rate_limited"
	case errors.Is(err, placecache.ErrNoProviders):
		status, errType, code = http.StatusServiceUnavailable, "server_error", "no_providers"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		code = "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Warn("search failed", "status", status, "error", err)
	}
	admin.WriteError(w, status, err.Error(), errType, code)
}

// Package admin provides HTTP handlers for the cache administration API.
// Routes expose cache statistics, clearing and pruning, and the provider
// usage log. All admin routes are protected by bearer-token authentication
// via AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/internal/usagelog"
)

// CacheManager is the subset of the search service the admin API operates on.
type CacheManager interface {
	Stats(ctx context.Context) placecache.Stats
	Clear(ctx context.Context) error
	Providers() []string
}

// PruneFunc deletes Durable entries stored before cutoff. ok is false when
// the backend cannot prune.
type PruneFunc func(ctx context.Context, cutoff time.Time) (n int, ok bool, err error)

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Cache    CacheManager
	Prune    PruneFunc
	Usage    usagelog.Reader
	UsageLog usagelog.Maintainer

	now func() time.Time
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/cache/stats", h.cacheStats)
		r.Get("/providers", h.listProviders)
		r.Get("/usage", h.listUsage)
		r.Get("/usage/summary", h.usageSummary)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Delete("/cache", h.clearCache)
		r.Post("/cache/prune", h.pruneCache)
		r.Delete("/usage", h.deleteUsage)
	})

	return r
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Cache.Stats(r.Context()))
}

func (h *Handlers) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Cache.Clear(r.Context()); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to clear cache: "+err.Error(), "server_error", "internal_error")
		return
	}
	writeJSON(w, map[string]interface{}{"cleared": true})
}

// pruneCache accepts either before (RFC3339) or older_than (a Go duration).
func (h *Handlers) pruneCache(w http.ResponseWriter, r *http.Request) {
	if h.Prune == nil {
		WriteError(w, http.StatusNotImplemented, "pruning is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	var cutoff time.Time
	q := r.URL.Query()
	switch {
	case q.Get("before") != "":
		parsed, err := time.Parse(time.RFC3339, q.Get("before"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid before: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		cutoff = parsed
	case q.Get("older_than") != "":
		d, err := time.ParseDuration(q.Get("older_than"))
		if err != nil || d <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid older_than: must be a positive duration", "invalid_request_error", "invalid_request")
			return
		}
		cutoff = h.clock().Add(-d)
	default:
		WriteError(w, http.StatusBadRequest, "before or older_than is required", "invalid_request_error", "invalid_request")
		return
	}

	n, ok, err := h.Prune(r.Context(), cutoff)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to prune cache", "server_error", "internal_error")
		return
	}
	if !ok {
		WriteError(w, http.StatusNotImplemented, "durable backend does not support pruning", "not_implemented_error", "not_implemented")
		return
	}
	writeJSON(w, map[string]interface{}{
		"pruned": n,
		"before": cutoff.UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) listProviders(w http.ResponseWriter, _ *http.Request) {
	names := h.Cache.Providers()
	writeJSON(w, map[string]interface{}{
		"object": "list",
		"data":   names,
		"total":  len(names),
	})
}

func parseSince(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return nil, false
	}
	return &parsed, true
}

func (h *Handlers) listUsage(w http.ResponseWriter, r *http.Request) {
	if h.Usage == nil {
		WriteError(w, http.StatusNotImplemented, "usage log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}

	since, ok := parseSince(w, r)
	if !ok {
		return
	}

	query := usagelog.Query{
		Limit:    limit,
		Offset:   offset,
		Provider: r.URL.Query().Get("provider"),
		Status:   r.URL.Query().Get("status"),
		Since:    since,
	}
	result, err := h.Usage.List(r.Context(), query)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list usage log", "server_error", "internal_error")
		return
	}

	writeJSON(w, map[string]interface{}{
		"data": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
		"filters": map[string]interface{}{
			"limit":    limit,
			"offset":   offset,
			"provider": query.Provider,
			"status":   query.Status,
			"since":    r.URL.Query().Get("since"),
		},
	})
}

func (h *Handlers) usageSummary(w http.ResponseWriter, r *http.Request) {
	if h.Usage == nil {
		WriteError(w, http.StatusNotImplemented, "usage log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	rows, err := h.Usage.Summary(r.Context(), since)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to summarize usage log", "server_error", "internal_error")
		return
	}

	var calls, errs int
	var cost float64
	for _, row := range rows {
		calls += row.Calls
		errs += row.Errors
		cost += row.CostUSD
	}
	if rows == nil {
		rows = []usagelog.ProviderUsage{}
	}
	writeJSON(w, map[string]interface{}{
		"providers": rows,
		"totals": map[string]interface{}{
			"calls":    calls,
			"errors":   errs,
			"cost_usd": cost,
		},
	})
}

func (h *Handlers) deleteUsage(w http.ResponseWriter, r *http.Request) {
	if h.UsageLog == nil {
		WriteError(w, http.StatusNotImplemented, "usage log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	beforeRaw := r.URL.Query().Get("before")
	if beforeRaw == "" {
		WriteError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}
	before, err := time.Parse(time.RFC3339, beforeRaw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid before: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}

	deleted, err := h.UsageLog.Delete(r.Context(), usagelog.MaintenanceQuery{Before: &before})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to delete usage log entries", "server_error", "internal_error")
		return
	}
	writeJSON(w, map[string]interface{}{
		"deleted": deleted,
		"filters": map[string]interface{}{"before": beforeRaw},
	})
}

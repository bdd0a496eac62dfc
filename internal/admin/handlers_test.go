package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/internal/usagelog"
)

type fakeCache struct {
	stats    placecache.Stats
	clearErr error
	cleared  int
}

func (f *fakeCache) Stats(context.Context) placecache.Stats { return f.stats }

func (f *fakeCache) Clear(context.Context) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

func (f *fakeCache) Providers() []string { return []string{"google_places", "nominatim"} }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, h *Handlers) *httptest.Server {
	t.Helper()
	h.now = func() time.Time { return fixedNow }
	tokens := NewTokenStore()
	tokens.Add("ops", "admin-token", ScopeAdmin)
	tokens.Add("viewer", "ro-token", ScopeReadOnly)

	r := chi.NewRouter()
	r.With(AuthMiddleware(tokens)).Mount("/admin", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func newUsageLog(t *testing.T) *usagelog.SQLWriter {
	t.Helper()
	w, err := usagelog.NewSQLiteWriter(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open usage log: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestCacheStats(t *testing.T) {
	cache := &fakeCache{stats: placecache.Stats{
		DurableEntries: 3,
		FastEntries:    2,
		Lookups:        map[placecache.Source]int{placecache.SourceFast: 5},
	}}
	srv := newTestServer(t, &Handlers{Cache: cache})

	resp, body := do(t, http.MethodGet, srv.URL+"/admin/cache/stats", "ro-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["durable_entries"] != float64(3) || body["fast_entries"] != float64(2) {
		t.Errorf("unexpected stats body: %v", body)
	}
	lookups, _ := body["lookups"].(map[string]any)
	if lookups["fast"] != float64(5) {
		t.Errorf("lookups = %v", lookups)
	}
}

func TestClearCache_RequiresAdmin(t *testing.T) {
	cache := &fakeCache{}
	srv := newTestServer(t, &Handlers{Cache: cache})

	resp, _ := do(t, http.MethodDelete, srv.URL+"/admin/cache", "ro-token")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("read-only clear status = %d, want 403", resp.StatusCode)
	}
	if cache.cleared != 0 {
		t.Fatal("cache must not be cleared by a read-only token")
	}

	resp, body := do(t, http.MethodDelete, srv.URL+"/admin/cache", "admin-token")
	if resp.StatusCode != http.StatusOK || body["cleared"] != true {
		t.Fatalf("clear: status=%d body=%v", resp.StatusCode, body)
	}
	if cache.cleared != 1 {
		t.Errorf("cleared = %d, want 1", cache.cleared)
	}
}

func TestClearCache_Error(t *testing.T) {
	srv := newTestServer(t, &Handlers{Cache: &fakeCache{clearErr: errors.New("redis down")}})
	resp, body := do(t, http.MethodDelete, srv.URL+"/admin/cache", "admin-token")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("expected error body, got %v", body)
	}
}

func TestPruneCache(t *testing.T) {
	var gotCutoff time.Time
	h := &Handlers{
		Cache: &fakeCache{},
		Prune: func(_ context.Context, cutoff time.Time) (int, bool, error) {
			gotCutoff = cutoff
			return 4, true, nil
		},
	}
	srv := newTestServer(t, h)

	resp, body := do(t, http.MethodPost, srv.URL+"/admin/cache/prune?older_than=24h", "admin-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%v", resp.StatusCode, body)
	}
	if body["pruned"] != float64(4) {
		t.Errorf("pruned = %v", body["pruned"])
	}
	if !gotCutoff.Equal(fixedNow.Add(-24 * time.Hour)) {
		t.Errorf("cutoff = %s", gotCutoff)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/admin/cache/prune?before=2026-02-01T00:00:00Z", "admin-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("before status = %d", resp.StatusCode)
	}
	if !gotCutoff.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cutoff = %s", gotCutoff)
	}

	for _, q := range []string{"", "?older_than=-1h", "?before=yesterday"} {
		resp, _ := do(t, http.MethodPost, srv.URL+"/admin/cache/prune"+q, "admin-token")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("prune%s status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestPruneCache_Unsupported(t *testing.T) {
	h := &Handlers{
		Cache: &fakeCache{},
		Prune: func(context.Context, time.Time) (int, bool, error) { return 0, false, nil },
	}
	srv := newTestServer(t, h)
	resp, _ := do(t, http.MethodPost, srv.URL+"/admin/cache/prune?older_than=1h", "admin-token")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestListProviders(t *testing.T) {
	srv := newTestServer(t, &Handlers{Cache: &fakeCache{}})
	resp, body := do(t, http.MethodGet, srv.URL+"/admin/providers", "ro-token")
	if resp.StatusCode != http.StatusOK || body["total"] != float64(2) {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestUsage_NotEnabled(t *testing.T) {
	srv := newTestServer(t, &Handlers{Cache: &fakeCache{}})
	for _, path := range []string{"/admin/usage", "/admin/usage/summary"} {
		resp, _ := do(t, http.MethodGet, srv.URL+path, "ro-token")
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", path, resp.StatusCode)
		}
	}
	resp, _ := do(t, http.MethodDelete, srv.URL+"/admin/usage?before=2026-01-01T00:00:00Z", "admin-token")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("delete status = %d, want 501", resp.StatusCode)
	}
}

func TestUsage_ListSummaryDelete(t *testing.T) {
	w := newUsageLog(t)
	ctx := context.Background()
	entries := []usagelog.Entry{
		{Provider: "google_places", Query: "Coffee", Status: usagelog.StatusSuccess, Results: 3, CostUSD: 0.032, CreatedAt: fixedNow.Add(-2 * time.Hour)},
		{Provider: "google_places", Query: "Tea", Status: usagelog.StatusError, ErrorMessage: "503", CreatedAt: fixedNow.Add(-time.Hour)},
		{Provider: "nominatim", Query: "Thai food", Status: usagelog.StatusSuccess, Results: 1, CreatedAt: fixedNow},
	}
	for _, e := range entries {
		if err := w.Write(ctx, e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	srv := newTestServer(t, &Handlers{Cache: &fakeCache{}, Usage: w, UsageLog: w})

	resp, body := do(t, http.MethodGet, srv.URL+"/admin/usage?provider=google_places&limit=1", "ro-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	summary := body["summary"].(map[string]any)
	if summary["total_entries"] != float64(2) || summary["returned_entries"] != float64(1) {
		t.Errorf("list summary = %v", summary)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/admin/usage/summary", "ro-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	totals := body["totals"].(map[string]any)
	if totals["calls"] != float64(3) || totals["errors"] != float64(1) {
		t.Errorf("totals = %v", totals)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/admin/usage?limit=zero", "ro-token")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/admin/usage?before=2026-03-01T11:30:00Z", "ro-token")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read-only delete status = %d, want 403", resp.StatusCode)
	}
	resp, body = do(t, http.MethodDelete, srv.URL+"/admin/usage?before=2026-03-01T11:30:00Z", "admin-token")
	if resp.StatusCode != http.StatusOK || body["deleted"] != float64(2) {
		t.Fatalf("delete: status=%d body=%v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/admin/usage", "admin-token")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("delete without before status = %d, want 400", resp.StatusCode)
	}
}

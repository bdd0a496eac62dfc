package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ferro-labs/placecache"
)

// nominatimServer answers every search with one place named after the query.
func nominatimServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `[{"osm_type":"node","osm_id":7,"lat":"13.7570","lon":"100.5020","name":%q,"display_name":"%s, Bangkok","category":"amenity","type":"cafe"}]`, q+" House", q)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`durable:
  backend: sqlite
  dsn: %s
providers:
  - name: osm
    type: nominatim
    user_agent: placecache-test
    base_url: %s
`, filepath.Join(dir, "cache.db"), baseURL)
	path := filepath.Join(dir, "placecache.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "http://localhost:1")

	out, err := execute(t, "", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"Config is valid.", "Strategy: single", "Durable:  sqlite", "osm (nominatim)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  - type: nominatim\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "", "validate", path); err == nil || !strings.Contains(err.Error(), "user_agent") {
		t.Fatalf("expected user_agent error, got %v", err)
	}
	if _, err := execute(t, "", "validate"); err == nil {
		t.Fatal("expected error without a file argument")
	}
}

func TestSearchStatsClear(t *testing.T) {
	srv, calls := nominatimServer(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)

	out, err := execute(t, "", "--config", cfg, "search", "Coffee", "--lat", "13.7563", "--lng", "100.5018")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "from provider (osm)") || !strings.Contains(out, "Coffee House") {
		t.Errorf("unexpected search output:\n%s", out)
	}

	// A new process has an empty Fast tier; the SQLite Durable tier answers.
	out, err = execute(t, "", "--config", cfg, "search", "Coffee", "--lat", "13.7563", "--lng", "100.5018", "--json")
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	var res placecache.SearchResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode json output: %v\n%s", err, out)
	}
	if res.Source != placecache.SourceDurable {
		t.Errorf("source = %s, want durable", res.Source)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}

	out, err = execute(t, "", "--config", cfg, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats placecache.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v\n%s", err, out)
	}
	if stats.DurableEntries != 1 {
		t.Errorf("durable entries = %d, want 1", stats.DurableEntries)
	}

	if out, err = execute(t, "", "--config", cfg, "clear"); err != nil || !strings.Contains(out, "Cache cleared.") {
		t.Fatalf("clear: %v\n%s", err, out)
	}
	out, _ = execute(t, "", "--config", cfg, "stats")
	stats = placecache.Stats{}
	_ = json.Unmarshal([]byte(out), &stats)
	if stats.DurableEntries != 0 {
		t.Errorf("durable entries after clear = %d", stats.DurableEntries)
	}
}

func TestSearch_RequiresLocation(t *testing.T) {
	if _, err := execute(t, "", "search", "Coffee"); err == nil {
		t.Fatal("expected error without --lat/--lng")
	}
}

func TestSearch_ShortQuery(t *testing.T) {
	srv, calls := nominatimServer(t)
	cfg := writeConfig(t, t.TempDir(), srv.URL)
	_, err := execute(t, "", "--config", cfg, "search", "Co", "--lat", "1", "--lng", "2")
	if err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("expected query too short error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("short query must not reach the provider")
	}
}

func TestPrune(t *testing.T) {
	srv, _ := nominatimServer(t)
	cfg := writeConfig(t, t.TempDir(), srv.URL)
	if _, err := execute(t, "", "--config", cfg, "search", "Coffee", "--lat", "1", "--lng", "2"); err != nil {
		t.Fatalf("search: %v", err)
	}

	out, err := execute(t, "", "--config", cfg, "prune", "--older-than", "1h")
	if err != nil || !strings.Contains(out, "Pruned 0 entries.") {
		t.Fatalf("prune 1h: %v\n%s", err, out)
	}
	if _, err := execute(t, "", "--config", cfg, "prune", "--older-than", "0s"); err == nil {
		t.Fatal("expected error for non-positive --older-than")
	}
}

func TestInteractive_DebouncesInput(t *testing.T) {
	srv, calls := nominatimServer(t)
	cfg := writeConfig(t, t.TempDir(), srv.URL)

	stdin := "Co\nCof\nCoff\nCoffe\nCoffee\n"
	out, err := execute(t, stdin, "--config", cfg, "interactive", "--lat", "13.7563", "--lng", "100.5018", "--delay", "1s")
	if err != nil {
		t.Fatalf("interactive: %v", err)
	}
	if !strings.Contains(out, `"Coffee": 1 result(s) from provider`) {
		t.Errorf("unexpected interactive output:\n%s", out)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestToken(t *testing.T) {
	out, err := execute(t, "", "token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "pc-") {
		t.Errorf("unexpected token %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "placecache ") || !strings.Contains(out, "go: ") {
		t.Errorf("unexpected version output:\n%s", out)
	}
}

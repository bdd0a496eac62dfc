package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/usagelog"
	"github.com/ferro-labs/placecache/providers"
	"github.com/ferro-labs/placecache/store"
	"github.com/ferro-labs/placecache/store/sqlstore"
)

var bangkok = placecache.Location{Lat: 13.7563, Lng: 100.5018}

func TestOpenDurable_DefaultsToMemory(t *testing.T) {
	s, closer, err := OpenDurable(context.Background(), placecache.DurableConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = closer.Close() }()
	if _, ok := s.(*store.Memory[providers.Place]); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}

func TestOpenDurable_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	s, closer, err := OpenDurable(context.Background(), placecache.DurableConfig{
		Backend: placecache.BackendSQLite,
		DSN:     dsn,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = closer.Close() }()
	if _, ok := s.(*sqlstore.Store[providers.Place]); !ok {
		t.Fatalf("expected sqlite store, got %T", s)
	}
}

func TestOpenDurable_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  placecache.DurableConfig
	}{
		{"unknown backend", placecache.DurableConfig{Backend: "etcd"}},
		{"postgres without dsn", placecache.DurableConfig{Backend: placecache.BackendPostgres}},
		{"redis without section", placecache.DurableConfig{Backend: placecache.BackendRedis}},
		{"dynamodb without section", placecache.DurableConfig{Backend: placecache.BackendDynamoDB}},
		{"bad redis ttl", placecache.DurableConfig{
			Backend: placecache.BackendRedis,
			Redis:   &placecache.RedisConfig{Address: "localhost:6379", TTL: "soon"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := OpenDurable(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOpenUsageLog(t *testing.T) {
	w, closer, err := OpenUsageLog(nil)
	if err != nil {
		t.Fatalf("open nil: %v", err)
	}
	if _, ok := w.(usagelog.NoopWriter); !ok {
		t.Errorf("expected noop writer, got %T", w)
	}
	_ = closer.Close()

	w, closer, err = OpenUsageLog(&placecache.UsageLogConfig{
		Backend: placecache.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "usage.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = closer.Close() }()
	if _, ok := w.(*usagelog.SQLWriter); !ok {
		t.Errorf("expected sql writer, got %T", w)
	}

	if _, _, err := OpenUsageLog(&placecache.UsageLogConfig{Backend: placecache.BackendRedis}); err == nil {
		t.Error("expected error for unsupported usage log backend")
	}
}

func TestOpenCache_AppliesWindows(t *testing.T) {
	cfg := &placecache.Config{
		Cache: placecache.CacheConfig{FastWindow: "1m", DurableWindow: "2h", FastCapacity: 10},
		Durable: placecache.DurableConfig{
			Backend: placecache.BackendSQLite,
			DSN:     filepath.Join(t.TempDir(), "cache.db"),
		},
	}
	c, err := OpenCache(context.Background(), cfg, placecache.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer func() { _ = c.Close() }()

	if c.Engine.FastWindow() != time.Minute || c.Engine.DurableWindow() != 2*time.Hour {
		t.Errorf("windows = %s/%s", c.Engine.FastWindow(), c.Engine.DurableWindow())
	}

	ctx := context.Background()
	if err := c.Engine.Store(ctx, "Coffee", bangkok, []providers.Place{{ID: "p1", Name: "Cafe"}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	res, err := c.Engine.Lookup(ctx, "Coffee", bangkok)
	if err != nil || !res.Found {
		t.Fatalf("lookup: found=%v err=%v", res.Found, err)
	}
	if n, _ := c.Durable.Len(ctx); n != 1 {
		t.Errorf("durable entries = %d, want 1", n)
	}
}

func TestOpenCache_PersistsAcrossRestart(t *testing.T) {
	cfg := &placecache.Config{Durable: placecache.DurableConfig{
		Backend: placecache.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "cache.db"),
	}}
	ctx := context.Background()

	c, err := OpenCache(ctx, cfg, placecache.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := c.Engine.Store(ctx, "Thai food", bangkok, []providers.Place{{ID: "p9"}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	_ = c.Close()

	c, err = OpenCache(ctx, cfg, placecache.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	defer func() { _ = c.Close() }()

	res, err := c.Engine.Lookup(ctx, "Thai food", bangkok)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !res.Found || res.Source != placecache.SourceDurable {
		t.Fatalf("expected durable hit after restart, got found=%v source=%s", res.Found, res.Source)
	}
}

func TestOpenCache_InvalidWindow(t *testing.T) {
	cfg := &placecache.Config{Cache: placecache.CacheConfig{FastWindow: "fast"}}
	if _, err := OpenCache(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid window")
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory[providers.Place](0)
	old := time.UnixMilli(1_700_000_000_000)
	_ = mem.Set(ctx, store.NewKey("Coffee", 1, 2), store.Entry[providers.Place]{StoredAt: old})
	_ = mem.Set(ctx, store.NewKey("Tea", 1, 2), store.Entry[providers.Place]{StoredAt: old.Add(time.Hour)})

	n, ok, err := Prune(ctx, mem, old.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("prune: ok=%v err=%v", ok, err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if l, _ := mem.Len(ctx); l != 1 {
		t.Errorf("remaining = %d, want 1", l)
	}
}

func TestLoadConfig_Default(t *testing.T) {
	cfg, err := LoadConfig("", func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].UserAgent != UserAgent() {
		t.Errorf("unexpected default providers: %+v", cfg.Providers)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("strategy:\n  mode: single\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path, nil); err == nil {
		t.Fatal("expected validation error for config without providers")
	}
}

func TestOpen_WiresServiceAndUsageLog(t *testing.T) {
	dir := t.TempDir()
	cfg := &placecache.Config{
		Durable:  placecache.DurableConfig{Backend: placecache.BackendSQLite, DSN: filepath.Join(dir, "cache.db")},
		UsageLog: &placecache.UsageLogConfig{Backend: placecache.BackendSQLite, DSN: filepath.Join(dir, "usage.db")},
		Providers: []placecache.ProviderConfig{
			{Type: placecache.ProviderNominatim, UserAgent: "placecache-test"},
		},
	}
	app, err := Open(context.Background(), cfg, nil, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = app.Close() }()

	if got := app.Service.Providers(); len(got) != 1 || got[0] != providers.NominatimName {
		t.Errorf("providers = %v", got)
	}
	reader, maintainer := app.UsageReader()
	if reader == nil || maintainer == nil {
		t.Error("expected usage reader and maintainer")
	}
	if _, ok, err := app.Prune(context.Background(), time.Now()); !ok || err != nil {
		t.Errorf("sqlite prune: ok=%v err=%v", ok, err)
	}
}

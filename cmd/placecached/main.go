package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ferro-labs/placecache/internal/admin"
	"github.com/ferro-labs/placecache/internal/backend"
	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/ratelimit"
	"github.com/ferro-labs/placecache/internal/version"
)

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("placecached exited", "error", err)
		os.Exit(1)
	}
}

func envFloat(key string, def float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
		logging.Logger.Warn("ignoring invalid number", "env", key, "value", raw)
	}
	return def
}

func run() error {
	log := logging.Logger

	cfgPath := os.Getenv("PLACECACHE_CONFIG")
	cfg, err := backend.LoadConfig(cfgPath, os.LookupEnv)
	if err != nil {
		return err
	}
	if cfgPath == "" {
		log.Info("no PLACECACHE_CONFIG set; using default config", "provider", cfg.Providers[0].ProviderName())
	} else {
		log.Info("config loaded", "path", cfgPath, "strategy", cfg.Strategy.Mode, "providers", len(cfg.Providers))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := backend.Open(ctx, cfg, os.LookupEnv, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("closing backends", "error", err)
		}
	}()

	tokens := admin.NewTokenStore()
	tokens.Add("admin", os.Getenv("ADMIN_TOKEN"), admin.ScopeAdmin)
	tokens.Add("read_only", os.Getenv("ADMIN_READONLY_TOKEN"), admin.ScopeReadOnly)
	if tokens.Len() == 0 {
		log.Warn("ADMIN_TOKEN not set; admin API disabled")
	}

	clients := ratelimit.NewStore(envFloat("CLIENT_RATE_LIMIT_RPS", 0), envFloat("CLIENT_RATE_LIMIT_BURST", 0))
	go sweep(ctx, clients)

	usage, usageAdmin := app.UsageReader()
	r := newRouter(routerConfig{
		Service: app.Service,
		Admin: &admin.Handlers{
			Cache:    app.Service,
			Prune:    app.Prune,
			Usage:    usage,
			UsageLog: usageAdmin,
		},
		Tokens:      tokens,
		Clients:     clients,
		CORSOrigins: parseOrigins(os.Getenv("CORS_ORIGINS")),
	})

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	go func() {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("placecached listening",
		"version", version.Short(),
		"addr", addr,
		"providers", app.Service.Providers(),
		"durable_backend", cfg.Durable.Backend,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("server stopped")
	return nil
}

// sweep drops idle per-client limiters until ctx ends.
func sweep(ctx context.Context, s *ratelimit.Store) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				logging.Logger.Debug("swept idle client limiters", "removed", n)
			}
		}
	}
}

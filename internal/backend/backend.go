// Package backend opens the storage configured for a place cache: the
// Durable tier of the engine and the provider usage log.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/internal/usagelog"
	"github.com/ferro-labs/placecache/internal/version"
	"github.com/ferro-labs/placecache/providers"
	"github.com/ferro-labs/placecache/store"
	"github.com/ferro-labs/placecache/store/dynamostore"
	"github.com/ferro-labs/placecache/store/redisstore"
	"github.com/ferro-labs/placecache/store/sqlstore"
)

// PlaceStore is a store of provider results.
type PlaceStore = store.Store[providers.Place]

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenDurable opens the Durable tier selected by cfg. The returned closer
// releases its connections. An empty backend selects the in-process store.
func OpenDurable(ctx context.Context, cfg placecache.DurableConfig) (PlaceStore, io.Closer, error) {
	switch cfg.Backend {
	case placecache.BackendMemory, "":
		return store.NewMemory[providers.Place](0), nopCloser{}, nil

	case placecache.BackendSQLite:
		s, err := sqlstore.NewSQLite[providers.Place](cfg.DSN, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case placecache.BackendPostgres:
		s, err := sqlstore.NewPostgres[providers.Place](cfg.DSN, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case placecache.BackendRedis:
		if cfg.Redis == nil {
			return nil, nil, errors.New("redis backend requires a redis section")
		}
		ttl, err := optionalDuration(cfg.Redis.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis ttl: %w", err)
		}
		client, err := redisstore.Connect(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		s := redisstore.New[providers.Place](client, redisstore.Options{Prefix: cfg.Redis.Prefix, TTL: ttl}, nil)
		return s, s, nil

	case placecache.BackendDynamoDB:
		if cfg.DynamoDB == nil {
			return nil, nil, errors.New("dynamodb backend requires a dynamodb section")
		}
		ttl, err := optionalDuration(cfg.DynamoDB.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("dynamodb ttl: %w", err)
		}
		client, err := dynamostore.NewClient(ctx, dynamostore.ClientConfig{
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.DynamoDB.CreateTable {
			if err := dynamostore.EnsureTable(ctx, client, cfg.DynamoDB.Table); err != nil {
				return nil, nil, err
			}
		}
		s := dynamostore.New[providers.Place](client, dynamostore.Options{Table: cfg.DynamoDB.Table, TTL: ttl}, nil)
		return s, nopCloser{}, nil

	default:
		return nil, nil, fmt.Errorf("unknown durable backend %q", cfg.Backend)
	}
}

// OpenUsageLog opens the usage log writer. A nil cfg disables logging.
func OpenUsageLog(cfg *placecache.UsageLogConfig) (usagelog.Writer, io.Closer, error) {
	if cfg == nil {
		return usagelog.NoopWriter{}, nopCloser{}, nil
	}
	var (
		w   *usagelog.SQLWriter
		err error
	)
	switch cfg.Backend {
	case placecache.BackendSQLite:
		w, err = usagelog.NewSQLiteWriter(cfg.DSN)
	case placecache.BackendPostgres:
		w, err = usagelog.NewPostgresWriter(cfg.DSN)
	default:
		return nil, nil, fmt.Errorf("unsupported usage log backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	return w, w, nil
}

// Cache bundles an engine with the resources it holds open.
type Cache struct {
	Engine  *placecache.Engine[providers.Place]
	Durable PlaceStore
	closers []io.Closer
}

// Close releases every backend connection.
func (c *Cache) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// OpenCache builds an engine from cfg: an in-process Fast tier and the
// configured Durable tier.
func OpenCache(ctx context.Context, cfg *placecache.Config, opts ...placecache.Option) (*Cache, error) {
	fastWindow, err := optionalDuration(cfg.Cache.FastWindow)
	if err != nil {
		return nil, fmt.Errorf("fast_window: %w", err)
	}
	durableWindow, err := optionalDuration(cfg.Cache.DurableWindow)
	if err != nil {
		return nil, fmt.Errorf("durable_window: %w", err)
	}

	durable, closer, err := OpenDurable(ctx, cfg.Durable)
	if err != nil {
		return nil, err
	}

	var engineOpts []placecache.Option
	if fastWindow > 0 {
		engineOpts = append(engineOpts, placecache.WithFastWindow(fastWindow))
	}
	if durableWindow > 0 {
		engineOpts = append(engineOpts, placecache.WithDurableWindow(durableWindow))
	}
	if cfg.Cache.SameLocationSimilarity {
		engineOpts = append(engineOpts, placecache.WithSameLocationSimilarity())
	}
	engineOpts = append(engineOpts, opts...)

	fast := store.NewMemory[providers.Place](cfg.Cache.FastCapacity)
	return &Cache{
		Engine:  placecache.NewEngine[providers.Place](fast, durable, engineOpts...),
		Durable: durable,
		closers: []io.Closer{closer},
	}, nil
}

// Prune deletes Durable entries stored before cutoff when the backend
// supports it. ok is false when it does not.
func Prune(ctx context.Context, s PlaceStore, cutoff time.Time) (n int, ok bool, err error) {
	p, ok := s.(store.Pruner)
	if !ok {
		return 0, false, nil
	}
	n, err = p.Prune(ctx, cutoff)
	return n, true, err
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// UserAgent identifies this build to providers that require it.
func UserAgent() string { return "placecache/" + version.Short() }

// LoadConfig reads and validates path, or builds the default config when
// path is empty.
func LoadConfig(path string, lookupEnv func(string) (string, bool)) (*placecache.Config, error) {
	if path == "" {
		cfg := placecache.DefaultConfig(lookupEnv, UserAgent())
		return &cfg, nil
	}
	cfg, err := placecache.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := placecache.ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// App is a ready search service with its backends.
type App struct {
	*Cache
	Service *placecache.Service
	Usage   usagelog.Writer
}

// Open builds the cache, usage log and search service for cfg and registers
// its providers. Close the App to release the backends.
func Open(ctx context.Context, cfg *placecache.Config, lookupEnv func(string) (string, bool), logger *slog.Logger) (*App, error) {
	cache, err := OpenCache(ctx, cfg, placecache.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	usage, closer, err := OpenUsageLog(cfg.UsageLog)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	cache.closers = append(cache.closers, closer)

	svc := placecache.NewService(*cfg, cache.Engine,
		placecache.WithUsageLog(usage),
		placecache.WithServiceLogger(logger),
	)
	if err := svc.RegisterProviders(ctx, lookupEnv); err != nil {
		_ = cache.Close()
		return nil, err
	}
	return &App{Cache: cache, Service: svc, Usage: usage}, nil
}

// Prune deletes Durable entries stored before cutoff; see Prune.
func (a *App) Prune(ctx context.Context, cutoff time.Time) (int, bool, error) {
	return Prune(ctx, a.Durable, cutoff)
}

// UsageReader returns the usage log as a Reader and Maintainer, or nils when
// usage logging is disabled.
func (a *App) UsageReader() (usagelog.Reader, usagelog.Maintainer) {
	w, ok := a.Usage.(*usagelog.SQLWriter)
	if !ok {
		return nil, nil
	}
	return w, w
}

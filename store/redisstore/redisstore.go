// Package redisstore implements a durable store.Store on Redis. Each entry is
// a hash under <prefix>:entry:<cache key>; a set under <prefix>:keys tracks
// membership so the similarity scan does not need KEYS or SCAN.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/metrics"
	"github.com/ferro-labs/placecache/store"
)

// DefaultPrefix namespaces all keys written by the store.
const DefaultPrefix = "placecache"

// Options configures a Store.
type Options struct {
	// Prefix namespaces keys; defaults to DefaultPrefix.
	Prefix string
	// TTL, when positive, sets a physical Redis expiry on each entry. This is
	// housekeeping only: freshness is still decided by the engine.
	TTL time.Duration
}

// Config holds connection settings for Connect.
type Config struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// Connect creates a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Store persists cache entries in Redis.
type Store[T any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	codec  store.Codec[T]
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)

// New wraps client. A nil codec selects store.JSONCodec.
func New[T any](client redis.UniversalClient, opts Options, codec store.Codec[T]) *Store[T] {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if codec == nil {
		codec = store.JSONCodec[T]{}
	}
	return &Store[T]{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		codec:  codec,
	}
}

func (s *Store[T]) entryKey(id string) string {
	return s.prefix + ":entry:" + id
}

func (s *Store[T]) indexKey() string {
	return s.prefix + ":keys"
}

// Get returns the entry stored under key.
func (s *Store[T]) Get(ctx context.Context, key store.Key) (store.Entry[T], bool, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(key.String())).Result()
	if err != nil {
		return store.Entry[T]{}, false, fmt.Errorf("failed to get from redis: %w", err)
	}
	if len(fields) == 0 {
		return store.Entry[T]{}, false, nil
	}
	rec, err := s.decode(fields)
	if err != nil {
		return store.Entry[T]{}, false, err
	}
	return rec.Entry, true, nil
}

// Set writes entry under key and records it in the index set.
func (s *Store[T]) Set(ctx context.Context, key store.Key, entry store.Entry[T]) error {
	data, err := s.codec.Encode(entry.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	id := key.String()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(id))
		pipe.HSet(ctx, s.entryKey(id), map[string]interface{}{
			"query":     key.Query,
			"lat":       strconv.FormatFloat(key.Lat, 'f', -1, 64),
			"lng":       strconv.FormatFloat(key.Lng, 'f', -1, 64),
			"results":   data,
			"stored_at": entry.StoredAt.UnixMilli(),
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, s.entryKey(id), s.ttl)
		}
		pipe.SAdd(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// Entries returns every indexed entry. Index members whose hash has expired
// are dropped from the index as they are found.
func (s *Store[T]) Entries(ctx context.Context) ([]store.Record[T], error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list redis index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.entryKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read redis entries: %w", err)
	}

	out := make([]store.Record[T], 0, len(ids))
	var gone []interface{}
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read redis entry: %w", err)
		}
		if len(fields) == 0 {
			gone = append(gone, ids[i])
			continue
		}
		rec, err := s.decode(fields)
		if err != nil {
			metrics.DurableErrors.WithLabelValues("decode").Inc()
			logging.FromContext(ctx).Warn("skipping undecodable redis entry", "key", ids[i], "error", err)
			continue
		}
		out = append(out, rec)
	}
	if len(gone) > 0 {
		_ = s.client.SRem(ctx, s.indexKey(), gone...).Err()
	}
	return out, nil
}

// Len returns the number of live entries.
func (s *Store[T]) Len(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		n, err := s.client.SCard(ctx, s.indexKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count redis index: %w", err)
		}
		return int(n), nil
	}
	recs, err := s.Entries(ctx)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Clear deletes every entry and the index.
func (s *Store[T]) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list redis index: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.entryKey(id))
	}
	keys = append(keys, s.indexKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store[T]) Close() error {
	return s.client.Close()
}

func (s *Store[T]) decode(fields map[string]string) (store.Record[T], error) {
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return store.Record[T]{}, fmt.Errorf("failed to parse cached lat: %w", err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return store.Record[T]{}, fmt.Errorf("failed to parse cached lng: %w", err)
	}
	storedAt, err := strconv.ParseInt(fields["stored_at"], 10, 64)
	if err != nil {
		return store.Record[T]{}, fmt.Errorf("failed to parse cached stored_at: %w", err)
	}
	data := fields["results"]
	results, err := s.codec.Decode([]byte(data))
	if err != nil {
		return store.Record[T]{}, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return store.Record[T]{
		Key:   store.Key{Query: fields["query"], Lat: lat, Lng: lng},
		Entry: store.Entry[T]{Results: results, StoredAt: time.UnixMilli(storedAt)},
		Bytes: len(data),
	}, nil
}

// Package sqlstore implements a durable store.Store on SQLite or Postgres.
// One row is kept per cache key; rows are upserted on every write and are
// never expired by the database itself.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/metrics"
	"github.com/ferro-labs/placecache/store"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// DefaultSQLitePath is used when NewSQLite is given an empty DSN.
const DefaultSQLitePath = "placecache.db"

// Store persists cache entries in a SQL database.
type Store[T any] struct {
	db      *sql.DB
	dialect sqlDialect
	codec   store.Codec[T]
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)

// NewSQLite opens (and if needed creates) a SQLite-backed store.
// dsn can be a file path (e.g. /var/lib/placecache/cache.db) or a SQLite DSN.
// A nil codec selects store.JSONCodec.
func NewSQLite[T any](dsn string, codec store.Codec[T]) (*Store[T], error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	return open(db, dialectSQLite, codec)
}

// NewPostgres opens a Postgres-backed store.
func NewPostgres[T any](dsn string, codec store.Codec[T]) (*Store[T], error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return open(db, dialectPostgres, codec)
}

func open[T any](db *sql.DB, dialect sqlDialect, codec store.Codec[T]) (*Store[T], error) {
	if codec == nil {
		codec = store.JSONCodec[T]{}
	}
	s := &Store[T]{db: db, dialect: dialect, codec: codec}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store[T]) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS place_search_cache (
	cache_key TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL,
	results BYTEA NOT NULL,
	stored_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_place_search_cache_stored_at ON place_search_cache(stored_at);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS place_search_cache (
	cache_key TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	results BLOB NOT NULL,
	stored_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_place_search_cache_stored_at ON place_search_cache(stored_at);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// Get returns the entry stored under key.
func (s *Store[T]) Get(ctx context.Context, key store.Key) (store.Entry[T], bool, error) {
	q := s.bind(`SELECT results, stored_at FROM place_search_cache WHERE cache_key = ?`)

	var (
		data     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, q, key.String()).Scan(&data, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entry[T]{}, false, nil
	}
	if err != nil {
		return store.Entry[T]{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	results, err := s.codec.Decode(data)
	if err != nil {
		return store.Entry[T]{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return store.Entry[T]{Results: results, StoredAt: time.UnixMilli(storedAt)}, true, nil
}

// Set upserts entry under key.
func (s *Store[T]) Set(ctx context.Context, key store.Key, entry store.Entry[T]) error {
	data, err := s.codec.Encode(entry.Results)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	q := s.bind(`
INSERT INTO place_search_cache(cache_key, query, lat, lng, results, stored_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
	query = excluded.query,
	lat = excluded.lat,
	lng = excluded.lng,
	results = excluded.results,
	stored_at = excluded.stored_at`)

	if _, err := s.db.ExecContext(ctx, q, key.String(), key.Query, key.Lat, key.Lng, data, entry.StoredAt.UnixMilli()); err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Entries returns every row, newest first.
func (s *Store[T]) Entries(ctx context.Context) ([]store.Record[T], error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query, lat, lng, results, stored_at FROM place_search_cache ORDER BY stored_at DESC, cache_key`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Record[T]
	for rows.Next() {
		var (
			key      store.Key
			data     []byte
			storedAt int64
		)
		if err := rows.Scan(&key.Query, &key.Lat, &key.Lng, &data, &storedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		results, err := s.codec.Decode(data)
		if err != nil {
			skipCorrupt(ctx, key.String(), err)
			continue
		}
		out = append(out, store.Record[T]{
			Key:   key,
			Entry: store.Entry[T]{Results: results, StoredAt: time.UnixMilli(storedAt)},
			Bytes: len(data),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}

// skipCorrupt logs and counts a row that Entries could not decode.
func skipCorrupt(ctx context.Context, key string, err error) {
	metrics.DurableErrors.WithLabelValues("decode").Inc()
	logging.FromContext(ctx).Warn("skipping undecodable cache entry", "key", key, "error", err)
}

// Len returns the number of rows.
func (s *Store[T]) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM place_search_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// Clear deletes every row.
func (s *Store[T]) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM place_search_cache`); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// Prune deletes rows stored before cutoff and returns how many were removed.
func (s *Store[T]) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM place_search_cache WHERE stored_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache entries: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *Store[T]) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store[T]) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

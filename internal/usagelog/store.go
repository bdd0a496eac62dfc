// Package usagelog records every upstream place search call so operators can
// see what cache misses cost. Entries are written to SQLite or Postgres.
package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Call outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry represents one provider call made to fill a cache miss.
type Entry struct {
	ID           int64     `json:"id"`
	TraceID      string    `json:"trace_id,omitempty"`
	Provider     string    `json:"provider"`
	Query        string    `json:"query"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Status       string    `json:"status"`
	Results      int       `json:"results"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Writer persists usage entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists recorded provider calls.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
	Summary(ctx context.Context, since *time.Time) ([]ProviderUsage, error)
}

// Maintainer deletes recorded provider calls.
type Maintainer interface {
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// NoopWriter ignores all writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query filters List.
type Query struct {
	Limit    int
	Offset   int
	Provider string
	Status   string
	Since    *time.Time
}

// ListResult is a page of entries plus the unpaged total.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// MaintenanceQuery selects entries to delete.
type MaintenanceQuery struct {
	Before *time.Time
}

// ProviderUsage aggregates calls for one provider.
type ProviderUsage struct {
	Provider string  `json:"provider"`
	Calls    int     `json:"calls"`
	Errors   int     `json:"errors"`
	CostUSD  float64 `json:"cost_usd"`
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

var (
	_ Writer     = (*SQLWriter)(nil)
	_ Reader     = (*SQLWriter)(nil)
	_ Maintainer = (*SQLWriter)(nil)
)

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "placecache-usage.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage log writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s usage log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS provider_calls (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	provider TEXT NOT NULL,
	query TEXT NOT NULL,
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	status TEXT NOT NULL,
	results INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS provider_calls (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	provider TEXT NOT NULL,
	query TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	results INTEGER NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	duration_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize usage log schema: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}

	query := w.bind(`INSERT INTO provider_calls(trace_id, provider, query, lat, lng, status, results, cost_usd, duration_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Provider,
		entry.Query,
		entry.Lat,
		entry.Lng,
		entry.Status,
		entry.Results,
		entry.CostUSD,
		entry.DurationMs,
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write usage log: %w", err)
	}
	return nil
}

func (w *SQLWriter) where(provider, status string, since *time.Time) (string, []any) {
	var conds []string
	var args []any
	if provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, provider)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	where, args := w.where(q.Provider, q.Status, q.Since)

	var total int
	if err := w.db.QueryRowContext(ctx, w.bind("SELECT COUNT(*) FROM provider_calls"+where), args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count usage log: %w", err)
	}

	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)
	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT id, trace_id, provider, query, lat, lng, status, results, cost_usd, duration_ms, error_message, created_at
	FROM provider_calls`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), pageArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list usage log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := ListResult{Data: []Entry{}, Total: total}
	for rows.Next() {
		var e Entry
		var traceID, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &traceID, &e.Provider, &e.Query, &e.Lat, &e.Lng, &e.Status,
			&e.Results, &e.CostUSD, &e.DurationMs, &errMsg, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan usage log: %w", err)
		}
		e.TraceID = traceID.String
		e.ErrorMessage = errMsg.String
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate usage log: %w", err)
	}
	return out, nil
}

// Summary aggregates calls per provider since the given time (all time if nil).
func (w *SQLWriter) Summary(ctx context.Context, since *time.Time) ([]ProviderUsage, error) {
	where, args := w.where("", "", since)
	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT provider, COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(cost_usd), 0)
	FROM provider_calls`+where+` GROUP BY provider ORDER BY provider`), args...)
	if err != nil {
		return nil, fmt.Errorf("summarize usage log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []ProviderUsage{}
	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Calls, &u.Errors, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Delete removes entries matching q and returns how many were removed. An
// empty query deletes nothing.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, nil
	}
	res, err := w.db.ExecContext(ctx, w.bind("DELETE FROM provider_calls WHERE created_at < ?"), q.Before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete usage log: %w", err)
	}
	return res.RowsAffected()
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

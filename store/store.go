// Package store defines the tier contract used by the search cache engine and
// the in-process Memory implementation. Persistent adapters live in the
// sqlstore, redisstore and dynamostore subpackages.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Key identifies a cached search. Query is the trimmed query text with its
// original casing; Lat and Lng are used at full precision.
type Key struct {
	Query string  `json:"query"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// NewKey builds a Key from raw query text, trimming surrounding whitespace.
func NewKey(query string, lat, lng float64) Key {
	return Key{Query: strings.TrimSpace(query), Lat: lat, Lng: lng}
}

// String returns the deterministic storage form of the key. The query is
// lowercased so exact matching is case-insensitive; coordinates are formatted
// with the shortest exact representation so distinct floats never collide.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.Query) + 40)
	b.WriteString(strings.ToLower(k.Query))
	b.WriteByte('|')
	b.WriteString(formatCoord(k.Lat))
	b.WriteByte('|')
	b.WriteString(formatCoord(k.Lng))
	return b.String()
}

// formatCoord formats v exactly, writing -0 as 0 so String agrees with
// SameLocation.
func formatCoord(v float64) string {
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SameLocation reports whether both keys were issued from identical coordinates.
func (k Key) SameLocation(other Key) bool {
	return k.Lat == other.Lat && k.Lng == other.Lng
}

// Entry is a cached result set. Entries are immutable: a new Set for the same
// key replaces the previous entry wholesale.
type Entry[T any] struct {
	Results  []T
	StoredAt time.Time
}

// Age returns how old the entry is at now.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Record pairs a key with its entry, as returned by Store.Entries. Bytes is the
// encoded payload size when the adapter knows it, otherwise zero.
type Record[T any] struct {
	Key   Key
	Entry Entry[T]
	Bytes int
}

// Store is the contract shared by the Fast and Durable tiers. A missing key is
// reported as (zero, false, nil), never as an error.
type Store[T any] interface {
	Get(ctx context.Context, key Key) (Entry[T], bool, error)
	Set(ctx context.Context, key Key, entry Entry[T]) error
	Entries(ctx context.Context) ([]Record[T], error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Pruner is implemented by stores that can physically delete entries stored
// before a cutoff. The engine never prunes; it is a housekeeping hook.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Codec converts result sets to and from their persisted form.
type Codec[T any] interface {
	Encode(results []T) ([]byte, error)
	Decode(data []byte) ([]T, error)
}

// JSONCodec encodes result sets as JSON arrays.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(results []T) ([]byte, error) {
	if results == nil {
		results = []T{}
	}
	return json.Marshal(results)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) ([]T, error) {
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Millis truncates t to millisecond precision, the resolution entries are
// persisted at.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

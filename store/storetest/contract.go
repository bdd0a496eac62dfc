// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy. Adapter tests call Run with a factory that
// returns an empty store.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/ferro-labs/placecache/store"
)

// Item is the payload type used by the contract.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Run exercises s against the store contract. s must start empty.
func Run(t *testing.T, s store.Store[Item]) {
	t.Helper()
	ctx := context.Background()

	coffee := store.NewKey("Coffee", 13.7563, 100.5018)
	noodles := store.NewKey("noodles", 13.7563, 100.5018)
	stored := store.Millis(time.Now().Add(-time.Minute))

	if _, ok, err := s.Get(ctx, coffee); err != nil || ok {
		t.Fatalf("get on empty store: ok=%v err=%v", ok, err)
	}
	if n, err := s.Len(ctx); err != nil || n != 0 {
		t.Fatalf("len on empty store: n=%d err=%v", n, err)
	}
	if recs, err := s.Entries(ctx); err != nil || len(recs) != 0 {
		t.Fatalf("entries on empty store: n=%d err=%v", len(recs), err)
	}

	first := store.Entry[Item]{Results: []Item{{ID: "a", Name: "Cafe A"}, {ID: "b", Name: "Cafe B"}}, StoredAt: stored}
	if err := s.Set(ctx, coffee, first); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := s.Get(ctx, coffee)
	if err != nil || !ok {
		t.Fatalf("get after set: ok=%v err=%v", ok, err)
	}
	if len(got.Results) != 2 || got.Results[0].ID != "a" || got.Results[1].ID != "b" {
		t.Fatalf("results not preserved in order: %+v", got.Results)
	}
	if !got.StoredAt.Equal(stored) {
		t.Fatalf("stored_at = %v, want %v", got.StoredAt, stored)
	}

	// Keys differing only by query case address the same record.
	if _, ok, _ := s.Get(ctx, store.NewKey("coffee", 13.7563, 100.5018)); !ok {
		t.Fatal("expected case-insensitive exact key match")
	}
	// Any coordinate difference is a different record.
	if _, ok, _ := s.Get(ctx, store.NewKey("Coffee", 13.75631, 100.5018)); ok {
		t.Fatal("expected miss for different latitude")
	}

	second := store.Entry[Item]{Results: []Item{{ID: "c", Name: "Cafe C"}}, StoredAt: store.Millis(time.Now())}
	if err := s.Set(ctx, coffee, second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, _ = s.Get(ctx, coffee)
	if len(got.Results) != 1 || got.Results[0].ID != "c" {
		t.Fatalf("expected overwrite to replace results, got %+v", got.Results)
	}

	if err := s.Set(ctx, noodles, store.Entry[Item]{Results: []Item{{ID: "n"}}, StoredAt: stored}); err != nil {
		t.Fatalf("set second key: %v", err)
	}
	if n, _ := s.Len(ctx); n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}

	recs, err := s.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("entries = %d, want 2", len(recs))
	}
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.Key.String()] = true
		if r.Key.String() == coffee.String() && r.Key.Query != "Coffee" {
			t.Fatalf("stored query casing lost: %q", r.Key.Query)
		}
	}
	if !seen[coffee.String()] || !seen[noodles.String()] {
		t.Fatalf("entries missing keys: %v", seen)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Fatalf("len after clear = %d, want 0", n)
	}
	if _, ok, _ := s.Get(ctx, coffee); ok {
		t.Fatal("expected miss after clear")
	}
}

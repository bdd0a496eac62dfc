package strategies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ferro-labs/placecache/internal/circuitbreaker"
	"github.com/ferro-labs/placecache/providers"
)

type mockProvider struct {
	name   string
	places []providers.Place
	err    error
	calls  int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ providers.SearchRequest) ([]providers.Place, error) {
	m.calls++
	return m.places, m.err
}

func newLookup(pp ...providers.Provider) ProviderLookup {
	m := make(map[string]providers.Provider)
	for _, p := range pp {
		m[p.Name()] = p
	}
	return func(name string) (providers.Provider, bool) {
		p, ok := m[name]
		return p, ok
	}
}

var coffeeReq = providers.SearchRequest{Query: "Coffee", Origin: providers.LatLng{Lat: 13.7563, Lng: 100.5018}}

func placesNamed(names ...string) []providers.Place {
	out := make([]providers.Place, len(names))
	for i, n := range names {
		out[i] = providers.Place{ID: n, Name: n}
	}
	return out
}

func TestSingle_Execute(t *testing.T) {
	mp := &mockProvider{name: "a", places: placesNamed("cafe")}
	s := NewSingle(Target{Name: "a"}, newLookup(mp))

	res, err := s.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "a" || len(res.Places) != 1 || res.Places[0].ID != "cafe" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSingle_ProviderNotFound(t *testing.T) {
	s := NewSingle(Target{Name: "missing"}, newLookup())
	if _, err := s.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
}

func TestSingle_ProviderError(t *testing.T) {
	mp := &mockProvider{name: "a", err: fmt.Errorf("fail")}
	s := NewSingle(Target{Name: "a"}, newLookup(mp))
	if _, err := s.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
}

func TestFallback_FirstSucceeds(t *testing.T) {
	a := &mockProvider{name: "a", places: placesNamed("from-a")}
	b := &mockProvider{name: "b", places: placesNamed("from-b")}
	f := NewFallback([]Target{{Name: "a"}, {Name: "b"}}, newLookup(a, b))

	res, err := f.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "a" {
		t.Errorf("provider = %q, want a", res.Provider)
	}
	if b.calls != 0 {
		t.Error("second provider should not be called")
	}
}

func TestFallback_FallsToSecond(t *testing.T) {
	a := &mockProvider{name: "a", err: &providers.Error{Provider: "a", Kind: providers.KindRateLimited, StatusCode: 429}}
	b := &mockProvider{name: "b", places: placesNamed("from-b")}
	f := NewFallback([]Target{{Name: "a"}, {Name: "b"}}, newLookup(a, b))

	res, err := f.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "b" || res.Places[0].ID != "from-b" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestFallback_AllFail(t *testing.T) {
	a := &mockProvider{name: "a", err: fmt.Errorf("fail a")}
	b := &mockProvider{name: "b", err: fmt.Errorf("fail b")}
	f := NewFallback([]Target{{Name: "a"}, {Name: "b"}}, newLookup(a, b))

	_, err := f.Execute(context.Background(), coffeeReq)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "fail b") {
		t.Errorf("expected last error to be wrapped, got %v", err)
	}
}

func TestFallback_NoTargets(t *testing.T) {
	f := NewFallback(nil, newLookup())
	if _, err := f.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
}

func TestFallback_WithMaxRetries(t *testing.T) {
	a := &mockProvider{name: "a", err: &providers.Error{Provider: "a", Kind: providers.KindNetwork}}
	f := NewFallback([]Target{{Name: "a"}}, newLookup(a)).WithMaxRetries(3).WithBaseDelay(time.Millisecond)

	if _, err := f.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
	if a.calls != 3 {
		t.Errorf("calls = %d, want 3", a.calls)
	}
}

func TestFallback_PerTargetAttempts(t *testing.T) {
	netErr := func(n string) error { return &providers.Error{Provider: n, Kind: providers.KindNetwork} }
	a := &mockProvider{name: "a", err: netErr("a")}
	b := &mockProvider{name: "b", err: netErr("b")}
	c := &mockProvider{name: "c", places: placesNamed("from-c")}
	targets := []Target{
		{Name: "a"},
		{Name: "b", Attempts: 3, BaseDelay: time.Millisecond},
		{Name: "c"},
	}
	f := NewFallback(targets, newLookup(a, b, c)).WithMaxRetries(2).WithBaseDelay(time.Millisecond)

	res, err := f.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if a.calls != 2 {
		t.Errorf("a calls = %d, want strategy default 2", a.calls)
	}
	if b.calls != 3 {
		t.Errorf("b calls = %d, want target override 3", b.calls)
	}
	if res.Provider != "c" {
		t.Errorf("provider = %q, want c", res.Provider)
	}
}

func TestFallback_DoesNotRetryAuthErrors(t *testing.T) {
	a := &mockProvider{name: "a", err: &providers.Error{Provider: "a", Kind: providers.KindAuth, StatusCode: 403}}
	b := &mockProvider{name: "b", places: placesNamed("from-b")}
	f := NewFallback([]Target{{Name: "a"}, {Name: "b"}}, newLookup(a, b)).WithMaxRetries(3).WithBaseDelay(time.Millisecond)

	res, err := f.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if a.calls != 1 {
		t.Errorf("auth failure retried %d times", a.calls)
	}
	if res.Provider != "b" {
		t.Errorf("provider = %q, want b", res.Provider)
	}
}

func TestFallback_SkipsOpenCircuit(t *testing.T) {
	a := &mockProvider{name: "a", err: fmt.Errorf("wrapped: %w", circuitbreaker.ErrCircuitOpen)}
	b := &mockProvider{name: "b", places: placesNamed("from-b")}
	f := NewFallback([]Target{{Name: "a"}, {Name: "b"}}, newLookup(a, b)).WithMaxRetries(3).WithBaseDelay(time.Millisecond)

	if _, err := f.Execute(context.Background(), coffeeReq); err != nil {
		t.Fatal(err)
	}
	if a.calls != 1 {
		t.Errorf("open circuit retried %d times", a.calls)
	}
}

func TestFallback_BadRequestStopsChain(t *testing.T) {
	a := &mockProvider{name: "a", err: &providers.Error{Provider: "a", Kind: providers.KindBadRequest}}
	b := &mockProvider{name: "b", places: placesNamed("from-b")}
	f := NewFallback([]Target{{Name: "a"}, {Name: "b"}}, newLookup(a, b))

	_, err := f.Execute(context.Background(), coffeeReq)
	if providers.KindOf(err) != providers.KindBadRequest {
		t.Fatalf("expected bad request error, got %v", err)
	}
	if b.calls != 0 {
		t.Error("bad request must not fall through to next provider")
	}
}

func TestFallback_SkipsMissingProvider(t *testing.T) {
	b := &mockProvider{name: "b", places: placesNamed("from-b")}
	f := NewFallback([]Target{{Name: "missing"}, {Name: "b"}}, newLookup(b))

	res, err := f.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "b" {
		t.Errorf("provider = %q, want b", res.Provider)
	}
}

func TestFallback_ContextCancelled(t *testing.T) {
	a := &mockProvider{name: "a", err: &providers.Error{Provider: "a", Kind: providers.KindNetwork}}
	f := NewFallback([]Target{{Name: "a"}}, newLookup(a)).WithMaxRetries(5).WithBaseDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Execute(ctx, coffeeReq)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadBalance_Execute(t *testing.T) {
	a := &mockProvider{name: "a", places: placesNamed("from-a")}
	lb := NewLoadBalance([]Target{{Name: "a", Weight: 1}}, newLookup(a))

	res, err := lb.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "a" {
		t.Errorf("provider = %q, want a", res.Provider)
	}
}

func TestLoadBalance_NoTargets(t *testing.T) {
	lb := NewLoadBalance(nil, newLookup())
	if _, err := lb.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadBalance_MissingProvider(t *testing.T) {
	lb := NewLoadBalance([]Target{{Name: "missing"}}, newLookup())
	if _, err := lb.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadBalance_RespectsWeights(t *testing.T) {
	a := &mockProvider{name: "a", places: placesNamed("a")}
	b := &mockProvider{name: "b", places: placesNamed("b")}
	lb := NewLoadBalance([]Target{{Name: "a", Weight: 9}, {Name: "b", Weight: 1}}, newLookup(a, b))

	for i := 0; i < 1000; i++ {
		if _, err := lb.Execute(context.Background(), coffeeReq); err != nil {
			t.Fatal(err)
		}
	}
	if a.calls < 800 || a.calls > 980 {
		t.Errorf("weighted selection off: a=%d b=%d", a.calls, b.calls)
	}
}

func TestConditional_MatchesLanguage(t *testing.T) {
	google := &mockProvider{name: "google", places: placesNamed("g")}
	osm := &mockProvider{name: "osm", places: placesNamed("o")}
	c := NewConditional(
		[]ConditionRule{{Key: ConditionLanguage, Value: "th", Target: Target{Name: "google"}}},
		Target{Name: "osm"},
		newLookup(google, osm),
	)

	req := coffeeReq
	req.Language = "TH"
	res, err := c.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "google" {
		t.Errorf("provider = %q, want google", res.Provider)
	}

	res, err = c.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "osm" {
		t.Errorf("fallback provider = %q, want osm", res.Provider)
	}
}

func TestConditional_QueryPrefix(t *testing.T) {
	a := &mockProvider{name: "a", places: placesNamed("a")}
	b := &mockProvider{name: "b", places: placesNamed("b")}
	c := NewConditional(
		[]ConditionRule{{Key: ConditionQueryPrefix, Value: "cof", Target: Target{Name: "a"}}},
		Target{Name: "b"},
		newLookup(a, b),
	)
	res, err := c.Execute(context.Background(), coffeeReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "a" {
		t.Errorf("provider = %q, want a", res.Provider)
	}
}

func TestConditional_ProviderNotFound(t *testing.T) {
	c := NewConditional(nil, Target{Name: "missing"}, newLookup())
	if _, err := c.Execute(context.Background(), coffeeReq); err == nil {
		t.Fatal("expected error")
	}
}

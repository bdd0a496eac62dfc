// Package providers defines the Provider interface and shared data types used
// by place search backends that sit behind the cache.
//
// A Provider turns a (query, origin) pair into an ordered list of Place
// records. Every call is assumed to cost money and count against an upstream
// quota, which is why callers consult the cache first.
package providers

import (
	"context"
	"errors"
	"math"
	"strings"
)

// Provider is implemented by every place search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, req SearchRequest) ([]Place, error)
}

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a single search result.
type Place struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address,omitempty"`
	Types   []string `json:"types,omitempty"`
	// Distance from the search origin in meters.
	Distance float64 `json:"distance"`
	Location LatLng  `json:"location"`
}

// SearchRequest is the input to Provider.Search.
type SearchRequest struct {
	Query  string `json:"query"`
	Origin LatLng `json:"origin"`
	// RadiusMeters biases results toward the origin. Zero uses the provider
	// default.
	RadiusMeters float64 `json:"radius_meters,omitempty"`
	// MaxResults caps the result count. Zero uses the provider default.
	MaxResults int `json:"max_results,omitempty"`
	// Language is a BCP-47 tag such as "th" or "en".
	Language string `json:"language,omitempty"`
}

// Validate checks required fields.
func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return errors.New("query is required")
	}
	if math.IsNaN(r.Origin.Lat) || math.IsInf(r.Origin.Lat, 0) ||
		math.IsNaN(r.Origin.Lng) || math.IsInf(r.Origin.Lng, 0) {
		return errors.New("origin must be finite")
	}
	if r.Origin.Lat < -90 || r.Origin.Lat > 90 || r.Origin.Lng < -180 || r.Origin.Lng > 180 {
		return errors.New("origin out of range")
	}
	if r.RadiusMeters < 0 {
		return errors.New("radius_meters must be non-negative")
	}
	if r.MaxResults < 0 {
		return errors.New("max_results must be non-negative")
	}
	return nil
}

const earthRadiusMeters = 6371008.8

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b LatLng) float64 {
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NominatimName is the registry name of the OpenStreetMap Nominatim provider.
const NominatimName = "nominatim"

const (
	nominatimBaseURL       = "https://nominatim.openstreetmap.org"
	nominatimDefaultRadius = 5000
	nominatimDefaultLimit  = 20
	nominatimMaxLimit      = 40
	metersPerDegreeLat     = 111320.0
)

// NominatimProvider queries an OpenStreetMap Nominatim search endpoint. The
// public instance requires an identifying User-Agent and allows at most one
// request per second, so configure a rate limit when using it.
type NominatimProvider struct {
	Base
	userAgent string
}

// NewNominatim creates a Nominatim provider. userAgent is mandatory.
func NewNominatim(userAgent, baseURL string) (*NominatimProvider, error) {
	if strings.TrimSpace(userAgent) == "" {
		return nil, errors.New("nominatim: user agent is required")
	}
	if baseURL == "" {
		baseURL = nominatimBaseURL
	}
	return &NominatimProvider{
		Base: Base{
			name:       NominatimName,
			baseURL:    strings.TrimRight(baseURL, "/"),
			httpClient: defaultHTTPClient(),
		},
		userAgent: userAgent,
	}, nil
}

type nominatimPlace struct {
	PlaceID     int64  `json:"place_id"`
	OSMType     string `json:"osm_type"`
	OSMID       int64  `json:"osm_id"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Type        string `json:"type"`
}

// viewbox returns the left,top,right,bottom box of half-width radius around
// origin.
func viewbox(origin LatLng, radius float64) string {
	dLat := radius / metersPerDegreeLat
	cos := math.Cos(origin.Lat * math.Pi / 180)
	dLng := 180.0
	if cos > 1e-6 {
		dLng = math.Min(180, radius/(metersPerDegreeLat*cos))
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return strings.Join([]string{
		f(math.Max(-180, origin.Lng-dLng)),
		f(math.Min(90, origin.Lat+dLat)),
		f(math.Min(180, origin.Lng+dLng)),
		f(math.Max(-90, origin.Lat-dLat)),
	}, ",")
}

// Search runs a free-form search preferring results inside a box around
// req.Origin.
func (p *NominatimProvider) Search(ctx context.Context, req SearchRequest) ([]Place, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{Provider: p.name, Kind: KindBadRequest, Message: err.Error()}
	}

	radius := req.RadiusMeters
	if radius == 0 {
		radius = nominatimDefaultRadius
	}
	limit := req.MaxResults
	if limit == 0 {
		limit = nominatimDefaultLimit
	}

	q := url.Values{}
	q.Set("q", req.Query)
	q.Set("format", "jsonv2")
	q.Set("limit", strconv.Itoa(min(limit, nominatimMaxLimit)))
	q.Set("viewbox", viewbox(req.Origin, radius))
	if req.Language != "" {
		q.Set("accept-language", req.Language)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", p.userAgent)
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: p.name, Kind: KindNetwork, Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Provider: p.name, Kind: KindNetwork, Err: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var raw []nominatimPlace
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &Error{Provider: p.name, Kind: KindBadResponse, StatusCode: httpResp.StatusCode, Err: err}
	}

	places := make([]Place, 0, len(raw))
	for _, np := range raw {
		lat, errLat := strconv.ParseFloat(np.Lat, 64)
		lng, errLng := strconv.ParseFloat(np.Lon, 64)
		if errLat != nil || errLng != nil {
			continue
		}
		loc := LatLng{Lat: lat, Lng: lng}
		name := np.Name
		if name == "" {
			name, _, _ = strings.Cut(np.DisplayName, ",")
		}
		var types []string
		if np.Type != "" {
			types = append(types, np.Type)
		}
		if np.Category != "" {
			types = append(types, np.Category)
		}
		places = append(places, Place{
			ID:       fmt.Sprintf("osm:%s:%d", np.OSMType, np.OSMID),
			Name:     name,
			Address:  np.DisplayName,
			Types:    types,
			Distance: Distance(req.Origin, loc),
			Location: loc,
		})
	}
	return places, nil
}

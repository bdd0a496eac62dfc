package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2/google"
)

// GooglePlacesName is the registry name of the Google Places provider.
const GooglePlacesName = "google_places"

const (
	googlePlacesBaseURL = "https://places.googleapis.com"
	googlePlacesScope   = "https://www.googleapis.com/auth/cloud-platform"
	googleFieldMask     = "places.id,places.displayName,places.formattedAddress,places.types,places.location"

	googleDefaultRadius  = 5000
	googleMaxRadius      = 50000
	googleDefaultResults = 20
)

// GooglePlacesProvider queries the Places API (New) Text Search endpoint.
type GooglePlacesProvider struct {
	Base
}

// NewGooglePlaces creates a Google Places provider authenticated with an API
// key.
func NewGooglePlaces(apiKey, baseURL string) (*GooglePlacesProvider, error) {
	if apiKey == "" {
		return nil, errors.New("google places: api key is required")
	}
	return newGooglePlaces(apiKey, baseURL, defaultHTTPClient()), nil
}

// NewGooglePlacesWithADC creates a Google Places provider authenticated with
// Application Default Credentials (a service account or workload identity)
// instead of an API key.
func NewGooglePlacesWithADC(ctx context.Context, baseURL string) (*GooglePlacesProvider, error) {
	client, err := google.DefaultClient(ctx, googlePlacesScope)
	if err != nil {
		return nil, fmt.Errorf("google places: find default credentials: %w", err)
	}
	client.Timeout = defaultHTTPTimeout
	return newGooglePlaces("", baseURL, client), nil
}

func newGooglePlaces(apiKey, baseURL string, client *http.Client) *GooglePlacesProvider {
	if baseURL == "" {
		baseURL = googlePlacesBaseURL
	}
	return &GooglePlacesProvider{
		Base: Base{
			name:       GooglePlacesName,
			apiKey:     apiKey,
			baseURL:    strings.TrimRight(baseURL, "/"),
			httpClient: client,
		},
	}
}

type googleLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type googleCircle struct {
	Center googleLatLng `json:"center"`
	Radius float64      `json:"radius"`
}

type googleLocationBias struct {
	Circle googleCircle `json:"circle"`
}

type googleSearchRequest struct {
	TextQuery    string             `json:"textQuery"`
	LocationBias googleLocationBias `json:"locationBias"`
	PageSize     int                `json:"pageSize,omitempty"`
	LanguageCode string             `json:"languageCode,omitempty"`
}

type googleLocalizedText struct {
	Text string `json:"text"`
}

type googlePlace struct {
	ID               string              `json:"id"`
	DisplayName      googleLocalizedText `json:"displayName"`
	FormattedAddress string              `json:"formattedAddress"`
	Types            []string            `json:"types"`
	Location         googleLatLng        `json:"location"`
}

type googleSearchResponse struct {
	Places []googlePlace `json:"places"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Search runs a text search biased toward req.Origin.
func (p *GooglePlacesProvider) Search(ctx context.Context, req SearchRequest) ([]Place, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{Provider: p.name, Kind: KindBadRequest, Message: err.Error()}
	}

	radius := req.RadiusMeters
	if radius == 0 {
		radius = googleDefaultRadius
	}
	radius = min(radius, googleMaxRadius)
	pageSize := req.MaxResults
	if pageSize == 0 {
		pageSize = googleDefaultResults
	}

	body, err := json.Marshal(googleSearchRequest{
		TextQuery: req.Query,
		LocationBias: googleLocationBias{Circle: googleCircle{
			Center: googleLatLng{Latitude: req.Origin.Lat, Longitude: req.Origin.Lng},
			Radius: radius,
		}},
		PageSize:     min(pageSize, googleDefaultResults),
		LanguageCode: req.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-FieldMask", googleFieldMask)
	if p.apiKey != "" {
		httpReq.Header.Set("X-Goog-Api-Key", p.apiKey)
	}

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
		msg := strings.TrimSpace(string(respBody))
		var errResp googleErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, statusError(p.name, httpResp.StatusCode, msg)
	}

	var resp googleSearchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Provider: p.name, Kind: KindBadResponse, StatusCode: httpResp.StatusCode, Err: err}
	}

	places := make([]Place, 0, len(resp.Places))
	for _, gp := range resp.Places {
		loc := LatLng{Lat: gp.Location.Latitude, Lng: gp.Location.Longitude}
		places = append(places, Place{
			ID:       gp.ID,
			Name:     gp.DisplayName.Text,
			Address:  gp.FormattedAddress,
			Types:    gp.Types,
			Distance: Distance(req.Origin, loc),
			Location: loc,
		})
	}
	return places, nil
}

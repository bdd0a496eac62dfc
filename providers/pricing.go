package providers

// PricingTable maps provider names to the list price of one search call in
// USD. Prices are best-effort and may lag behind provider price changes;
// configuration can override them per provider.
var PricingTable = map[string]float64{
	// Places API (New) Text Search Pro: $32 per 1000 requests.
	GooglePlacesName: 0.032,
	// Public OSM Nominatim is free but rate limited to 1 request per second.
	NominatimName: 0,
}

// EstimateCost returns the cost in USD of one search call to provider. A
// positive override wins over the table; unknown providers cost zero.
func EstimateCost(provider string, override float64) float64 {
	if override > 0 {
		return override
	}
	return PricingTable[provider]
}

package placecache

// Config holds the configuration for a placecache deployment.
type Config struct {
	// Cache tunes the engine's tiers and similarity matching.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// Durable selects the persistent backend for the Durable tier.
	Durable DurableConfig `json:"durable" yaml:"durable"`
	// Strategy defines how cache misses are routed to providers.
	Strategy StrategyConfig `json:"strategy" yaml:"strategy"`
	// Providers is the ordered list of upstream place search providers.
	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	// RateLimit caps the total rate of upstream calls across all providers.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// Search holds request defaults.
	Search SearchConfig `json:"search" yaml:"search"`
	// UsageLog persists one row per provider call (optional).
	UsageLog *UsageLogConfig `json:"usage_log,omitempty" yaml:"usage_log,omitempty"`
}

// CacheConfig tunes the engine.
type CacheConfig struct {
	// FastWindow and DurableWindow are Go durations ("5m", "15m").
	FastWindow    string `json:"fast_window,omitempty" yaml:"fast_window,omitempty"`
	DurableWindow string `json:"durable_window,omitempty" yaml:"durable_window,omitempty"`
	// FastCapacity bounds the in-process tier; 0 means unbounded.
	FastCapacity int `json:"fast_capacity,omitempty" yaml:"fast_capacity,omitempty"`
	// SameLocationSimilarity limits similarity matches to identical coordinates.
	SameLocationSimilarity bool `json:"same_location_similarity,omitempty" yaml:"same_location_similarity,omitempty"`
}

// DurableBackend names a Durable tier implementation.
type DurableBackend string

// Supported durable backends.
const (
	BackendMemory   DurableBackend = "memory"
	BackendSQLite   DurableBackend = "sqlite"
	BackendPostgres DurableBackend = "postgres"
	BackendRedis    DurableBackend = "redis"
	BackendDynamoDB DurableBackend = "dynamodb"
)

// DurableConfig selects and configures the Durable tier backend.
type DurableConfig struct {
	Backend DurableBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	// DSN is the SQLite path or Postgres connection string.
	DSN      string          `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Redis    *RedisConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`
	DynamoDB *DynamoDBConfig `json:"dynamodb,omitempty" yaml:"dynamodb,omitempty"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// TTL is a housekeeping expiry independent of freshness ("24h").
	TTL string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Table    string `json:"table,omitempty" yaml:"table,omitempty"`
	// TTL writes an expires_at attribute for the table's TTL setting ("24h").
	TTL string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	// CreateTable creates the table on startup when missing.
	CreateTable     bool   `json:"create_table,omitempty" yaml:"create_table,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// StrategyConfig defines the routing strategy.
type StrategyConfig struct {
	Mode       StrategyMode `json:"mode" yaml:"mode"`
	Conditions []Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"` // For conditional routing
}

// StrategyMode represents the routing strategy mode.
type StrategyMode string

// StrategyMode constants define the supported routing strategies.
const (
	ModeSingle      StrategyMode = "single"
	ModeFallback    StrategyMode = "fallback"
	ModeLoadBalance StrategyMode = "loadbalance"
	ModeConditional StrategyMode = "conditional"
)

// Condition represents a condition for conditional routing.
type Condition struct {
	Key    string `json:"key" yaml:"key"` // "language" or "query_prefix"
	Value  string `json:"value" yaml:"value"`
	Target string `json:"target" yaml:"target"`
}

// ProviderType names a provider implementation.
type ProviderType string

// Supported provider types.
const (
	ProviderGooglePlaces ProviderType = "google_places"
	ProviderNominatim    ProviderType = "nominatim"
)

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	// Name is the unique key used by strategies and metrics. Defaults to Type.
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`
	Type ProviderType `json:"type" yaml:"type"`
	// APIKeyEnv names the environment variable holding the API key. When it
	// is unset and Type is google_places, application default credentials
	// are used.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// UserAgent is required by Nominatim.
	UserAgent string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	// CostPerCall overrides the built-in price in USD.
	CostPerCall float64 `json:"cost_per_call,omitempty" yaml:"cost_per_call,omitempty"`
	// Weight is used for load balancing.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	// Retry configuration for this provider.
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
	// CircuitBreaker guards this provider.
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	// RateLimit paces calls to this provider.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ProviderName returns Name, falling back to Type.
func (p ProviderConfig) ProviderName() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.Type)
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts int `json:"attempts" yaml:"attempts"`
	// InitialBackoff is the first retry delay ("100ms"); later retries double it.
	InitialBackoff string `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
}

// CircuitBreakerConfig configures a provider circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold" yaml:"success_threshold"`
	Timeout          string `json:"timeout" yaml:"timeout"`
}

// RateLimitConfig configures a token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	// MinQueryLength rejects shorter queries before any lookup. Defaults to 3.
	MinQueryLength int     `json:"min_query_length,omitempty" yaml:"min_query_length,omitempty"`
	RadiusMeters   float64 `json:"radius_meters,omitempty" yaml:"radius_meters,omitempty"`
	MaxResults     int     `json:"max_results,omitempty" yaml:"max_results,omitempty"`
	Language       string  `json:"language,omitempty" yaml:"language,omitempty"`
}

// UsageLogConfig configures the provider call log.
type UsageLogConfig struct {
	Backend DurableBackend `json:"backend" yaml:"backend"` // sqlite or postgres
	DSN     string         `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// DefaultConfig is used when no config file is given: Google Places when its
// API key variable is set, otherwise the public Nominatim instance paced to
// one request per second. userAgent identifies the caller to Nominatim.
func DefaultConfig(lookupEnv func(string) (string, bool), userAgent string) Config {
	cfg := Config{Strategy: StrategyConfig{Mode: ModeSingle}}
	if key, ok := lookupEnv(DefaultGooglePlacesKeyEnv); ok && key != "" {
		cfg.Providers = []ProviderConfig{{
			Type:      ProviderGooglePlaces,
			APIKeyEnv: DefaultGooglePlacesKeyEnv,
			CircuitBreaker: &CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          "30s",
			},
		}}
		return cfg
	}
	cfg.Providers = []ProviderConfig{{
		Type:      ProviderNominatim,
		UserAgent: userAgent,
		RateLimit: &RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
	}}
	return cfg
}

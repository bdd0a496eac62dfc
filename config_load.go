package placecache

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchemaJSON string

var configSchema = jsonschema.MustCompileString("config.schema.json", configSchemaJSON)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). The document is
// checked against the embedded JSON Schema before decoding, so unknown keys
// and wrong types are reported with their location.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var doc any
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		// Normalise YAML scalars to the JSON data model the schema expects.
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	return ParseConfig(data)
}

// ParseConfig validates a JSON document against the config schema and decodes
// it.
func ParseConfig(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return &Config{}, nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON config: %w", err)
	}
	if err := configSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("config schema: %s", schemaMessage(ve))
		}
		return nil, fmt.Errorf("config schema: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// schemaMessage flattens a validation error to its first leaf cause.
func schemaMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

// ValidateConfig validates a Config for correctness beyond what the schema
// can express.
func ValidateConfig(cfg Config) error {
	for field, value := range map[string]string{
		"cache.fast_window":    cfg.Cache.FastWindow,
		"cache.durable_window": cfg.Cache.DurableWindow,
	} {
		if _, err := parseOptionalDuration(field, value); err != nil {
			return err
		}
	}

	switch cfg.Durable.Backend {
	case "", BackendMemory, BackendSQLite:
	case BackendPostgres:
		if cfg.Durable.DSN == "" {
			return fmt.Errorf("durable backend postgres requires dsn")
		}
	case BackendRedis:
		if cfg.Durable.Redis == nil || cfg.Durable.Redis.Address == "" {
			return fmt.Errorf("durable backend redis requires redis.address")
		}
		if _, err := parseOptionalDuration("durable.redis.ttl", cfg.Durable.Redis.TTL); err != nil {
			return err
		}
	case BackendDynamoDB:
		if cfg.Durable.DynamoDB != nil {
			if _, err := parseOptionalDuration("durable.dynamodb.ttl", cfg.Durable.DynamoDB.TTL); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown durable backend: %q", cfg.Durable.Backend)
	}

	// Default to single strategy when mode is omitted to match runtime behavior.
	mode := cfg.Strategy.Mode
	if mode == "" {
		mode = ModeSingle
	}

	switch mode {
	case ModeSingle, ModeFallback, ModeLoadBalance, ModeConditional:
	default:
		return fmt.Errorf("unknown strategy mode: %q", cfg.Strategy.Mode)
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	names := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		name := p.ProviderName()
		if names[name] {
			return fmt.Errorf("duplicate provider name %q", name)
		}
		names[name] = true

		switch p.Type {
		case ProviderGooglePlaces:
		case ProviderNominatim:
			if strings.TrimSpace(p.UserAgent) == "" {
				return fmt.Errorf("provider %q: nominatim requires user_agent", name)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %q has negative weight", name)
		}
		if p.CircuitBreaker != nil {
			if _, err := parseOptionalDuration("provider "+name+" circuit_breaker.timeout", p.CircuitBreaker.Timeout); err != nil {
				return err
			}
		}
		if p.Retry != nil {
			if _, err := parseOptionalDuration("provider "+name+" retry.initial_backoff", p.Retry.InitialBackoff); err != nil {
				return err
			}
		}
	}

	if mode == ModeConditional {
		if len(cfg.Strategy.Conditions) == 0 {
			return fmt.Errorf("conditional strategy requires at least one condition")
		}
		for _, c := range cfg.Strategy.Conditions {
			if !names[c.Target] {
				return fmt.Errorf("condition targets unknown provider %q", c.Target)
			}
		}
	}

	if mode == ModeLoadBalance {
		var sum float64
		for _, p := range cfg.Providers {
			sum += p.Weight
		}
		if sum <= 0 {
			return fmt.Errorf("loadbalance strategy requires total weight > 0")
		}
	}

	if cfg.UsageLog != nil {
		switch cfg.UsageLog.Backend {
		case BackendSQLite:
		case BackendPostgres:
			if cfg.UsageLog.DSN == "" {
				return fmt.Errorf("usage_log backend postgres requires dsn")
			}
		default:
			return fmt.Errorf("unknown usage_log backend: %q", cfg.UsageLog.Backend)
		}
	}

	return nil
}

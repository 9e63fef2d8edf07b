// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Data-source kinds.
const (
	KindGraphQL = "graphql"
	KindOpenAPI = "openapi"
	KindKV      = "kv"
	KindSQL     = "sql"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig                `yaml:"server"`
	Identity      IdentityConfig              `yaml:"identity"`
	DataSources   map[string]DataSourceConfig `yaml:"datasources"`
	Cache         ResponseCacheConfig         `yaml:"cache"`
	Idempotency   IdempotencyConfig           `yaml:"idempotency"`
	Observability ObservabilityConfig         `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings. Leaving
// issuer empty disables token verification; every request is anonymous.
type IdentityConfig struct {
	Issuer          string            `yaml:"issuer"`
	Audience        string            `yaml:"audience"`
	JWKSURL         string            `yaml:"jwks_url"`
	JWKSCacheTTL    time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecretEnv   string            `yaml:"hmac_secret_env"`
	Algorithms      []string          `yaml:"algorithms"`
	ClaimPaths      map[string]string `yaml:"claim_paths"`
	RoleMappingFile string            `yaml:"role_mapping_file"`
}

// Enabled reports whether bearer tokens are verified.
func (c IdentityConfig) Enabled() bool {
	return c.Issuer != ""
}

// DataSourceConfig describes one namespace. Which fields apply depends on Kind.
type DataSourceConfig struct {
	Kind            string               `yaml:"kind"`
	URL             string               `yaml:"url"`
	SubscriptionURL string               `yaml:"subscription_url"`
	SchemaFile      string               `yaml:"schema_file"`
	SpecFile        string               `yaml:"spec_file"`
	PrefixFields    bool                 `yaml:"prefix_fields"`
	ResponsePaths   map[string]string    `yaml:"response_paths"`
	Headers         map[string]string    `yaml:"headers"`
	ForwardHeaders  []string             `yaml:"forward_headers"`
	Timeout         time.Duration        `yaml:"timeout"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	Redis           RedisConfig          `yaml:"redis"`
	Postgres        PostgresConfig       `yaml:"postgres"`
}

// CircuitBreakerConfig describes circuit breaker settings per data source.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RateLimitConfig bounds outbound requests per data source. A zero rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RedisConfig describes a key-value data source.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// Address returns the configured address, preferring the environment.
func (c RedisConfig) Address() string {
	if c.AddrEnv != "" {
		if v := os.Getenv(c.AddrEnv); v != "" {
			return v
		}
	}
	return c.Addr
}

// PostgresConfig describes an SQL data source exposing named statements.
type PostgresConfig struct {
	DSNEnv     string            `yaml:"dsn_env"`
	MaxConns   int32             `yaml:"max_conns"`
	Statements []StatementConfig `yaml:"statements"`
}

// StatementConfig is one SQL statement exposed as a root field.
type StatementConfig struct {
	Name    string         `yaml:"name"`
	Kind    string         `yaml:"kind"`
	SQL     string         `yaml:"sql"`
	Params  []ParamConfig  `yaml:"params"`
	Columns []ColumnConfig `yaml:"columns"`
	Many    bool           `yaml:"many"`
}

// ParamConfig is a positional statement parameter ($1, $2, ...).
type ParamConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ColumnConfig is a result column.
type ColumnConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ResponseCacheConfig describes the in-process cache for public cacheable
// queries.
type ResponseCacheConfig struct {
	Enabled     bool  `yaml:"enabled"`
	NumCounters int64 `yaml:"num_counters"`
	MaxCost     int64 `yaml:"max_cost"`
}

// IdempotencyConfig describes idempotency store settings for mutations.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	// LogFormat is json or console.
	LogFormat string `yaml:"log_format"`

	// RedactFields names input keys masked in debug logs, on top of the
	// built-in credential names.
	RedactFields []string `yaml:"redact_fields"`

	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // subscriptions are long-lived
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"Idempotency-Key", "If-None-Match", "X-WG-Subscribe-Once"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Cache: ResponseCacheConfig{
			NumCounters: 100000,
			MaxCost:     64 << 20,
		},
		Idempotency: IdempotencyConfig{
			Driver:     "memory",
			DefaultTTL: 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// envRef matches ${NAME}. Bare $NAME is left alone so SQL placeholders
// such as $1 survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Load reads the YAML file at path on top of Defaults, expands ${VAR}
// references, applies OPGRAPH_* overrides and validates the result.
// Unknown keys are rejected so typos surface at startup.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Namespaces returns the configured data-source namespaces in sorted order.
func (c *Config) Namespaces() []string {
	names := make([]string, 0, len(c.DataSources))
	for ns := range c.DataSources {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Enabled() {
		if c.Identity.JWKSURL == "" && c.Identity.HMACSecretEnv == "" {
			errs = append(errs, "identity.jwks_url or identity.hmac_secret_env is required when identity.issuer is set")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required when identity.issuer is set")
		}
	}
	for _, ns := range c.Namespaces() {
		errs = append(errs, c.DataSources[ns].validate("datasources."+ns)...)
	}
	if c.Idempotency.Enabled && c.Idempotency.Driver != "memory" && c.Idempotency.Driver != "redis" {
		errs = append(errs, "idempotency.driver must be memory or redis")
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, "observability.log_format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (d DataSourceConfig) validate(prefix string) []string {
	var errs []string
	switch d.Kind {
	case KindGraphQL:
		if d.URL == "" {
			errs = append(errs, prefix+".url is required")
		}
		if d.SchemaFile == "" {
			errs = append(errs, prefix+".schema_file is required")
		}
	case KindOpenAPI:
		if d.SpecFile == "" {
			errs = append(errs, prefix+".spec_file is required")
		}
	case KindKV:
		if d.Redis.Addr == "" && d.Redis.AddrEnv == "" {
			errs = append(errs, prefix+".redis.addr or redis.addr_env is required")
		}
	case KindSQL:
		if d.Postgres.DSNEnv == "" {
			errs = append(errs, prefix+".postgres.dsn_env is required")
		}
		if len(d.Postgres.Statements) == 0 {
			errs = append(errs, prefix+".postgres.statements must not be empty")
		}
		seen := make(map[string]bool)
		for i, st := range d.Postgres.Statements {
			where := fmt.Sprintf("%s.postgres.statements[%d]", prefix, i)
			if st.Name == "" || st.SQL == "" {
				errs = append(errs, where+" needs name and sql")
			}
			if seen[st.Name] {
				errs = append(errs, fmt.Sprintf("%s: duplicate statement %q", where, st.Name))
			}
			seen[st.Name] = true
			if st.Kind != "query" && st.Kind != "mutation" {
				errs = append(errs, where+".kind must be query or mutation")
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.kind %q is not one of graphql, openapi, kv, sql", prefix, d.Kind))
	}
	if d.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, prefix+".rate_limit.requests_per_second must not be negative")
	}
	return errs
}

// envOverrides maps OPGRAPH_* variables onto config fields.
var envOverrides = map[string]func(*Config, string){
	"OPGRAPH_SERVER_PORT": func(c *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	},
	"OPGRAPH_IDENTITY_ISSUER":          func(c *Config, v string) { c.Identity.Issuer = v },
	"OPGRAPH_IDENTITY_JWKS_URL":        func(c *Config, v string) { c.Identity.JWKSURL = v },
	"OPGRAPH_IDENTITY_AUDIENCE":        func(c *Config, v string) { c.Identity.Audience = v },
	"OPGRAPH_OBSERVABILITY_LOG_LEVEL":  func(c *Config, v string) { c.Observability.LogLevel = v },
	"OPGRAPH_OBSERVABILITY_LOG_FORMAT": func(c *Config, v string) { c.Observability.LogFormat = v },
}

// applyEnvOverrides applies envOverrides plus OPGRAPH_DATASOURCE_<NS>_URL
// for every configured data source.
func applyEnvOverrides(cfg *Config) {
	for key, apply := range envOverrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			apply(cfg, v)
		}
	}
	for ns, ds := range cfg.DataSources {
		if v := os.Getenv("OPGRAPH_DATASOURCE_" + envName(ns) + "_URL"); v != "" {
			ds.URL = v
			cfg.DataSources[ns] = ds
		}
	}
}

func envName(ns string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ns)
}

// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Callback      CallbackConfig      `yaml:"callback"`
	Session       SessionConfig       `yaml:"session"`
	Store         StoreConfig         `yaml:"store"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Actions       ActionsConfig       `yaml:"actions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings. AllowedOrigins
// also bounds the Origin header accepted on invocation requests.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// CallbackConfig describes signed callback issuance.
type CallbackConfig struct {
	Issuer        string        `yaml:"issuer"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
	TTL           time.Duration `yaml:"ttl"`
}

// SessionConfig describes how user sessions are authenticated. Exactly one of
// SecretEnv (HMAC) or PublicKeyFile (RSA/ECDSA PEM) must be set.
type SessionConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	SecretEnv     string            `yaml:"secret_env"`
	PublicKeyFile string            `yaml:"public_key_file"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
	CookieName    string            `yaml:"cookie_name"`
}

// StoreConfig describes the record store.
type StoreConfig struct {
	Driver          string             `yaml:"driver"`
	DSNEnv          string             `yaml:"dsn_env"`
	MaxOpenConns    int                `yaml:"max_open_conns"`
	MaxIdleConns    int                `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration      `yaml:"conn_max_lifetime"`
	Collections     []CollectionConfig `yaml:"collections"`
}

// CollectionConfig declares a named source that table definitions refer
// to. Table defaults to Name. SeedFile is a YAML list of records loaded
// into the memory driver.
type CollectionConfig struct {
	Name       string           `yaml:"name"`
	Table      string           `yaml:"table"`
	PrimaryKey string           `yaml:"primary_key"`
	SeedFile   string           `yaml:"seed_file"`
	Relations  []RelationConfig `yaml:"relations"`
}

// RelationConfig declares a belongs_to or has_many relation to another
// collection.
type RelationConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Collection string `yaml:"collection"`
	ForeignKey string `yaml:"foreign_key"`
}

// DefinitionsConfig describes where to find table definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig describes per-subject invocation rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ActionsConfig describes action execution settings.
type ActionsConfig struct {
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker wrapped around each bound
// execution body.
type BreakerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
// LogFormat is json or console.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var (
	storeDrivers       = []string{"memory", "sqlite", "sqlite3", "postgres", "postgresql", "pgx"}
	idempotencyDrivers = []string{"memory", "redis"}
	relationKinds      = []string{"belongs_to", "has_many"}
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "Accept",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Callback: CallbackConfig{
			Issuer:        "tabula",
			SigningKeyEnv: "TABULA_CALLBACK_KEY",
			TTL:           15 * time.Minute,
		},
		Session: SessionConfig{
			SecretEnv:  "TABULA_SESSION_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
				"session_id": "sid",
			},
			CookieName: "tabula_session",
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Actions: ActionsConfig{
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Callback.Issuer == "" {
		errs = append(errs, "callback.issuer is required")
	}
	if c.Callback.SigningKeyEnv == "" {
		errs = append(errs, "callback.signing_key_env is required")
	}
	if c.Callback.TTL <= 0 {
		errs = append(errs, "callback.ttl must be positive")
	}
	if c.Session.Issuer == "" {
		errs = append(errs, "session.issuer is required")
	}
	if (c.Session.SecretEnv == "") == (c.Session.PublicKeyFile == "") {
		errs = append(errs, "exactly one of session.secret_env or session.public_key_file is required")
	}
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of %s", c.Store.Driver, strings.Join(storeDrivers, ", ")))
	}
	if c.Store.Driver != "memory" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for SQL drivers")
	}
	errs = append(errs, validateCollections(c.Store.Collections)...)
	if c.Idempotency.Enabled {
		if !slices.Contains(idempotencyDrivers, c.Idempotency.Store.Driver) {
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of %s",
				c.Idempotency.Store.Driver, strings.Join(idempotencyDrivers, ", ")))
		}
		if c.Idempotency.Store.Driver == "redis" && c.Idempotency.Store.AddrEnv == "" {
			errs = append(errs, "idempotency.store.addr_env is required for redis")
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, "rate_limit requires positive requests_per_second and burst")
	}
	if f := c.Observability.LogFormat; f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", f))
	}
	if b := c.Actions.Breaker; b.Enabled && (b.ErrorRateThreshold < 0 || b.ErrorRateThreshold > 1) {
		errs = append(errs, "actions.breaker.error_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCollections(collections []CollectionConfig) []string {
	var errs []string
	names := make(map[string]bool, len(collections))
	for i, col := range collections {
		if col.Name == "" {
			errs = append(errs, fmt.Sprintf("store.collections[%d].name is required", i))
			continue
		}
		if names[col.Name] {
			errs = append(errs, fmt.Sprintf("store.collections[%d]: duplicate collection %q", i, col.Name))
		}
		names[col.Name] = true
	}
	for i, col := range collections {
		for j, rel := range col.Relations {
			prefix := fmt.Sprintf("store.collections[%d].relations[%d]", i, j)
			if rel.Name == "" || rel.ForeignKey == "" {
				errs = append(errs, prefix+" requires name and foreign_key")
			}
			if !slices.Contains(relationKinds, rel.Kind) {
				errs = append(errs, fmt.Sprintf("%s.kind %q is not one of %s", prefix, rel.Kind, strings.Join(relationKinds, ", ")))
			}
			if !names[rel.Collection] {
				errs = append(errs, fmt.Sprintf("%s.collection %q is not declared", prefix, rel.Collection))
			}
		}
	}
	return errs
}

// EnvValue reads the environment variable a config field names. It fails when
// the name is set but the variable is empty.
func EnvValue(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", name)
	}
	return v, nil
}

// applyEnvOverrides reads TABULA_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TABULA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TABULA_SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("TABULA_SESSION_ISSUER"); v != "" {
		cfg.Session.Issuer = v
	}
	if v := os.Getenv("TABULA_SESSION_AUDIENCE"); v != "" {
		cfg.Session.Audience = v
	}
	if v := os.Getenv("TABULA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TABULA_CALLBACK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Callback.TTL = d
		}
	}
	if v := os.Getenv("TABULA_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("TABULA_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

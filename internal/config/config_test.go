package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  port: 9090
  base_url: https://tables.example.com
  read_timeout: 15s
  cors:
    allowed_origins: ["https://app.example.com"]
callback:
  issuer: tabula-test
  ttl: 10m
session:
  issuer: https://auth.example.com
  audience: tabula
store:
  driver: sqlite
  dsn_env: TABULA_TEST_DSN
definitions:
  directories: ["./definitions"]
idempotency:
  enabled: true
  store:
    driver: redis
    addr_env: TABULA_TEST_REDIS
rate_limit:
  enabled: true
  requests_per_second: 5
  burst: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.BaseURL != "https://tables.example.com" {
		t.Errorf("Server.BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Callback.TTL != 10*time.Minute {
		t.Errorf("Callback.TTL = %v, want 10m", cfg.Callback.TTL)
	}
	// Unset fields keep their defaults.
	if cfg.Callback.SigningKeyEnv != "TABULA_CALLBACK_KEY" {
		t.Errorf("Callback.SigningKeyEnv = %q, want default", cfg.Callback.SigningKeyEnv)
	}
	if cfg.Session.SecretEnv != "TABULA_SESSION_SECRET" {
		t.Errorf("Session.SecretEnv = %q, want default", cfg.Session.SecretEnv)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if !cfg.Idempotency.Enabled || cfg.Idempotency.Store.Driver != "redis" {
		t.Errorf("Idempotency = %+v, want enabled redis", cfg.Idempotency)
	}
	if cfg.RateLimit.Burst != 10 {
		t.Errorf("RateLimit.Burst = %d, want 10", cfg.RateLimit.Burst)
	}
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "parsing") {
		t.Fatalf("Load() error = %v, want parsing error", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Callback.TTL != 15*time.Minute {
		t.Errorf("default Callback.TTL = %v, want 15m", cfg.Callback.TTL)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Actions.Breaker.Enabled || cfg.Actions.Breaker.FailureThreshold != 5 {
		t.Errorf("default Actions.Breaker = %+v, want disabled with threshold 5", cfg.Actions.Breaker)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABULA_SERVER_PORT", "3000")
	t.Setenv("TABULA_SERVER_BASE_URL", "https://env.example.com")
	t.Setenv("TABULA_SESSION_ISSUER", "https://env-issuer.com")
	t.Setenv("TABULA_SESSION_AUDIENCE", "env-audience")
	t.Setenv("TABULA_CALLBACK_TTL", "5m")
	t.Setenv("TABULA_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("TABULA_OBSERVABILITY_LOG_FORMAT", "console")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override beats file)", cfg.Server.Port)
	}
	if cfg.Observability.LogFormat != "console" {
		t.Errorf("Observability.LogFormat = %q, want console", cfg.Observability.LogFormat)
	}
	if cfg.Server.BaseURL != "https://env.example.com" {
		t.Errorf("Server.BaseURL = %q, want env override", cfg.Server.BaseURL)
	}
	if cfg.Session.Issuer != "https://env-issuer.com" {
		t.Errorf("Session.Issuer = %q, want env override", cfg.Session.Issuer)
	}
	if cfg.Session.Audience != "env-audience" {
		t.Errorf("Session.Audience = %q, want env override", cfg.Session.Audience)
	}
	if cfg.Callback.TTL != 5*time.Minute {
		t.Errorf("Callback.TTL = %v, want 5m (env override)", cfg.Callback.TTL)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Session.Issuer = "https://auth.example.com"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with issuer", mutate: func(*Config) {}},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "missing callback issuer", mutate: func(c *Config) { c.Callback.Issuer = "" }, wantErr: "callback.issuer"},
		{name: "zero ttl", mutate: func(c *Config) { c.Callback.TTL = 0 }, wantErr: "callback.ttl"},
		{name: "missing session issuer", mutate: func(c *Config) { c.Session.Issuer = "" }, wantErr: "session.issuer"},
		{
			name:    "both session keys",
			mutate:  func(c *Config) { c.Session.PublicKeyFile = "/keys/session.pem" },
			wantErr: "exactly one",
		},
		{name: "unknown store driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: "store.driver"},
		{name: "sql without dsn", mutate: func(c *Config) { c.Store.Driver = "postgres" }, wantErr: "store.dsn_env"},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Idempotency.Enabled = true
				c.Idempotency.Store.Driver = "redis"
			},
			wantErr: "addr_env",
		},
		{
			name: "collections with relation",
			mutate: func(c *Config) {
				c.Store.Collections = []CollectionConfig{
					{Name: "users", Relations: []RelationConfig{
						{Name: "team", Kind: "belongs_to", Collection: "teams", ForeignKey: "team_id"},
					}},
					{Name: "teams"},
				}
			},
		},
		{
			name: "duplicate collection",
			mutate: func(c *Config) {
				c.Store.Collections = []CollectionConfig{{Name: "users"}, {Name: "users"}}
			},
			wantErr: "duplicate collection",
		},
		{
			name: "relation to undeclared collection",
			mutate: func(c *Config) {
				c.Store.Collections = []CollectionConfig{{Name: "users", Relations: []RelationConfig{
					{Name: "team", Kind: "belongs_to", Collection: "teams", ForeignKey: "team_id"},
				}}}
			},
			wantErr: "is not declared",
		},
		{
			name: "unknown relation kind",
			mutate: func(c *Config) {
				c.Store.Collections = []CollectionConfig{{Name: "users", Relations: []RelationConfig{
					{Name: "posts", Kind: "many_to_many", Collection: "users", ForeignKey: "user_id"},
				}}}
			},
			wantErr: "kind",
		},
		{
			name: "breaker error rate above one",
			mutate: func(c *Config) {
				c.Actions.Breaker.Enabled = true
				c.Actions.Breaker.ErrorRateThreshold = 1.5
			},
			wantErr: "error_rate_threshold",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Observability.LogFormat = "xml" },
			wantErr: "observability.log_format",
		},
		{
			name: "rate limit without burst",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Burst = 0
			},
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvValue(t *testing.T) {
	t.Setenv("TABULA_TEST_SECRET", "s3cret")

	if v, err := EnvValue("TABULA_TEST_SECRET"); err != nil || v != "s3cret" {
		t.Errorf("EnvValue() = %q, %v, want s3cret", v, err)
	}
	if _, err := EnvValue("TABULA_TEST_UNSET_VARIABLE"); err == nil {
		t.Error("EnvValue() of unset variable should return error")
	}
	if v, err := EnvValue(""); err != nil || v != "" {
		t.Errorf("EnvValue(\"\") = %q, %v, want empty", v, err)
	}
}

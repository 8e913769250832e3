// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Session       SessionConfig       `yaml:"session"`
	Preferences   PreferencesConfig   `yaml:"preferences"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
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

// IdentityConfig describes how console session tokens are verified.
type IdentityConfig struct {
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	SecretEnv  string `yaml:"secret_env"`
	CookieName string `yaml:"cookie_name"`

	// Secret is resolved from SecretEnv at load time and never read from
	// the file.
	Secret string `yaml:"-"`
}

// BackendConfig selects and configures the monitoring backend.
type BackendConfig struct {
	Driver          string               `yaml:"driver"`
	DSNEnv          string               `yaml:"dsn_env"`
	MaxOpenConns    int                  `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration        `yaml:"conn_max_lifetime"`
	URL             string               `yaml:"url"`
	TokenEnv        string               `yaml:"token_env"`
	Timeout         time.Duration        `yaml:"timeout"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`

	// FixturesFile seeds the memory driver at startup.
	FixturesFile string `yaml:"fixtures_file"`
}

// CircuitBreakerConfig describes circuit breaker settings for the RPC
// backend.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SessionConfig describes flash message storage and CSRF protection.
type SessionConfig struct {
	FlashDriver   string        `yaml:"flash_driver"`
	RedisAddrEnv  string        `yaml:"redis_addr_env"`
	RedisDB       int           `yaml:"redis_db"`
	FlashTTL      time.Duration `yaml:"flash_ttl"`
	CSRFSecretEnv string        `yaml:"csrf_secret_env"`

	CSRFSecret string `yaml:"-"`
}

// PreferencesConfig describes the per-user preference store.
type PreferencesConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	RedisAddrEnv string `yaml:"redis_addr_env"`
	RedisDB      int    `yaml:"redis_db"`
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

// ObservabilityConfig describes logging, tracing, and metrics settings.
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
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key", "X-CSRF-Token"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "CONSOLE_JWT_SECRET",
			CookieName: "console_session",
		},
		Backend: BackendConfig{
			Driver:          "memory",
			DSNEnv:          "CONSOLE_BACKEND_DSN",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			TokenEnv:        "CONSOLE_BACKEND_TOKEN",
			Timeout:         10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Session: SessionConfig{
			FlashDriver:   "memory",
			RedisAddrEnv:  "CONSOLE_REDIS_ADDR",
			FlashTTL:      10 * time.Minute,
			CSRFSecretEnv: "CONSOLE_CSRF_SECRET",
		},
		Preferences: PreferencesConfig{
			Driver:       "memory",
			Path:         "preferences.db",
			RedisAddrEnv: "CONSOLE_REDIS_ADDR",
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
				AddrEnv:    "CONSOLE_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
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
// resolves secrets and validates the result.
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
	cfg.resolveSecrets()

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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.Secret == "" {
		errs = append(errs, fmt.Sprintf("identity secret is empty (set %s)", c.Identity.SecretEnv))
	}
	if c.Session.CSRFSecret == "" {
		errs = append(errs, fmt.Sprintf("session csrf secret is empty (set %s)", c.Session.CSRFSecretEnv))
	}

	if !slices.Contains([]string{"memory", "postgres", "rpc"}, c.Backend.Driver) {
		errs = append(errs, fmt.Sprintf("backend.driver %q is not one of memory, postgres, rpc", c.Backend.Driver))
	}
	if c.Backend.Driver == "rpc" && c.Backend.URL == "" {
		errs = append(errs, "backend.url is required for the rpc driver")
	}
	if c.Backend.Driver == "postgres" && c.Backend.DSNEnv == "" {
		errs = append(errs, "backend.dsn_env is required for the postgres driver")
	}

	if !slices.Contains([]string{"memory", "redis"}, c.Session.FlashDriver) {
		errs = append(errs, fmt.Sprintf("session.flash_driver %q is not one of memory, redis", c.Session.FlashDriver))
	}
	if !slices.Contains([]string{"memory", "redis", "sqlite"}, c.Preferences.Driver) {
		errs = append(errs, fmt.Sprintf("preferences.driver %q is not one of memory, redis, sqlite", c.Preferences.Driver))
	}
	if c.Preferences.Driver == "sqlite" && c.Preferences.Path == "" {
		errs = append(errs, "preferences.path is required for the sqlite driver")
	}
	if c.Idempotency.Enabled && !slices.Contains([]string{"memory", "redis"}, c.Idempotency.Store.Driver) {
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
	}
	if c.Capability.StaticPolicyFile == "" {
		errs = append(errs, "capability.static_policy_file is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) resolveSecrets() {
	if c.Identity.SecretEnv != "" {
		c.Identity.Secret = os.Getenv(c.Identity.SecretEnv)
	}
	if c.Session.CSRFSecretEnv != "" {
		c.Session.CSRFSecret = os.Getenv(c.Session.CSRFSecretEnv)
	}
}

// applyEnvOverrides reads CONSOLE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONSOLE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONSOLE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CONSOLE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CONSOLE_BACKEND_DRIVER"); v != "" {
		cfg.Backend.Driver = v
	}
	if v := os.Getenv("CONSOLE_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("CONSOLE_PREFERENCES_DRIVER"); v != "" {
		cfg.Preferences.Driver = v
	}
	if v := os.Getenv("CONSOLE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CONSOLE_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

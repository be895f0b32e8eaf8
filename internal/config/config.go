// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Actors        ActorsConfig        `yaml:"actors"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	EntityContext EntityContextConfig `yaml:"entity_context"`
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

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes instance and template persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "memory" or "postgres"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TemplatesConfig describes seed template loading.
type TemplatesConfig struct {
	SeedDirectory  string `yaml:"seed_directory"`
	SeedTenant     string `yaml:"seed_tenant"`
	ActivateOnLoad bool   `yaml:"activate_on_load"`
}

// SchedulerConfig describes the SLA sweep.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ActorsConfig describes permission resolution settings.
type ActorsConfig struct {
	Resolver         string `yaml:"resolver"` // "static" or "allow_all"
	StaticPolicyFile string `yaml:"static_policy_file"`
}

// DispatchConfig describes action delivery settings.
type DispatchConfig struct {
	Mode       string            `yaml:"mode"` // "webhook" or "log"
	DefaultURL string            `yaml:"default_url"`
	Endpoints  map[string]string `yaml:"endpoints"` // action type -> URL
	Timeout    time.Duration     `yaml:"timeout"`
}

// EntityContextConfig describes the upstream entity context service.
type EntityContextConfig struct {
	Provider string        `yaml:"provider"` // "http" or "static"
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
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
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"actor_id":  "sub",
				"tenant_id": "tenant_id",
				"email":     "email",
				"roles":     "roles",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "STAGEFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
		},
		Actors: ActorsConfig{
			Resolver: "allow_all",
		},
		Dispatch: DispatchConfig{
			Mode:    "log",
			Timeout: 10 * time.Second,
		},
		EntityContext: EntityContextConfig{
			Provider: "static",
			Timeout:  5 * time.Second,
			CacheTTL: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "postgres" {
		errs = append(errs, `store.driver must be "memory" or "postgres"`)
	}
	if c.Actors.Resolver == "static" && c.Actors.StaticPolicyFile == "" {
		errs = append(errs, "actors.static_policy_file is required for the static resolver")
	}
	if c.Dispatch.Mode == "webhook" && c.Dispatch.DefaultURL == "" && len(c.Dispatch.Endpoints) == 0 {
		errs = append(errs, "dispatch.default_url or dispatch.endpoints is required in webhook mode")
	}
	if c.EntityContext.Provider == "http" && c.EntityContext.BaseURL == "" {
		errs = append(errs, "entity_context.base_url is required for the http provider")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STAGEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STAGEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STAGEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("STAGEFLOW_DISPATCH_DEFAULT_URL"); v != "" {
		cfg.Dispatch.DefaultURL = v
		cfg.Dispatch.Mode = "webhook"
	}
	if v := os.Getenv("STAGEFLOW_ENTITY_CONTEXT_BASE_URL"); v != "" {
		cfg.EntityContext.BaseURL = v
		cfg.EntityContext.Provider = "http"
	}
}

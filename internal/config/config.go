package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

// Authorization gate selections for AUTHZ_GATE.
const (
	GateAllowAll    = "allow-all"
	GateScope       = "scope"
	GateRedact      = "redact"
	GateScopeRedact = "scope+redact"
)

// Store and source backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFHIR     = "fhir"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CDSHooksPath    string        `mapstructure:"CDS_HOOKS_PATH"`
	CDSServicesFile string        `mapstructure:"CDS_SERVICES_FILE"`
	DispatchTimeout time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`

	AuthzGate   string `mapstructure:"AUTHZ_GATE"`
	AuthzRedact string `mapstructure:"AUTHZ_REDACT"`

	PrefetchSource    string        `mapstructure:"PREFETCH_SOURCE"`
	FHIRBaseURL       string        `mapstructure:"FHIR_BASE_URL"`
	FHIRRetryAttempts uint          `mapstructure:"FHIR_RETRY_ATTEMPTS"`
	FHIRTimeout       time.Duration `mapstructure:"FHIR_TIMEOUT"`

	FeedbackStore string `mapstructure:"FEEDBACK_STORE"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingSampler     string  `mapstructure:"TRACING_SAMPLER"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CDS_HOOKS_PATH", "CDS_SERVICES_FILE", "DISPATCH_TIMEOUT", "REQUEST_TIMEOUT",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	"AUTHZ_GATE", "AUTHZ_REDACT",
	"PREFETCH_SOURCE", "FHIR_BASE_URL", "FHIR_RETRY_ATTEMPTS", "FHIR_TIMEOUT",
	"FEEDBACK_STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"TRACING_ENABLED", "TRACING_SAMPLER", "TRACING_SAMPLE_RATIO",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory and then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("CDS_HOOKS_PATH", "/cds-services")
	v.SetDefault("DISPATCH_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("AUTHZ_GATE", GateAllowAll)
	v.SetDefault("PREFETCH_SOURCE", BackendNone)
	v.SetDefault("FHIR_RETRY_ATTEMPTS", 3)
	v.SetDefault("FHIR_TIMEOUT", "10s")
	v.SetDefault("FEEDBACK_STORE", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SQLITE_PATH", "data/cds-feedback.db")
	v.SetDefault("TRACING_SAMPLER", "always")
	v.SetDefault("TRACING_SAMPLE_RATIO", 1.0)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in a
// development environment and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// UsesPostgres reports whether any component needs DATABASE_URL.
func (c *Config) UsesPostgres() bool {
	return c.FeedbackStore == BackendPostgres || c.PrefetchSource == BackendPostgres
}

// GateUsesScopes reports whether the SMART scope gate is enabled.
func (c *Config) GateUsesScopes() bool {
	return c.AuthzGate == GateScope || c.AuthzGate == GateScopeRedact
}

// GateUsesRedaction reports whether the redaction gate is enabled.
func (c *Config) GateUsesRedaction() bool {
	return c.AuthzGate == GateRedact || c.AuthzGate == GateScopeRedact
}

// Validate rejects configurations the server cannot run safely with.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthModeJWT:
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.AuthzGate {
	case GateAllowAll, GateScope, GateRedact, GateScopeRedact:
	default:
		return fmt.Errorf("AUTHZ_GATE must be one of allow-all, scope, redact, scope+redact, got %q", c.AuthzGate)
	}
	if c.GateUsesRedaction() && strings.TrimSpace(c.AuthzRedact) == "" {
		return fmt.Errorf("AUTHZ_REDACT is required when AUTHZ_GATE=%s", c.AuthzGate)
	}

	switch c.PrefetchSource {
	case BackendNone, BackendFHIR, BackendPostgres:
	default:
		return fmt.Errorf("PREFETCH_SOURCE must be none, fhir or postgres, got %q", c.PrefetchSource)
	}

	switch c.FeedbackStore {
	case BackendMemory, BackendPostgres:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when FEEDBACK_STORE=sqlite")
		}
	default:
		return fmt.Errorf("FEEDBACK_STORE must be memory, postgres or sqlite, got %q", c.FeedbackStore)
	}

	if c.UsesPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when a postgres backend is selected")
	}
	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must be between 0 and DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be positive, got %s", c.DispatchTimeout)
	}
	if c.RequestTimeout > 0 && c.RequestTimeout < c.DispatchTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not be shorter than DISPATCH_TIMEOUT (%s)", c.RequestTimeout, c.DispatchTimeout)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}

	switch c.TracingSampler {
	case "always", "never":
	case "ratio":
		if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
			return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1], got %g", c.TracingSampleRatio)
		}
	default:
		return fmt.Errorf("TRACING_SAMPLER must be always, never or ratio, got %q", c.TracingSampler)
	}

	return nil
}

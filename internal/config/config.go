package config

import (
	"strings"
	"time"
)

// Config is the root configuration document. Values are immutable after load;
// changing the file on disk requires a restart (the watcher only reports
// drift).
type Config struct {
	// Environment is one of development, staging, production. Production
	// refuses to start without a JWT secret.
	Environment  string             `yaml:"environment"`
	Gate         GateConfig         `yaml:"gate"`
	Jwt          JwtConfig          `yaml:"jwt"`
	Redis        RedisConfig        `yaml:"redis"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	RateLimits   RateLimitsConfig   `yaml:"rate_limits"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// GateConfig holds the routing table and pipeline limits.
type GateConfig struct {
	Port                   int               `yaml:"port"`
	Services               map[string]string `yaml:"services"`
	AllowedRoutes          []RouteConfig     `yaml:"allowed_routes"`
	DefaultTimeoutSeconds  int               `yaml:"default_timeout_seconds"`
	MaxPayloadSizeBytes    int64             `yaml:"max_payload_size_bytes"`
	EnableCaching          bool              `yaml:"enable_caching"`
	CacheExpirationMinutes int               `yaml:"cache_expiration_minutes"`
	CacheMaxBodyBytes      int64             `yaml:"cache_max_body_bytes"`
	CacheVaryHeaders       []string          `yaml:"cache_vary_headers"`
	// Secret, when set, is injected as X-Gateway-Secret on every forward so
	// upstreams can reject traffic that bypassed the gateway.
	Secret string     `yaml:"secret"`
	Cors   CorsConfig `yaml:"cors"`
}

// RouteConfig is one allowed route. Routes not listed here are denied.
type RouteConfig struct {
	Service       string   `yaml:"service"`
	Methods       []string `yaml:"methods"`
	PathPrefix    string   `yaml:"path_prefix"`
	RequiresAuth  bool     `yaml:"requires_auth"`
	RequiredRoles []string `yaml:"required_roles"`
	// Public selects the public rate-limit policy (login and similar
	// endpoints); system endpoints are always public.
	Public bool `yaml:"public"`
}

// JwtConfig controls bearer-token validation (HS256 shared key).
type JwtConfig struct {
	SecretKey                string `yaml:"secret_key"`
	Issuer                   string `yaml:"issuer"`
	Audience                 string `yaml:"audience"`
	ValidateIssuer           bool   `yaml:"validate_issuer"`
	ValidateAudience         bool   `yaml:"validate_audience"`
	ValidateLifetime         bool   `yaml:"validate_lifetime"`
	ValidateIssuerSigningKey bool   `yaml:"validate_issuer_signing_key"`
}

// RedisConfig selects the cache backend. An empty connection string means the
// in-memory cache.
type RedisConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// HealthChecksConfig controls the background prober.
type HealthChecksConfig struct {
	CheckIntervalSeconds    int `yaml:"check_interval_seconds"`
	UnhealthyTimeoutSeconds int `yaml:"unhealthy_timeout_seconds"`
	// ReadyServices lists upstreams that gate /health/ready. Empty means all.
	ReadyServices []string `yaml:"ready_services"`
}

// RateLimitsConfig overrides the two named admission policies.
type RateLimitsConfig struct {
	Global RateLimitPolicyConfig `yaml:"global"`
	Public RateLimitPolicyConfig `yaml:"public"`
}

// RateLimitPolicyConfig is one token-bucket policy.
type RateLimitPolicyConfig struct {
	Burst     int     `yaml:"burst"`
	PerSecond float64 `yaml:"per_second"`
	Queue     int     `yaml:"queue"`
}

// CorsConfig controls in-gateway preflight answers.
type CorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	File     string            `yaml:"file"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int `yaml:"max_age"`     // days to retain old files (default 28)
}

// DefaultConfig returns a Config populated with defaults; Parse overlays the
// file on top of it.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Gate: GateConfig{
			Port:                   8100,
			DefaultTimeoutSeconds:  30,
			MaxPayloadSizeBytes:    10485760,
			EnableCaching:          true,
			CacheExpirationMinutes: 5,
			CacheMaxBodyBytes:      1048576,
		},
		Jwt: JwtConfig{
			ValidateIssuer:           true,
			ValidateAudience:         true,
			ValidateLifetime:         true,
			ValidateIssuerSigningKey: true,
		},
		HealthChecks: HealthChecksConfig{
			CheckIntervalSeconds:    30,
			UnhealthyTimeoutSeconds: 10,
		},
		RateLimits: RateLimitsConfig{
			Global: RateLimitPolicyConfig{Burst: 100, PerSecond: 50, Queue: 200},
			Public: RateLimitPolicyConfig{Burst: 200, PerSecond: 100, Queue: 100},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// IsProduction reports whether the environment enforces production rules.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ServiceURL resolves a logical service name to its base URL.
func (g *GateConfig) ServiceURL(name string) (string, bool) {
	u, ok := g.Services[name]
	return u, ok
}

// DefaultTimeout returns the per-attempt upstream timeout.
func (g *GateConfig) DefaultTimeout() time.Duration {
	return time.Duration(g.DefaultTimeoutSeconds) * time.Second
}

// CacheTTL returns the default cache entry lifetime.
func (g *GateConfig) CacheTTL() time.Duration {
	return time.Duration(g.CacheExpirationMinutes) * time.Minute
}

// CheckInterval returns the prober period.
func (h *HealthChecksConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe timeout.
func (h *HealthChecksConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.UnhealthyTimeoutSeconds) * time.Second
}

// IsReadyService reports whether the named upstream gates readiness.
func (h *HealthChecksConfig) IsReadyService(name string) bool {
	if len(h.ReadyServices) == 0 {
		return true
	}
	for _, s := range h.ReadyServices {
		if s == name {
			return true
		}
	}
	return false
}

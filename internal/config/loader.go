package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// envPattern matches ${VAR_NAME} and ${VAR_NAME:-default} placeholders in
// config files.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

var validMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"OPTIONS": true,
}

// dnsLabelPattern restricts service names to lowercase DNS labels so they are
// safe as metric label values and cache key segments.
var dnsLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data, expanding ${ENV_VAR} references and applying
// defaults before validation.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(data)

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with the environment value and honors the
// ${VAR:-default} form when the variable is unset or empty. A plain ${VAR}
// that is unset expands to the empty string.
func expandEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		if v := os.Getenv(string(groups[1])); v != "" {
			return []byte(v)
		}
		if def := groups[2]; len(def) >= 2 {
			return def[2:]
		}
		return nil
	})
}

// normalize canonicalizes fields before validation: environment may come from
// APRON_ENV, methods compare case-insensitively.
func (c *Config) normalize() {
	if env := os.Getenv("APRON_ENV"); env != "" && c.Environment == "development" {
		c.Environment = env
	}
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))

	for i := range c.Gate.AllowedRoutes {
		r := &c.Gate.AllowedRoutes[i]
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
	}
}

func (c *Config) validate() error {
	if !validEnvironments[c.Environment] {
		return fmt.Errorf("environment %q: must be development, staging or production", c.Environment)
	}
	if err := c.Gate.validate(); err != nil {
		return err
	}
	if err := c.validateJwt(); err != nil {
		return err
	}
	if err := c.HealthChecks.validate(c.Gate.Services); err != nil {
		return err
	}
	if err := c.RateLimits.validate(); err != nil {
		return err
	}
	return nil
}

func (g *GateConfig) validate() error {
	if g.Port < 1 || g.Port > 65535 {
		return fmt.Errorf("gate.port %d: must be between 1 and 65535", g.Port)
	}
	if len(g.Services) == 0 {
		return fmt.Errorf("gate.services: at least one service is required")
	}
	for name, raw := range g.Services {
		if !dnsLabelPattern.MatchString(name) {
			return fmt.Errorf("service %q: name must be a lowercase DNS label", name)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("service %q: invalid URL %q: %w", name, raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("service %q: URL scheme must be http or https, got %q", name, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("service %q: URL %q has no host", name, raw)
		}
	}
	if len(g.AllowedRoutes) == 0 {
		return fmt.Errorf("gate.allowed_routes: at least one route is required")
	}
	for i, r := range g.AllowedRoutes {
		if err := r.validate(g.Services); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	if g.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("gate.default_timeout_seconds %d: must be positive", g.DefaultTimeoutSeconds)
	}
	if g.MaxPayloadSizeBytes <= 0 {
		return fmt.Errorf("gate.max_payload_size_bytes %d: must be positive", g.MaxPayloadSizeBytes)
	}
	if g.EnableCaching {
		if g.CacheExpirationMinutes <= 0 {
			return fmt.Errorf("gate.cache_expiration_minutes %d: must be positive when caching is enabled", g.CacheExpirationMinutes)
		}
		if g.CacheMaxBodyBytes <= 0 {
			return fmt.Errorf("gate.cache_max_body_bytes %d: must be positive when caching is enabled", g.CacheMaxBodyBytes)
		}
	}
	return nil
}

func (r *RouteConfig) validate(services map[string]string) error {
	if r.Service == "" {
		return fmt.Errorf("service is required")
	}
	if _, ok := services[r.Service]; !ok {
		return fmt.Errorf("service %q is not defined in gate.services", r.Service)
	}
	if r.PathPrefix == "" || !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("path_prefix %q: must start with /", r.PathPrefix)
	}
	if len(r.Methods) == 0 {
		return fmt.Errorf("path_prefix %q: at least one method is required", r.PathPrefix)
	}
	for _, m := range r.Methods {
		if !validMethods[m] {
			return fmt.Errorf("path_prefix %q: unsupported method %q", r.PathPrefix, m)
		}
	}
	if !r.RequiresAuth && len(r.RequiredRoles) > 0 {
		return fmt.Errorf("path_prefix %q: required_roles needs requires_auth", r.PathPrefix)
	}
	return nil
}

func (c *Config) validateJwt() error {
	if c.IsProduction() && c.Jwt.SecretKey == "" {
		return fmt.Errorf("jwt.secret_key: required in production")
	}
	if c.Jwt.SecretKey != "" {
		if c.Jwt.ValidateIssuer && c.Jwt.Issuer == "" {
			return fmt.Errorf("jwt.issuer: required when validate_issuer is enabled")
		}
		if c.Jwt.ValidateAudience && c.Jwt.Audience == "" {
			return fmt.Errorf("jwt.audience: required when validate_audience is enabled")
		}
	}
	return nil
}

func (h *HealthChecksConfig) validate(services map[string]string) error {
	if h.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("health_checks.check_interval_seconds %d: must be positive", h.CheckIntervalSeconds)
	}
	if h.UnhealthyTimeoutSeconds <= 0 {
		return fmt.Errorf("health_checks.unhealthy_timeout_seconds %d: must be positive", h.UnhealthyTimeoutSeconds)
	}
	for _, name := range h.ReadyServices {
		if _, ok := services[name]; !ok {
			return fmt.Errorf("health_checks.ready_services: service %q is not defined in gate.services", name)
		}
	}
	return nil
}

func (r *RateLimitsConfig) validate() error {
	if err := r.Global.validate(); err != nil {
		return fmt.Errorf("rate_limits.global: %w", err)
	}
	if err := r.Public.validate(); err != nil {
		return fmt.Errorf("rate_limits.public: %w", err)
	}
	return nil
}

func (p *RateLimitPolicyConfig) validate() error {
	if p.Burst <= 0 {
		return fmt.Errorf("burst %d: must be positive", p.Burst)
	}
	if p.PerSecond <= 0 {
		return fmt.Errorf("per_second %g: must be positive", p.PerSecond)
	}
	if p.Queue < 0 {
		return fmt.Errorf("queue %d: must not be negative", p.Queue)
	}
	return nil
}

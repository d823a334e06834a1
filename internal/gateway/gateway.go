// Package gateway assembles the request pipeline: admission, authentication,
// route authorization, caching and the resilient forward to upstreams.
package gateway

import (
	"context"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/auth"
	"github.com/wudi/apron/internal/cache"
	"github.com/wudi/apron/internal/circuitbreaker"
	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/health"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
	"github.com/wudi/apron/internal/middleware"
	"github.com/wudi/apron/internal/middleware/compression"
	"github.com/wudi/apron/internal/middleware/cors"
	"github.com/wudi/apron/internal/middleware/ratelimit"
	"github.com/wudi/apron/internal/proxy"
	"github.com/wudi/apron/internal/retry"
	"github.com/wudi/apron/internal/router"
)

// defaultCacheEntries bounds the in-memory cache when Redis is not configured.
const defaultCacheEntries = 1000

// Gateway owns every pipeline component. Construction wires them together;
// after New the gateway is immutable and safe for concurrent use.
type Gateway struct {
	cfg        *config.Config
	version    string
	startedAt  time.Time
	table      *router.Table
	validator  *auth.Validator
	cors       *cors.Handler
	limiter    *ratelimit.Limiter
	compressor *compression.Compressor
	cache      *cache.Handler
	flight     *cache.Flight
	breakers   *circuitbreaker.Registry
	forwarder  *proxy.Forwarder
	health     *health.Aggregator
	metrics    *metrics.Collector

	handler http.Handler
	system  http.Handler
}

// Option adjusts gateway construction.
type Option func(*options)

type options struct {
	retryPolicy *retry.Policy
}

// WithRetryPolicy overrides the default forward retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *options) { o.retryPolicy = p }
}

// New builds a gateway from validated config.
func New(cfg *config.Config, version string, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	table, err := router.Build(&cfg.Gate)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		OnStateChange: func(upstream string, _, to gobreaker.State) {
			collector.SetBreakerState(upstream, circuitbreaker.StateGaugeValue(to))
		},
	})

	g := &Gateway{
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		table:     table,
		validator: auth.NewValidator(auth.Config{
			SecretKey:                cfg.Jwt.SecretKey,
			Issuer:                   cfg.Jwt.Issuer,
			Audience:                 cfg.Jwt.Audience,
			ValidateIssuer:           cfg.Jwt.ValidateIssuer,
			ValidateAudience:         cfg.Jwt.ValidateAudience,
			ValidateLifetime:         cfg.Jwt.ValidateLifetime,
			ValidateIssuerSigningKey: cfg.Jwt.ValidateIssuerSigningKey,
		}),
		cors:       cors.New(cfg.Gate.Cors),
		limiter:    ratelimit.New(cfg.RateLimits),
		compressor: compression.New(),
		flight:     cache.NewFlight(),
		breakers:   breakers,
		health:     health.NewAggregator(cfg.Gate.Services, &cfg.HealthChecks, collector),
		metrics:    collector,
	}

	policy := o.retryPolicy
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultMaxRetries)
	}
	g.forwarder = proxy.NewForwarder(
		proxy.NewTransportPool(proxy.DefaultTransportConfig),
		breakers,
		policy,
		collector,
		proxy.Options{
			RequestTimeout: cfg.Gate.DefaultTimeout(),
			Secret:         cfg.Gate.Secret,
		},
	)

	if cfg.Gate.EnableCaching {
		store, err := newStore(cfg)
		if err != nil {
			return nil, err
		}
		g.cache = cache.NewHandler(store, cache.Options{
			DefaultTTL:  cfg.Gate.CacheTTL(),
			MaxBodySize: cfg.Gate.CacheMaxBodyBytes,
			VaryHeaders: cfg.Gate.CacheVaryHeaders,
		})
	}

	g.system = g.buildSystem()
	g.handler = g.buildHandler()
	return g, nil
}

// newStore selects the cache backend: Redis when a connection string is
// configured, otherwise in-memory LRU.
func newStore(cfg *config.Config) (cache.Store, error) {
	if cfg.Redis.ConnectionString == "" {
		return cache.NewMemoryStore(defaultCacheEntries, cfg.Gate.CacheTTL()), nil
	}
	client, err := cache.NewRedisClient(cfg.Redis.ConnectionString)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisStore(client, ""), nil
}

// Handler returns the fully assembled pipeline.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Health returns the health aggregator so the server can start and stop it.
func (g *Gateway) Health() *health.Aggregator {
	return g.health
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Validator exposes token operations for development tooling.
func (g *Gateway) Validator() *auth.Validator {
	return g.validator
}

// handle is the terminal pipeline stage: dispatch system paths, authenticate,
// match and authorize the route, then serve from cache or forward.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if router.IsSystemPath(path) || path == "/cache" {
		g.system.ServeHTTP(w, r)
		return
	}

	rc := middleware.FromRequest(r)

	principal, err := g.validator.Authenticate(r)
	if err != nil {
		// An invalid token downgrades to anonymous; the route table decides
		// whether anonymous is acceptable.
		logging.Debug("token rejected",
			zap.String("correlation_id", middleware.CorrelationID(r)),
			zap.Error(err))
	}
	if rc != nil {
		rc.Principal = principal
	}

	rule := g.table.Match(r.Method, path)
	if apErr := router.Authorize(rule, principal); apErr != nil {
		g.writeError(w, r, apErr)
		return
	}
	if rc != nil {
		rc.RoutePrefix = rule.PathPrefix
	}

	if g.cache != nil && g.cache.CacheableRequest(r) {
		g.serveCacheable(w, r, rule)
		return
	}

	if apErr := g.forwarder.Forward(w, r, rule); apErr != nil {
		g.writeError(w, r, apErr)
	}
}

// serveCacheable answers a cacheable request: cache hit, or a single-flight
// forward whose result is admitted to the cache.
func (g *Gateway) serveCacheable(w http.ResponseWriter, r *http.Request, rule *router.Rule) {
	rc := middleware.FromRequest(r)
	key, displayKey := g.cache.Key(rule.Upstream, r)

	if entry, ok := g.cache.Lookup(r.Context(), key); ok {
		g.metrics.RecordCacheEvent("hit")
		if rc != nil {
			rc.FromCache = true
		}
		cache.WriteEntry(w, entry, r.Method == http.MethodHead)
		return
	}
	g.metrics.RecordCacheEvent("miss")

	result, shared, err := g.flight.Do(r.Context(), key, func(ctx context.Context) (*cache.FlightResult, error) {
		return g.forwardBuffered(r.Clone(ctx), rule)
	})
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away while waiting; nothing left to write.
			return
		}
		if apErr, ok := errors.IsApronError(err); ok {
			g.writeError(w, r, apErr)
			return
		}
		g.writeError(w, r, errors.Wrap(err, errors.ErrInternalServer))
		return
	}

	if shared {
		g.metrics.RecordCacheEvent("coalesced")
	} else if g.cache.StorableResponse(result.Status, result.Headers, int64(len(result.Body))) {
		g.cache.Store(r.Context(), key, displayKey, result.Status, result.Headers, result.Body)
		g.metrics.RecordCacheEvent("store")
	}

	for name, values := range result.Headers {
		w.Header()[name] = values
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(result.Status)
	if r.Method != http.MethodHead {
		w.Write(result.Body)
	}
}

// forwardBuffered runs one forward into a memory buffer and reports whether
// the result is small enough to share with single-flight waiters.
func (g *Gateway) forwardBuffered(r *http.Request, rule *router.Rule) (*cache.FlightResult, error) {
	cw := newCaptureWriter()
	if apErr := g.forwarder.Forward(cw, r, rule); apErr != nil {
		return nil, apErr
	}
	return &cache.FlightResult{
		Status:    cw.status,
		Headers:   cw.header,
		Body:      cw.body.Bytes(),
		Shareable: int64(cw.body.Len()) <= g.cache.MaxBodySize(),
	}, nil
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, apErr *errors.ApronError) {
	apErr.WithCorrelationID(middleware.CorrelationID(r)).WriteJSON(w, r)
}

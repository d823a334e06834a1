package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/apron/internal/cache"
	"github.com/wudi/apron/internal/circuitbreaker"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/health"
	"github.com/wudi/apron/internal/middleware"
	"github.com/wudi/apron/internal/middleware/ratelimit"
)

// buildSystem wires the operational endpoints. These bypass the route table
// and never require auth; rate limiting still applies via the public policy.
func (g *Gateway) buildSystem() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, "/health", g.handleHealth)
	mux.HandlerFunc(http.MethodGet, "/health/live", g.handleLive)
	mux.HandlerFunc(http.MethodGet, "/health/ready", g.handleReady)
	mux.Handler(http.MethodGet, "/metrics", g.metrics.Handler())
	mux.HandlerFunc(http.MethodGet, "/info", g.handleInfo)
	mux.HandlerFunc(http.MethodGet, "/swagger", g.handleSwagger)
	mux.HandlerFunc(http.MethodDelete, "/cache", g.handleCachePurge)

	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, r, errors.ErrNotFound)
	})
	mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, r, errors.ErrBadRequest.WithDetails("method not supported on this endpoint"))
	})
	return mux
}

type healthResponse struct {
	Status    health.Status              `json:"status"`
	Timestamp string                     `json:"timestamp"`
	Services  map[string]health.Snapshot `json:"services"`
}

// handleHealth serves the aggregate health document. ?deep=true runs a
// synchronous probe cycle first. The deep parameter is strict: anything but
// a literal true or false is a 400.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	deep := false
	if values, present := r.URL.Query()["deep"]; present {
		switch strings.ToLower(values[0]) {
		case "true":
			deep = true
		case "false":
		default:
			g.writeError(w, r, errors.ErrBadRequest.
				WithDetails("query parameter deep must be true or false"))
			return
		}
	}

	var snapshots map[string]health.Snapshot
	if deep {
		snapshots = g.health.ProbeNow(r.Context())
	} else {
		snapshots = g.health.Snapshots()
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    health.Overall(snapshots),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  snapshots,
	})
}

func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.health.Ready() {
		g.writeError(w, r, errors.ErrServiceUnavailable.
			WithDetails("a required upstream is unhealthy"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type infoRoute struct {
	PathPrefix    string   `json:"pathPrefix"`
	Methods       []string `json:"methods"`
	Upstream      string   `json:"upstream"`
	RequiresAuth  bool     `json:"requiresAuth"`
	RequiredRoles []string `json:"requiredRoles,omitempty"`
	Public        bool     `json:"public,omitempty"`
}

type infoResponse struct {
	Version     string                             `json:"version"`
	Environment string                             `json:"environment"`
	UptimeSec   int64                              `json:"uptimeSeconds"`
	Services    map[string]string                  `json:"services"`
	Routes      []infoRoute                        `json:"routes"`
	Breakers    map[string]circuitbreaker.Snapshot `json:"breakers"`
	RateLimits  map[string]ratelimit.Stats         `json:"rateLimits"`
	Cache       *cache.StoreStats                  `json:"cache,omitempty"`
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	rules := g.table.Rules()
	routes := make([]infoRoute, 0, len(rules))
	for _, rule := range rules {
		methods := make([]string, 0, len(rule.Methods))
		for m := range rule.Methods {
			methods = append(methods, m)
		}
		routes = append(routes, infoRoute{
			PathPrefix:    rule.PathPrefix,
			Methods:       methods,
			Upstream:      rule.Upstream,
			RequiresAuth:  rule.RequiresAuth,
			RequiredRoles: rule.RequiredRoles,
			Public:        rule.Public,
		})
	}

	info := infoResponse{
		Version:     g.version,
		Environment: g.cfg.Environment,
		UptimeSec:   int64(time.Since(g.startedAt).Seconds()),
		Services:    g.cfg.Gate.Services,
		Routes:      routes,
		Breakers:    g.breakers.Snapshots(),
		RateLimits:  g.limiter.Stats(),
	}
	if g.cache != nil {
		stats := g.cache.Stats(r.Context())
		info.Cache = &stats
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSwagger serves an index of the upstream swagger document URLs. The
// gateway does not generate documentation of its own.
func (g *Gateway) handleSwagger(w http.ResponseWriter, r *http.Request) {
	docs := make(map[string]string, len(g.cfg.Gate.Services))
	for name, base := range g.cfg.Gate.Services {
		docs[name] = strings.TrimRight(base, "/") + "/swagger/v1/swagger.json"
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": docs})
}

// handleCachePurge removes cache entries whose display key matches the glob
// in ?pattern=.
func (g *Gateway) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if g.cache == nil {
		g.writeError(w, r, errors.ErrNotFound.WithDetails("caching is disabled"))
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		g.writeError(w, r, errors.ErrBadRequest.
			WithDetails("query parameter pattern is required"))
		return
	}

	removed := g.cache.Purge(r.Context(), pattern)
	g.metrics.RecordCacheEvent("purge")
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern":       pattern,
		"purged":        removed,
		"correlationId": middleware.CorrelationID(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/middleware"
)

// Handler answers CORS preflights in-gateway and decorates normal responses.
// Preflights never reach an upstream.
type Handler struct {
	allowOrigins    []string
	allowMethods    string
	allowHeaders    string
	maxAge          string
	allowAllOrigins bool
}

// New creates a CORS handler from config.
func New(cfg config.CorsConfig) *Handler {
	h := &Handler{
		allowOrigins: cfg.AllowedOrigins,
	}

	if len(cfg.AllowedMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowedMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowedHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowedHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization"
	}

	if cfg.MaxAgeSeconds > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	} else {
		h.maxAge = "86400"
	}

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// IsPreflight reports whether r is a CORS preflight request.
func (h *Handler) IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight answers a preflight with 204 and the allow headers.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respOrigin := origin
	if h.allowAllOrigins {
		respOrigin = "*"
	}

	w.Header().Set("Access-Control-Allow-Origin", respOrigin)
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a non-preflight response.
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	respOrigin := origin
	if h.allowAllOrigins {
		respOrigin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", respOrigin)
	w.Header().Add("Vary", "Origin")
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// Wildcard subdomains: *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// Middleware answers preflights and decorates every other response.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.IsPreflight(r) {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}

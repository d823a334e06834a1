package gateway

import (
	"net/http"
	"time"

	"github.com/wudi/apron/internal/middleware"
	"github.com/wudi/apron/internal/router"
)

// buildHandler assembles the pipeline. Order matters: recovery outermost,
// then correlation id so everything downstream logs it, access log and
// metrics around the rest, CORS before admission so preflights are cheap,
// then body limit and rate limiting in front of the terminal handler.
func (g *Gateway) buildHandler() http.Handler {
	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.Correlation(),
		middleware.AccessLog("/health/live", "/health/ready", "/metrics"),
		g.observeRequests(),
		g.compressor.Middleware(),
		g.cors.Middleware(),
		middleware.BodyLimit(g.cfg.Gate.MaxPayloadSizeBytes),
		g.limiter.Middleware(g.isPublicRequest, g.metrics.RecordRateLimited),
	)
	return chain.ThenFunc(g.handle)
}

// isPublicRequest selects the rate-limit policy: public for system endpoints
// and routes marked public, global for everything else.
func (g *Gateway) isPublicRequest(r *http.Request) bool {
	if router.IsSystemPath(r.URL.Path) || r.URL.Path == "/cache" {
		return true
	}
	rule := g.table.Match(r.Method, r.URL.Path)
	return rule != nil && rule.Public
}

// observeRequests publishes the request counter and duration histogram. The
// route label is the matched prefix, the path itself for system endpoints,
// or "unmatched".
func (g *Gateway) observeRequests() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sc := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sc, r)

			route := "unmatched"
			if router.IsSystemPath(r.URL.Path) || r.URL.Path == "/cache" {
				route = r.URL.Path
			} else if rc := middleware.FromRequest(r); rc != nil && rc.RoutePrefix != "" {
				route = rc.RoutePrefix
			}
			g.metrics.ObserveRequest(route, r.Method, sc.status, time.Since(start))
		})
	}
}

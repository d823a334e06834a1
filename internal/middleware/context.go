package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/apron/internal/auth"
)

// RequestContext carries per-request state through the pipeline. It is
// created by the CorrelationID middleware, mutated only by pipeline stages
// handling that request, and abandoned when the response completes.
type RequestContext struct {
	CorrelationID string
	StartTime     time.Time
	// RoutePrefix is the matched rule's path prefix, or "" before matching
	// (and for requests that never match).
	RoutePrefix string
	Principal   *auth.Principal
	Upstream    string
	// Attempt is the forward attempt counter, 1-based; 0 means the request
	// never reached the forwarder.
	Attempt   int
	FromCache bool
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the RequestContext on ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// FromRequest returns the RequestContext on r, or nil for requests that
// bypassed the pipeline.
func FromRequest(r *http.Request) *RequestContext {
	return FromContext(r.Context())
}

// CorrelationID returns the request's correlation id, or "" when the request
// carries no RequestContext.
func CorrelationID(r *http.Request) string {
	if rc := FromRequest(r); rc != nil {
		return rc.CorrelationID
	}
	return ""
}

package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CorrelationHeader carries the per-request correlation id on responses and
// inbound requests from trusted callers.
const CorrelationHeader = "X-Correlation-ID"

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Correlation assigns every request a correlation id and seeds the
// RequestContext that the rest of the pipeline mutates. Inbound ids are not
// trusted; the gateway always generates its own.
func Correlation() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := &RequestContext{
				CorrelationID: uuid.New().String(),
				StartTime:     time.Now(),
			}
			w.Header().Set(CorrelationHeader, rc.CorrelationID)
			next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
		})
	}
}

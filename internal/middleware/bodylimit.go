package middleware

import (
	"fmt"
	"net/http"

	"github.com/wudi/apron/internal/errors"
)

// BodyLimit rejects requests whose declared Content-Length exceeds max and
// caps chunked bodies with http.MaxBytesReader so an undeclared oversized
// body fails during the forward instead of buffering.
func BodyLimit(max int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				errors.ErrPayloadTooLarge.
					WithDetails(fmt.Sprintf("request body of %d bytes exceeds the %d byte limit", r.ContentLength, max)).
					WithCorrelationID(CorrelationID(r)).
					WriteJSON(w, r)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

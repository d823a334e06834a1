package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/logging"
)

// Recovery converts panics into a 500 error document. It sits outermost in
// the chain so nothing escapes to the server's default handler.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logging.Error("panic recovered",
						zap.Any("error", v),
						zap.String("path", r.URL.Path),
						zap.String("correlation_id", CorrelationID(r)),
						zap.ByteString("stack", debug.Stack()))

					errors.ErrInternalServer.
						WithDetails(fmt.Sprintf("panic: %v", v)).
						WithCorrelationID(CorrelationID(r)).
						WriteJSON(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

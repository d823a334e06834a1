package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
)

var accessLogRWPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// AccessLog emits one structured log line per completed request. Paths in
// skipPaths (health probes, metrics scrapes) are not logged.
func AccessLog(skipPaths ...string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := accessLogRWPool.Get().(*statusRecorder)
			rec.ResponseWriter = w
			rec.status = http.StatusOK
			rec.bytes = 0

			next.ServeHTTP(rec, r)

			rc := FromRequest(r)

			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("remote_addr", ClientIP(r))
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", rec.status)
			n++
			fields[n] = zap.Int64("body_bytes", rec.bytes)
			n++
			fields[n] = zap.Duration("duration", time.Since(start))
			n++
			if rc != nil {
				fields[n] = zap.String("correlation_id", rc.CorrelationID)
				n++
				if rc.Upstream != "" {
					fields[n] = zap.String("upstream", rc.Upstream)
					n++
				}
				if rc.FromCache {
					fields[n] = zap.Bool("from_cache", true)
					n++
				}
				if rc.Attempt > 1 {
					fields[n] = zap.Int("attempts", rc.Attempt)
					n++
				}
				if rc.Principal != nil {
					fields[n] = zap.String("user_id", rc.Principal.UserID)
					n++
				}
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua)
				n++
			}

			logging.Info("request", fields[:n]...)

			rec.ResponseWriter = nil
			accessLogRWPool.Put(rec)
		})
	}
}

// ClientIP extracts the caller address, honoring X-Forwarded-For when a
// trusted proxy sits in front of the ingress.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the original client.
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return trimSpace(xff[:i])
			}
		}
		return trimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the recorded status code.
func (rec *statusRecorder) StatusCode() int {
	return rec.status
}

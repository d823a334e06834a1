// Package proxy forwards matched requests to their upstream service with
// per-attempt timeouts, transient-failure retries and circuit breaking.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/circuitbreaker"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
	"github.com/wudi/apron/internal/middleware"
	"github.com/wudi/apron/internal/retry"
	"github.com/wudi/apron/internal/router"
)

// DefaultRequestTimeout bounds a single upstream attempt, headers through body.
const DefaultRequestTimeout = 30 * time.Second

// drainLimit caps how much of a discarded retryable response is read before
// closing, so the connection can be reused without buffering a huge body.
const drainLimit = 64 << 10

// hopByHopHeaders are connection-scoped and never cross the proxy, in either
// direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options configures a Forwarder.
type Options struct {
	// RequestTimeout bounds each upstream attempt.
	RequestTimeout time.Duration
	// Secret, when set, is sent to upstreams as X-Gateway-Secret so they can
	// reject traffic that did not come through the gateway.
	Secret string
}

// Forwarder sends requests upstream. Each attempt first asks the upstream's
// circuit breaker for admission, then runs under its own timeout; transient
// failures (transport errors, 5xx, 429) are retried per the policy as long as
// the method and body state allow it.
type Forwarder struct {
	pool     *TransportPool
	breakers *circuitbreaker.Registry
	policy   *retry.Policy
	metrics  *metrics.Collector
	timeout  time.Duration
	secret   string
}

// NewForwarder creates a Forwarder.
func NewForwarder(pool *TransportPool, breakers *circuitbreaker.Registry, policy *retry.Policy, collector *metrics.Collector, opts Options) *Forwarder {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Forwarder{
		pool:     pool,
		breakers: breakers,
		policy:   policy,
		metrics:  collector,
		timeout:  opts.RequestTimeout,
		secret:   opts.Secret,
	}
}

// Forward proxies r to the rule's upstream and writes the response to w.
// A non-nil return means nothing was written and the caller renders the
// error document. A final transient upstream status after the retry budget
// is spent is passed through as-is, not converted to a gateway error.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, rule *router.Rule) *errors.ApronError {
	rc := middleware.FromRequest(r)
	if rc != nil {
		rc.Upstream = rule.Upstream
	}
	payload, apErr := bufferBody(r)
	if apErr != nil {
		return apErr
	}

	transport := f.pool.Get(rule.Upstream)
	schedule := f.policy.NewSchedule()
	attempts := f.policy.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if rc != nil {
			rc.Attempt = attempt
		}
		if attempt > 1 {
			f.metrics.RecordRetry(rule.Upstream)
			if err := retry.Sleep(r.Context(), schedule.NextBackOff()); err != nil {
				return errors.ErrServiceUnavailable.WithDetails("request canceled during retry backoff")
			}
		}

		done, ok := f.breakers.Allow(rule.Upstream)
		if !ok {
			f.metrics.ObserveUpstream(rule.Upstream, "short_circuit")
			return errors.ErrServiceUnavailable.
				WithErrorCode("CIRCUIT_OPEN").
				WithDetails("service " + rule.Upstream + " is temporarily unavailable")
		}

		attemptCtx, cancel := context.WithTimeout(r.Context(), f.timeout)
		out, body := f.buildRequest(attemptCtx, r, rule, payload)
		resp, err := transport.RoundTrip(out)
		if err != nil {
			done(false)
			cancel()
			lastErr = err
			f.metrics.ObserveUpstream(rule.Upstream, outcomeForError(err))
			if !retry.RetryableError(r.Context(), err) || !retry.AllowsRetry(r.Method, body.Started()) {
				return f.categorize(r.Context(), err)
			}
			continue
		}

		if retry.RetryableStatus(resp.StatusCode) {
			done(false)
			f.metrics.ObserveUpstream(rule.Upstream, "error")
			if attempt < attempts && retry.AllowsRetry(r.Method, body.Started()) {
				io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
				resp.Body.Close()
				cancel()
				continue
			}
			// Retry budget spent (or non-retryable method): the upstream's
			// own error response goes back to the client unchanged.
			f.writeResponse(w, r, resp, cancel)
			return nil
		}

		done(true)
		f.metrics.ObserveUpstream(rule.Upstream, "success")
		f.writeResponse(w, r, resp, cancel)
		return nil
	}

	return f.categorize(r.Context(), lastErr)
}

// bufferBody reads the whole request body into memory so every retry attempt
// can resend it. The body-limit middleware bounds the allocation; overflowing
// its cap surfaces here as http.MaxBytesError.
func bufferBody(r *http.Request) ([]byte, *errors.ApronError) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return nil, errors.ErrPayloadTooLarge.
				WithDetails("request body exceeds the configured limit")
		}
		return nil, errors.ErrBadRequest.WithDetails("reading request body")
	}
	return payload, nil
}

// buildRequest clones r for one attempt: upstream URL, a fresh body reader
// over the buffered payload, identity headers in, hop-by-hop headers out.
// The client's Authorization header is preserved. The returned TrackedBody
// reports whether this attempt's body was consumed before it failed.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, rule *router.Rule, payload []byte) (*http.Request, *retry.TrackedBody) {
	out := r.Clone(ctx)

	var body *retry.TrackedBody
	if len(payload) > 0 {
		body = retry.Track(io.NopCloser(bytes.NewReader(payload)))
		out.Body = body
		out.ContentLength = int64(len(payload))
	} else {
		out.Body = http.NoBody
		out.ContentLength = 0
	}

	target := *rule.UpstreamURL
	target.Path = singleJoiningSlash(rule.UpstreamURL.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery
	out.URL = &target
	out.Host = target.Host
	out.RequestURI = ""

	removeHopByHop(out.Header)

	out.Header.Set("X-Gateway-Request-Id", middleware.CorrelationID(r))
	out.Header.Set("X-Gateway-Service", rule.Upstream)
	out.Header.Set("X-Gateway-Original-Host", r.Host)
	forwardedFor := middleware.ClientIP(r)
	if prior := r.Header.Get("X-Gateway-Forwarded-For"); prior != "" {
		// Multi-hop: keep the chain and append this hop's client.
		forwardedFor = prior + ", " + forwardedFor
	}
	out.Header.Set("X-Gateway-Forwarded-For", forwardedFor)
	out.Header.Set("X-Gateway-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if f.secret != "" {
		out.Header.Set("X-Gateway-Secret", f.secret)
	}

	if rc := middleware.FromRequest(r); rc != nil && rc.Principal != nil {
		p := rc.Principal
		out.Header.Set("X-User-Id", p.UserID)
		if p.Email != "" {
			out.Header.Set("X-User-Email", p.Email)
		}
		if p.Name != "" {
			out.Header.Set("X-User-Name", p.Name)
		}
		if len(p.Roles) > 0 {
			out.Header.Set("X-User-Role", strings.Join(p.Roles, ","))
		}
	}
	return out, body
}

// writeResponse relays the upstream response. The attempt context stays alive
// until the body copy finishes.
func (f *Forwarder) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, cancel context.CancelFunc) {
	defer cancel()
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	dst := w.Header()
	for name, values := range resp.Header {
		dst[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if err := copyBody(w, resp.Body); err != nil {
		logging.Warn("upstream body relay interrupted",
			zap.String("correlation_id", middleware.CorrelationID(r)),
			zap.Error(err))
	}
}

// copyBody streams in 32 KiB chunks, flushing after each write so long-lived
// responses (SSE, large downloads) make progress.
func copyBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (f *Forwarder) categorize(ctx context.Context, err error) *errors.ApronError {
	if stderrors.Is(err, context.Canceled) && ctx.Err() != nil {
		return errors.ErrServiceUnavailable.WithDetails("request canceled by client")
	}
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.ErrGatewayTimeout.
			WithErrorCode("UPSTREAM_TIMEOUT").
			WithDetails("upstream did not respond within the request timeout")
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return errors.ErrServiceUnavailable.
			WithErrorCode("UPSTREAM_UNREACHABLE").
			WithDetails("upstream is unreachable")
	}
	return errors.ErrBadGateway.WithDetails("upstream returned an invalid response")
}

func outcomeForError(err error) string {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "error"
}

func removeHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

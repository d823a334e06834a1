package retry

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for the transient-failure retry series: up to three retries with a
// 2s, 4s, 8s backoff schedule.
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 8 * time.Second
	DefaultMultiplier      = 2.0
)

// nonIdempotent lists methods that may only be retried before any request
// body byte has been consumed.
var nonIdempotent = map[string]bool{
	http.MethodPost:  true,
	http.MethodPatch: true,
}

// Policy decides whether and when a failed forward attempt is retried.
// A Policy is immutable and shared across requests; per-request schedule
// state comes from NewSchedule.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// NewPolicy creates a policy with defaults filled in.
func NewPolicy(maxRetries int) *Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Policy{
		MaxRetries:      maxRetries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

// NewSchedule returns the backoff series for one request's retry attempts.
// No jitter: the schedule is deterministic (2s, 4s, 8s, 8s, ...).
func (p *Policy) NewSchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryableStatus reports whether an upstream status counts as a transient
// failure: any 5xx, plus 429.
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// RetryableError reports whether a transport error is transient. Context
// cancellation from the client is final; everything else (connection refused,
// reset, per-attempt timeout) may be retried.
func RetryableError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() == nil
}

// AllowsRetry reports whether method may be retried given how far the request
// body got. Idempotent methods always retry; POST and PATCH only when the
// failure happened before any body byte was read.
func AllowsRetry(method string, bodyStarted bool) bool {
	if !nonIdempotent[method] {
		return true
	}
	return !bodyStarted
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TrackedBody wraps a request body and records whether any byte has been
// read, so the retry decision for non-idempotent methods can distinguish
// pre-send failures from mid-stream ones.
type TrackedBody struct {
	rc      io.ReadCloser
	started atomic.Bool
}

// Track wraps body; a nil body stays nil.
func Track(body io.ReadCloser) *TrackedBody {
	if body == nil {
		return nil
	}
	return &TrackedBody{rc: body}
}

func (t *TrackedBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.started.Store(true)
	}
	return n, err
}

func (t *TrackedBody) Close() error {
	return t.rc.Close()
}

// Started reports whether any body byte has been consumed. A nil receiver
// (no request body) reports false.
func (t *TrackedBody) Started() bool {
	return t != nil && t.started.Load()
}

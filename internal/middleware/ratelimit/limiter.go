package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/middleware"
)

// Policy names; selection happens per request in the pipeline.
const (
	PolicyGlobal = "global"
	PolicyPublic = "public"
)

// ErrLimited is returned by Acquire when the request must be rejected.
var ErrLimited = fmt.Errorf("rate limit exceeded")

// Policy is one token-bucket admission policy. Tokens refill lazily inside
// rate.Limiter; over-burst requests join a bounded FIFO queue of waiters and
// are released in reservation order.
type Policy struct {
	name     string
	limiter  *rate.Limiter
	maxQueue int64
	// maxDelay bounds how long a queued request may wait: the time the queue
	// itself needs to drain at the refill rate.
	maxDelay time.Duration

	waiters  atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
}

// NewPolicy creates a policy from config.
func NewPolicy(name string, cfg config.RateLimitPolicyConfig) *Policy {
	maxDelay := time.Duration(float64(cfg.Queue) / cfg.PerSecond * float64(time.Second))
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	return &Policy{
		name:     name,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst),
		maxQueue: int64(cfg.Queue),
		maxDelay: maxDelay,
	}
}

// Name returns the policy name.
func (p *Policy) Name() string {
	return p.name
}

// Acquire admits one request or rejects it. When the bucket is empty the
// request queues (bounded, oldest reservation first); a full queue or a wait
// beyond the drain horizon yields ErrLimited with the Retry-After hint.
func (p *Policy) Acquire(ctx context.Context) (retryAfter time.Duration, err error) {
	if p.limiter.Allow() {
		p.admitted.Add(1)
		return 0, nil
	}

	if p.waiters.Load() >= p.maxQueue {
		p.rejected.Add(1)
		return p.peekDelay(), ErrLimited
	}

	p.waiters.Add(1)
	defer p.waiters.Add(-1)

	res := p.limiter.Reserve()
	delay := res.Delay()
	if delay > p.maxDelay {
		res.Cancel()
		p.rejected.Add(1)
		return delay, ErrLimited
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return 0, ctx.Err()
	case <-timer.C:
		p.admitted.Add(1)
		return 0, nil
	}
}

// peekDelay estimates the wait for the next token without consuming one.
func (p *Policy) peekDelay() time.Duration {
	res := p.limiter.Reserve()
	delay := res.Delay()
	res.Cancel()
	if delay <= 0 {
		delay = time.Second
	}
	return delay
}

// Stats is a point-in-time view of one policy.
type Stats struct {
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
	Waiting  int64 `json:"waiting"`
}

// Stats returns the policy counters.
func (p *Policy) Stats() Stats {
	return Stats{
		Admitted: p.admitted.Load(),
		Rejected: p.rejected.Load(),
		Waiting:  p.waiters.Load(),
	}
}

// Limiter holds the two named admission policies.
type Limiter struct {
	global *Policy
	public *Policy
}

// New creates the limiter from config.
func New(cfg config.RateLimitsConfig) *Limiter {
	return &Limiter{
		global: NewPolicy(PolicyGlobal, cfg.Global),
		public: NewPolicy(PolicyPublic, cfg.Public),
	}
}

// Select returns the policy for a request: public for routes marked public
// and for system endpoints, global for everything else.
func (l *Limiter) Select(public bool) *Policy {
	if public {
		return l.public
	}
	return l.global
}

// Stats returns counters per policy name.
func (l *Limiter) Stats() map[string]Stats {
	return map[string]Stats{
		PolicyGlobal: l.global.Stats(),
		PolicyPublic: l.public.Stats(),
	}
}

// Middleware gates requests through the selected policy. isPublic decides
// policy selection per request; onReject (optional) observes 429s for
// metrics.
func (l *Limiter) Middleware(isPublic func(*http.Request) bool, onReject func(policy string)) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := l.Select(isPublic(r))

			retryAfter, err := policy.Acquire(r.Context())
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			if err != ErrLimited {
				// Client went away while queued.
				return
			}

			if onReject != nil {
				onReject(policy.Name())
			}
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			errors.ErrTooManyRequests.
				WithDetails(fmt.Sprintf("the %s rate limit was exceeded", policy.Name())).
				WithCorrelationID(middleware.CorrelationID(r)).
				WriteJSON(w, r)
		})
	}
}

package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
)

// errUpstreamFailure is what a failed attempt reports to gobreaker; the
// breaker only counts it, the caller keeps the real error.
var errUpstreamFailure = errors.New("upstream attempt failed")

// Defaults matching the upstream failure contract: five consecutive transient
// failures open the circuit, it stays open for thirty seconds, then a single
// probe decides between closing and re-opening.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
)

// Settings configures every breaker created by a Registry.
type Settings struct {
	// FailureThreshold is the consecutive failure count that trips the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before half-open.
	OpenTimeout time.Duration
	// OnStateChange is invoked on every transition (metrics, logging).
	OnStateChange func(upstream string, from, to gobreaker.State)
}

// Registry holds one circuit breaker per upstream. Breakers are created
// lazily on first use and live for the process lifetime. State transitions
// are serialized inside gobreaker; the registry only guards the map.
type Registry struct {
	settings Settings

	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[any]
}

// NewRegistry creates a breaker registry.
func NewRegistry(settings Settings) *Registry {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = DefaultOpenTimeout
	}
	return &Registry{
		settings: settings,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[any]),
	}
}

// Allow asks the upstream's breaker for admission. On success it returns a
// done callback the caller must invoke with the attempt outcome. When the
// breaker is open, or half-open with its probe already in flight, it returns
// (nil, false) and the caller must fast-fail without touching the network.
func (r *Registry) Allow(upstream string) (done func(success bool), ok bool) {
	report, err := r.breaker(upstream).Allow()
	if err != nil {
		// ErrOpenState or ErrTooManyRequests; either way the request is
		// rejected without a connection attempt.
		return nil, false
	}
	return func(success bool) {
		if success {
			report(nil)
			return
		}
		report(errUpstreamFailure)
	}, true
}

// State returns the breaker state for an upstream. Upstreams never seen
// before report Closed.
func (r *Registry) State(upstream string) gobreaker.State {
	return r.breaker(upstream).State()
}

func (r *Registry) breaker(upstream string) *gobreaker.TwoStepCircuitBreaker[any] {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstream]; ok {
		return b
	}

	threshold := uint32(r.settings.FailureThreshold)
	b = gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name: upstream,
		// One probe at a time in half-open; a single success closes.
		MaxRequests: 1,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("circuit breaker state change",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if r.settings.OnStateChange != nil {
				r.settings.OnStateChange(name, from, to)
			}
		},
	})
	r.breakers[upstream] = b
	return b
}

// Snapshot is a point-in-time view of one breaker, for /info and metrics.
type Snapshot struct {
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Snapshots returns a snapshot per known upstream.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		counts := b.Counts()
		out[name] = Snapshot{
			State:                b.State().String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		}
	}
	return out
}

// StateGaugeValue maps a gobreaker state to the metrics gauge encoding
// (0 closed, 1 half-open, 2 open).
func StateGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Package health probes upstream services in the background and aggregates
// per-upstream status for the health endpoints.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
)

// Status is an upstream's health classification.
type Status string

const (
	// StatusHealthy means the upstream answered its health endpoint with 2xx.
	StatusHealthy Status = "Healthy"
	// StatusDegraded means the upstream could not be reached (transport error
	// or probe timeout). Unreachable is not the same as unhealthy: the service
	// may be fine behind a transient network fault.
	StatusDegraded Status = "Degraded"
	// StatusUnhealthy means the upstream answered with a non-2xx status.
	StatusUnhealthy Status = "Unhealthy"
)

// rank orders statuses from best to worst for the overall aggregate.
func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worst returns the worse of two statuses.
func Worst(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Snapshot is one upstream's last probe outcome. Snapshots are written only
// by the prober; readers always get copies.
type Snapshot struct {
	Status              Status    `json:"status"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
	LastLatencyMs       int64     `json:"lastLatencyMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Error               string    `json:"error,omitempty"`
}

// Aggregator runs one prober goroutine per upstream, each issuing
// GET {base}/health on the configured interval.
type Aggregator struct {
	upstreams map[string]string
	interval  time.Duration
	client    *http.Client
	cfg       *config.HealthChecksConfig
	metrics   *metrics.Collector

	mu        sync.RWMutex
	snapshots map[string]Snapshot

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator over the named upstream base URLs.
// Until an upstream's first probe completes it reports Degraded.
func NewAggregator(upstreams map[string]string, cfg *config.HealthChecksConfig, collector *metrics.Collector) *Aggregator {
	snapshots := make(map[string]Snapshot, len(upstreams))
	for name := range upstreams {
		snapshots[name] = Snapshot{Status: StatusDegraded, Error: "awaiting first probe"}
	}
	return &Aggregator{
		upstreams: upstreams,
		interval:  cfg.CheckInterval(),
		client:    &http.Client{Timeout: cfg.ProbeTimeout()},
		cfg:       cfg,
		metrics:   collector,
		snapshots: snapshots,
		stop:      make(chan struct{}),
	}
}

// Start launches the prober goroutines. Each probes immediately, then on the
// interval.
func (a *Aggregator) Start() {
	for name, base := range a.upstreams {
		a.wg.Add(1)
		go func(name, base string) {
			defer a.wg.Done()
			a.probe(context.Background(), name, base)
			ticker := time.NewTicker(a.interval)
			defer ticker.Stop()
			for {
				select {
				case <-a.stop:
					return
				case <-ticker.C:
					a.probe(context.Background(), name, base)
				}
			}
		}(name, base)
	}
}

// Stop halts the probers and waits for them to exit.
func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
}

// probe performs one health check and publishes the snapshot.
func (a *Aggregator) probe(ctx context.Context, name, base string) {
	url := strings.TrimRight(base, "/") + "/health"
	start := time.Now()

	var snap Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		snap = Snapshot{Status: StatusDegraded, Error: err.Error()}
	} else if resp, err := a.client.Do(req); err != nil {
		snap = Snapshot{Status: StatusDegraded, Error: err.Error()}
	} else {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			snap = Snapshot{Status: StatusHealthy}
		} else {
			snap = Snapshot{Status: StatusUnhealthy, Error: "health endpoint returned " + resp.Status}
		}
	}
	snap.LastCheckedAt = time.Now()
	snap.LastLatencyMs = time.Since(start).Milliseconds()

	a.mu.Lock()
	prev := a.snapshots[name]
	if snap.Status == StatusHealthy {
		snap.ConsecutiveFailures = 0
	} else {
		snap.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	a.snapshots[name] = snap
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SetUpstreamHealth(name, gaugeValue(snap.Status))
	}
	if snap.Status != StatusHealthy && prev.Status == StatusHealthy {
		logging.Warn("upstream health changed",
			zap.String("upstream", name),
			zap.String("status", string(snap.Status)),
			zap.String("error", snap.Error))
	}
}

// ProbeNow runs one synchronous probe cycle across every upstream and returns
// the fresh snapshots.
func (a *Aggregator) ProbeNow(ctx context.Context) map[string]Snapshot {
	var wg sync.WaitGroup
	for name, base := range a.upstreams {
		wg.Add(1)
		go func(name, base string) {
			defer wg.Done()
			a.probe(ctx, name, base)
		}(name, base)
	}
	wg.Wait()
	return a.Snapshots()
}

// Snapshots returns a copy of every upstream's latest snapshot.
func (a *Aggregator) Snapshots() map[string]Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Snapshot, len(a.snapshots))
	for name, snap := range a.snapshots {
		out[name] = snap
	}
	return out
}

// Overall folds per-upstream snapshots into the aggregate status. No
// upstreams means Healthy.
func Overall(snapshots map[string]Snapshot) Status {
	status := StatusHealthy
	for _, snap := range snapshots {
		status = Worst(status, snap.Status)
	}
	return status
}

// Ready reports readiness: false only when an upstream that gates readiness
// is Unhealthy. Degraded (unreachable) upstreams do not fail readiness.
func (a *Aggregator) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for name, snap := range a.snapshots {
		if a.cfg.IsReadyService(name) && snap.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

func gaugeValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return metrics.HealthHealthy
	case StatusDegraded:
		return metrics.HealthDegraded
	default:
		return metrics.HealthUnhealthy
	}
}

package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig configures the pooled HTTP transport for one upstream.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig provides the default pool settings. Idle keep-alive
// connections are recycled after two minutes.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       2 * time.Minute,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
}

// NewTransport creates an HTTP transport from config.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// TransportPool holds one keep-alive connection pool per upstream so a slow
// or failing upstream cannot starve the others' connections.
type TransportPool struct {
	cfg TransportConfig

	mu         sync.RWMutex
	transports map[string]*http.Transport
}

// NewTransportPool creates a pool that builds per-upstream transports from
// cfg on first use.
func NewTransportPool(cfg TransportConfig) *TransportPool {
	return &TransportPool{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// Get returns the transport for an upstream, creating it on first use.
func (tp *TransportPool) Get(upstream string) *http.Transport {
	tp.mu.RLock()
	t, ok := tp.transports[upstream]
	tp.mu.RUnlock()
	if ok {
		return t
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[upstream]; ok {
		return t
	}
	t = NewTransport(tp.cfg)
	tp.transports[upstream] = t
	return t
}

// CloseIdleConnections closes idle connections on every transport.
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}

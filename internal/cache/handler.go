package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Handler owns cacheability rules, key building and TTL policy on top of a
// Store. One Handler serves the whole gateway.
type Handler struct {
	store       Store
	defaultTTL  time.Duration
	maxBodySize int64
	varyHeaders []string // sorted at construction
}

// Options configures a Handler.
type Options struct {
	// DefaultTTL caps every entry's lifetime (upstream max-age may shorten it).
	DefaultTTL time.Duration
	// MaxBodySize is the largest response body admitted to the cache.
	MaxBodySize int64
	// VaryHeaders are request headers mixed into the cache key.
	VaryHeaders []string
}

// NewHandler creates a cache handler over the given store.
func NewHandler(store Store, opts Options) *Handler {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	vary := make([]string, len(opts.VaryHeaders))
	copy(vary, opts.VaryHeaders)
	sort.Strings(vary)

	return &Handler{
		store:       store,
		defaultTTL:  opts.DefaultTTL,
		maxBodySize: opts.MaxBodySize,
		varyHeaders: vary,
	}
}

// MaxBodySize returns the cache admission cap in bytes.
func (h *Handler) MaxBodySize() int64 {
	return h.maxBodySize
}

// CacheableRequest reports whether the request may be served from or stored
// to the cache: GET/HEAD only, no Authorization, no no-store/no-cache.
func (h *Handler) CacheableRequest(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return false
	}
	return true
}

// StorableResponse reports whether the upstream response may be cached.
func (h *Handler) StorableResponse(status int, headers http.Header, bodySize int64) bool {
	if status < 200 || status >= 300 {
		return false
	}
	if strings.Contains(headers.Get("Cache-Control"), "no-store") {
		return false
	}
	return bodySize <= h.maxBodySize
}

// Key builds the storage key and its display form for a request bound for
// the named upstream. The storage key is a SHA-256 hex digest over upstream,
// method, path, sorted query pairs and sorted vary-header values.
func (h *Handler) Key(upstream string, r *http.Request) (key, displayKey string) {
	digest := sha256.New()
	io.WriteString(digest, upstream)
	digest.Write([]byte{'\n'})
	io.WriteString(digest, r.Method)
	digest.Write([]byte{'\n'})
	io.WriteString(digest, r.URL.Path)
	digest.Write([]byte{'\n'})

	if query := r.URL.Query(); len(query) > 0 {
		pairs := make([]string, 0, len(query))
		for name, values := range query {
			for _, v := range values {
				pairs = append(pairs, name+"="+v)
			}
		}
		sort.Strings(pairs)
		for _, p := range pairs {
			io.WriteString(digest, p)
			digest.Write([]byte{'&'})
		}
	}
	digest.Write([]byte{'\n'})

	for _, name := range h.varyHeaders {
		io.WriteString(digest, name)
		digest.Write([]byte{':'})
		io.WriteString(digest, r.Header.Get(name))
		digest.Write([]byte{'\n'})
	}

	displayKey = upstream + r.URL.Path
	if r.URL.RawQuery != "" {
		displayKey += "?" + r.URL.RawQuery
	}
	return hex.EncodeToString(digest.Sum(nil)), displayKey
}

// TTL returns the entry lifetime: the smaller of the upstream's
// Cache-Control max-age and the configured default.
func (h *Handler) TTL(headers http.Header) time.Duration {
	ttl := h.defaultTTL
	if maxAge, ok := parseMaxAge(headers.Get("Cache-Control")); ok && maxAge < ttl {
		ttl = maxAge
	}
	return ttl
}

func parseMaxAge(cc string) (time.Duration, bool) {
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		if rest, found := strings.CutPrefix(directive, "max-age="); found {
			seconds, err := strconv.Atoi(rest)
			if err != nil || seconds < 0 {
				return 0, false
			}
			return time.Duration(seconds) * time.Second, true
		}
	}
	return 0, false
}

// Lookup fetches a live entry by key.
func (h *Handler) Lookup(ctx context.Context, key string) (*Entry, bool) {
	return h.store.Get(ctx, key)
}

// Store admits a response to the cache. Callers have already checked
// StorableResponse.
func (h *Handler) Store(ctx context.Context, key, displayKey string, status int, headers http.Header, body []byte) {
	now := time.Now()
	h.store.Set(ctx, &Entry{
		Key:        key,
		DisplayKey: displayKey,
		Status:     status,
		Headers:    headers.Clone(),
		Body:       body,
		StoredAt:   now,
		ExpiresAt:  now.Add(h.TTL(headers)),
	})
}

// Purge removes entries whose upstream/path form matches the glob pattern.
func (h *Handler) Purge(ctx context.Context, pattern string) int {
	return h.store.Purge(ctx, pattern)
}

// Stats returns storage statistics.
func (h *Handler) Stats(ctx context.Context) StoreStats {
	return h.store.Stats(ctx)
}

// WriteEntry replays a cached entry to the client.
func WriteEntry(w http.ResponseWriter, entry *Entry, head bool) {
	for name, values := range entry.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(entry.Status)
	if !head {
		w.Write(entry.Body)
	}
}

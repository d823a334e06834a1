package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry is one cached upstream response.
type Entry struct {
	// Key is the SHA-256 fingerprint used for storage.
	Key string
	// DisplayKey is the human-readable upstream/path?query form that purge
	// patterns match against.
	DisplayKey string
	Status     int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the entry's TTL has passed.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (Redis)
	Evictions int64 `json:"evictions"` // 0 if not tracked (Redis)
}

// Store abstracts the cache storage backend. Implementations are safe for
// concurrent use and treat backend failures as misses.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, entry *Entry)
	Delete(ctx context.Context, key string)
	// Purge removes entries whose DisplayKey matches the shell glob pattern
	// and returns how many were removed.
	Purge(ctx context.Context, pattern string) int
	// Clear removes everything.
	Clear(ctx context.Context)
	Stats(ctx context.Context) StoreStats
}

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU store. The LRU's TTL is the configured
// default; entries carrying a shorter upstream max-age are expired
// opportunistically on lookup via Entry.ExpiresAt.
type MemoryStore struct {
	lru       *expirable.LRU[string, *Entry]
	mu        sync.Mutex // serializes Purge against concurrent writes
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates an in-memory store holding at most maxSize entries
// for at most ttl each.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(string, *Entry) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	entry, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) Set(_ context.Context, entry *Entry) {
	s.lru.Add(entry.Key, entry)
}

func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge(_ context.Context, pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.lru.Keys() {
		entry, ok := s.lru.Peek(key)
		if !ok {
			continue
		}
		if matched, err := doublestar.Match(pattern, entry.DisplayKey); err == nil && matched {
			s.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Clear(_ context.Context) {
	s.lru.Purge()
}

func (s *MemoryStore) Stats(_ context.Context) StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}

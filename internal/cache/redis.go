package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
)

// Per-operation deadlines keep a slow Redis from stalling the request path;
// failures degrade to cache misses.
const (
	redisOpTimeout   = 100 * time.Millisecond
	redisScanTimeout = 5 * time.Second
)

func init() {
	// http.Header is a map[string][]string; register it for gob.
	gob.Register(http.Header{})
}

// RedisStore is a Redis-backed cache store. Entries are gob-encoded with
// their DisplayKey so purge patterns work across gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "apron:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient parses a connection string ("host:port" or a redis:// URL)
// into a client.
func NewRedisClient(connectionString string) (*redis.Client, error) {
	if opts, err := redis.ParseURL(connectionString); err == nil {
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: connectionString}), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("redis cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		logging.Warn("redis cache decode failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if entry.Expired(time.Now()) {
		return nil, false
	}
	return &entry, true
}

func (s *RedisStore) Set(ctx context.Context, entry *Entry) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		logging.Warn("redis cache encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+entry.Key, buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("redis cache set failed", zap.Error(err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logging.Warn("redis cache delete failed", zap.Error(err))
	}
}

func (s *RedisStore) Purge(ctx context.Context, pattern string) int {
	ctx, cancel := context.WithTimeout(ctx, redisScanTimeout)
	defer cancel()

	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache scan failed", zap.Error(err))
			return removed
		}
		for _, storageKey := range keys {
			data, err := s.client.Get(ctx, storageKey).Bytes()
			if err != nil {
				continue
			}
			var entry Entry
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
				continue
			}
			if matched, err := doublestar.Match(pattern, entry.DisplayKey); err == nil && matched {
				if s.client.Del(ctx, storageKey).Err() == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

func (s *RedisStore) Clear(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, redisScanTimeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("redis cache bulk delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (s *RedisStore) Stats(ctx context.Context) StoreStats {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout*5)
	defer cancel()

	count := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache stats scan failed", zap.Error(err))
			return StoreStats{}
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return StoreStats{Size: count}
		}
	}
}

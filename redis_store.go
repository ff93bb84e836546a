package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultStore is an optional shared second tier behind the deduplicator's
// completed-result cache. Payloads are opaque bytes; callers that want
// cross-replica sharing return []byte results from their operations.
type ResultStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// RedisResultStore implements ResultStore on Redis.
type RedisResultStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisResultStore connects a store using the given client options.
// keyPrefix namespaces this process's keys within a shared instance.
func NewRedisResultStore(opts *redis.Options, keyPrefix string) *RedisResultStore {
	return &RedisResultStore{
		client:    redis.NewClient(opts),
		keyPrefix: keyPrefix,
	}
}

// NewRedisResultStoreWithClient wraps an existing client; the caller retains
// ownership of its lifecycle.
func NewRedisResultStoreWithClient(client *redis.Client, keyPrefix string) *RedisResultStore {
	return &RedisResultStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisResultStore) key(k string) string {
	return s.keyPrefix + k
}

// Get fetches a mirrored result. A missing key is not an error.
func (s *RedisResultStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set mirrors a result with the given TTL.
func (s *RedisResultStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// DeletePrefix removes every mirrored key with the given prefix, returning
// the number deleted.
func (s *RedisResultStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}

// Ping verifies connectivity, useful at startup and in tests.
func (s *RedisResultStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisResultStore) Close() error {
	return s.client.Close()
}

package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// RedisStore is a Store backed by a shared Redis instance, giving the lock
// manager cross-process atomicity via SETNX and native TTL expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromAddr connects to the given address (host:port).
func NewRedisStoreFromAddr(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}

	if err != nil {
		return "", false, errors.Wrapf(errors.ErrCodeCacheUnavailable, err, "redis GET %s failed", key)
	}

	return value, true, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(errors.ErrCodeCacheUnavailable, err, "redis SET %s failed", key)
	}

	return nil
}

// SetNX implements Store.
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(errors.ErrCodeCacheUnavailable, err, "redis SETNX %s failed", key)
	}

	return ok, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrapf(errors.ErrCodeCacheUnavailable, err, "redis DEL failed")
	}

	return nil
}

// Close releases the underlying client connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

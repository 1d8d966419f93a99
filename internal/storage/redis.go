package storage

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// RedisKV stores pairs under a key prefix in Redis. Used when several
// client processes on one host share a session (desktop + CLI).
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV creates a Redis-backed KV.
func NewRedisKV(opts *redis.Options, prefix string) *RedisKV {
	return &RedisKV{client: redis.NewClient(opts), prefix: prefix}
}

// Ping checks connectivity.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisKV) Put(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

// Delete removes every key with one DEL command.
func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

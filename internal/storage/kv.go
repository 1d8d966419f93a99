package storage

import "context"

// KV is a durable string key/value store. Each Put is atomic for its key and
// Delete removes all given keys in one operation.
type KV interface {
	// Get returns ok=false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

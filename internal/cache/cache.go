package cache

import (
	"context"
	"time"
)

// Cache is the raw key/value backend behind the response cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Scanner is implemented by backends that can enumerate keys by prefix.
// Used for cache statistics and bulk clear; optional.
type Scanner interface {
	Scan(ctx context.Context, prefix string) ([]string, error)
}

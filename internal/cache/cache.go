package cache

import (
	"context"
	"time"
)

// Cache is the response-cache backend contract. Keys are request
// fingerprints; values are serialized response envelopes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Package cache defines the port interface for byte caching. The service
// layer uses it for session snapshot reads; the idempotency middleware
// uses it for replaying cached responses.
package cache

import (
	"context"
	"time"
)

// Cache is a key-value byte cache. Implementations may ignore per-key TTL
// when the backend only supports bucket-level expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

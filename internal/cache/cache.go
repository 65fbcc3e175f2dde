// Package cache defines the hot-context cache port. The cache is an
// optimization layer: every value it holds is recoverable from the durable
// store, so implementations may drop entries at any time.
package cache

import (
	"context"
	"time"

	"github.com/dialogd/dialogd/internal/model"
)

// Cache stores serialized contexts keyed by id. Get returns
// model.ErrNotFound on a miss; a miss is never an application error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with a TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Noop is a Cache that stores nothing. Used when caching is disabled.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error) { return nil, model.ErrNotFound }

func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }

// Package cache implements the cache-aside layer for health aggregates and the
// last-update marker.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures talking to the cache backend.
var ErrUnavailable = errors.New("cache unavailable")

// Store is the key/value capability the aggregate protocol runs on.
// A ttl of zero stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

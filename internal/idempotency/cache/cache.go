// Package cache holds completed idempotent results for fast replay. It is an
// accelerator only: every miss or failure falls back to the record store.
package cache

import (
	"context"
	"time"

	"courier/internal/idempotency/models"
)

// Cache stores completed results keyed by idempotency key.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key models.Key) (*models.CachedResult, error)
	Set(ctx context.Context, key models.Key, result models.CachedResult, ttl time.Duration) error
}

// DoneKey is the cache key for a completed result.
func DoneKey(key models.Key) string {
	return "idem:done:" + key.String()
}

// LockKey is the lock key for an in-flight attempt.
func LockKey(key models.Key) string {
	return "idem:lock:" + key.String()
}

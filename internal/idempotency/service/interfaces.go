package service

import (
	"context"
	"time"

	"courier/internal/idempotency/models"
)

// Store persists idempotency records in the caller's transaction.
// Error Contract: Get and Complete return sentinel.ErrNotFound for unknown keys;
// Complete returns sentinel.ErrInvalidState for a record that is already completed.
type Store interface {
	InsertOrGet(ctx context.Context, rec *models.Record) (models.InsertResult, error)
	Complete(ctx context.Context, key models.Key, result models.Result) (*models.Record, error)
}

// Locker holds the in-flight lock for one key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	IsHeld(ctx context.Context, key string) (bool, error)
	ReleaseIfOwnedBy(ctx context.Context, key, token string) (bool, error)
}

// Cache holds completed results for replay without a store round trip.
type Cache interface {
	Get(ctx context.Context, key models.Key) (*models.CachedResult, error)
	Set(ctx context.Context, key models.Key, result models.CachedResult, ttl time.Duration) error
}

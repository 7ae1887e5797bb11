package cache

import (
	"context"
	"log/slog"
	"time"

	"courier/internal/idempotency/models"
	"courier/pkg/platform/circuit"
)

// Resilient wraps a Cache with a circuit breaker. While the breaker is open
// the delegate is skipped and requests go straight to the store. Errors are
// logged and swallowed.
type Resilient struct {
	delegate Cache
	cb       *circuit.Breaker
	logger   *slog.Logger
}

// NewResilient wraps delegate.
func NewResilient(delegate Cache, logger *slog.Logger, opts ...circuit.Option) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	logChange := circuit.WithStateChange(func(name string, from, to circuit.State) {
		switch to {
		case circuit.Open:
			logger.Error("circuit breaker opened", "circuit", name, "from", string(from))
		case circuit.Closed:
			logger.Info("circuit breaker closed", "circuit", name)
		}
	})
	return &Resilient{
		delegate: delegate,
		cb:       circuit.New("idempotency_cache", append([]circuit.Option{logChange}, opts...)...),
		logger:   logger,
	}
}

// Get implements Cache.
func (r *Resilient) Get(ctx context.Context, key models.Key) (*models.CachedResult, error) {
	done, ok := r.cb.Allow()
	if !ok {
		return nil, nil
	}
	res, err := r.delegate.Get(ctx, key)
	done(err == nil)
	if err != nil {
		r.logger.WarnContext(ctx, "idempotency cache unavailable", "circuit", r.cb.Name(), "error", err)
		return nil, nil
	}
	return res, nil
}

// Set implements Cache.
func (r *Resilient) Set(ctx context.Context, key models.Key, result models.CachedResult, ttl time.Duration) error {
	done, ok := r.cb.Allow()
	if !ok {
		return nil
	}
	err := r.delegate.Set(ctx, key, result, ttl)
	done(err == nil)
	if err != nil {
		r.logger.WarnContext(ctx, "idempotency cache unavailable", "circuit", r.cb.Name(), "error", err)
	}
	return nil
}

// Package lock provides the short-lived, token-owned locks that keep a single
// attempt in flight per idempotency key.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker acquires and releases token-owned locks.
type Locker interface {
	// Acquire tries to take key for ttl, waiting at most the locker's bounded
	// wait. ok is false when another holder keeps the key for the whole wait.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// IsHeld reports whether any holder currently owns key.
	IsHeld(ctx context.Context, key string) (bool, error)
	// ReleaseIfOwnedBy deletes key only if it still holds token.
	ReleaseIfOwnedBy(ctx context.Context, key, token string) (bool, error)
}

const (
	defaultWait       = 500 * time.Millisecond
	defaultRetryDelay = 25 * time.Millisecond
)

// Option configures the bounded wait of a Locker.
type Option func(*waitPolicy)

type waitPolicy struct {
	wait       time.Duration
	retryDelay time.Duration
}

// WithWait bounds how long Acquire keeps retrying. Zero means a single attempt.
func WithWait(d time.Duration) Option {
	return func(p *waitPolicy) {
		if d >= 0 {
			p.wait = d
		}
	}
}

// WithRetryDelay sets the pause between acquisition attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *waitPolicy) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

func newWaitPolicy(opts []Option) waitPolicy {
	p := waitPolicy{wait: defaultWait, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// retry calls try until it succeeds, fails, or the wait is spent.
func (p waitPolicy) retry(ctx context.Context, try func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(p.wait)
	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func newToken() string {
	return uuid.NewString()
}

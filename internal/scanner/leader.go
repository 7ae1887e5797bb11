package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// RedisLeader elects one scanning process per tick with a redsync mutex.
type RedisLeader struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
}

// NewRedisLeader creates a leader lock under key. expiry should exceed the
// time one tick takes.
func NewRedisLeader(client goredislib.UniversalClient, key string, expiry time.Duration) *RedisLeader {
	return &RedisLeader{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    key,
		expiry: expiry,
	}
}

// TryAcquire makes a single attempt at the lock.
func (l *RedisLeader) TryAcquire(ctx context.Context) (func(context.Context), bool, error) {
	mutex := l.rs.NewMutex(l.key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire scanner leader lock: %w", err)
	}
	return func(ctx context.Context) {
		_, _ = mutex.UnlockContext(ctx)
	}, true, nil
}

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete script.
type RedisLocker struct {
	client redis.Scripter
	cmd    redis.Cmdable
	policy waitPolicy
}

// redisClient is satisfied by *redis.Client and *redis.ClusterClient.
type redisClient interface {
	redis.Cmdable
	redis.Scripter
}

// NewRedisLocker creates a Locker backed by Redis.
func NewRedisLocker(client redisClient, opts ...Option) *RedisLocker {
	return &RedisLocker{client: client, cmd: client, policy: newWaitPolicy(opts)}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	ok, err := l.policy.retry(ctx, func() (bool, error) {
		return l.cmd.SetNX(ctx, key, token, ttl).Result()
	})
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// IsHeld implements Locker.
func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n > 0, nil
}

// ReleaseIfOwnedBy implements Locker.
func (l *RedisLocker) ReleaseIfOwnedBy(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return n == 1, nil
}

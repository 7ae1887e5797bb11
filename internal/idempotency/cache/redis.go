package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/idempotency/models"
)

// Redis stores results as "<status>\n<request hash>\n<body>".
type Redis struct {
	client redis.Cmdable
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

// Get implements Cache.
func (c *Redis) Get(ctx context.Context, key models.Key) (*models.CachedResult, error) {
	raw, err := c.client.Get(ctx, DoneKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached result: %w", err)
	}
	return decode(raw)
}

// Set implements Cache.
func (c *Redis) Set(ctx context.Context, key models.Key, result models.CachedResult, ttl time.Duration) error {
	if err := c.client.Set(ctx, DoneKey(key), encode(result), ttl).Err(); err != nil {
		return fmt.Errorf("set cached result: %w", err)
	}
	return nil
}

func encode(r models.CachedResult) []byte {
	out := strconv.AppendInt(nil, int64(r.StatusCode), 10)
	out = append(out, '\n')
	out = append(out, r.RequestHash...)
	out = append(out, '\n')
	return append(out, r.Body...)
}

func decode(raw []byte) (*models.CachedResult, error) {
	status, rest, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return nil, fmt.Errorf("malformed cached result")
	}
	hash, body, ok := bytes.Cut(rest, []byte{'\n'})
	if !ok {
		return nil, fmt.Errorf("malformed cached result")
	}
	code, err := strconv.Atoi(string(status))
	if err != nil {
		return nil, fmt.Errorf("malformed cached status: %w", err)
	}
	return &models.CachedResult{
		RequestHash: string(hash),
		Result:      models.Result{StatusCode: code, Body: bytes.Clone(body)},
	}, nil
}

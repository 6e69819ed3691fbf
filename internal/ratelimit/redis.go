package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "deepresearch:ratelimit:"

// RedisLimiter allows up to limit requests per key in each fixed window.
// Counters live in Redis so every instance shares them.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter over an existing client. Close does not
// close the client.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, limit: int64(max(limit, 1)), window: window, now: time.Now}
}

// Allow increments key's counter for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	k := redisKeyPrefix + key + ":" + strconv.FormatInt(slot, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// Close is a no-op; the client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "deepresearch:extension:"

// RedisRegistry is a Registry shared by every process pointed at the same
// Redis. Unconsumed signals expire after the configured TTL. Consume relies
// on GETDEL and needs Redis 6.2 or later.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

// DialRedisRegistry parses a redis:// URL, connects and pings.
func DialRedisRegistry(ctx context.Context, url string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: ping redis: %w", err)
	}
	return NewRedisRegistry(client, ttl), nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

// Request implements Registry.
func (r *RedisRegistry) Request(ctx context.Context, id string) error {
	if err := r.client.Set(ctx, redisKey(id), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("session: request extension %s: %w", id, err)
	}
	return nil
}

// Consume implements Registry.
func (r *RedisRegistry) Consume(ctx context.Context, id string) (bool, error) {
	_, err := r.client.GetDel(ctx, redisKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: consume extension %s: %w", id, err)
	}
	return true, nil
}

// Pending implements Registry.
func (r *RedisRegistry) Pending(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("session: check extension %s: %w", id, err)
	}
	return n > 0, nil
}

// Client returns the underlying client so other components can share the
// connection pool.
func (r *RedisRegistry) Client() *redis.Client { return r.client }

// Kind implements Registry.
func (r *RedisRegistry) Kind() string { return "redis" }

// Ping checks connectivity.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

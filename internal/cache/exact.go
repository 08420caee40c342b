package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout bounds every cache round trip so a slow Redis can never
// stall a completion request.
const redisOpTimeout = 500 * time.Millisecond

// ExactCache is the Redis-backed replay store. The client is shared with the
// rest of the relay and owned by the caller.
//
// Get and Set swallow Redis errors (logged at WARN). Delete reports its
// error: invalidation callers need to know when a purge did not happen.
type ExactCache struct {
	rdb *redis.Client
}

// NewExactCacheFromClient wraps an existing Redis client.
func NewExactCacheFromClient(rdb *redis.Client) *ExactCache {
	return &ExactCache{rdb: rdb}
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any Redis
// error.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, redis.Nil):
		return nil, false
	default:
		slog.WarnContext(ctx, "cache get failed", slog.String("error", err.Error()))
		return nil, false
	}
}

// Set stores value under key with the given TTL. Always returns nil: a write
// that fails is only a future miss.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache set failed", slog.String("error", err.Error()))
	}
	return nil
}

// Delete removes key.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

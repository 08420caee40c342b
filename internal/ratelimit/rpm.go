// Package ratelimit enforces per-user requests-per-minute limits using Redis
// sliding window counters with an atomic Lua script. When Redis is
// unavailable the limiter allows requests (graceful degradation).
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const userKeyPrefix = "ratelimit:user:"

// UserLimiter checks a per-user requests-per-minute limit. The limit comes
// from the user's plan; users without one fall back to the default.
type UserLimiter struct {
	rdb        *redis.Client
	defaultRPM int
}

// NewUserLimiter creates a UserLimiter. defaultRPM <= 0 disables the fallback
// limit, so users without a plan limit are never throttled.
func NewUserLimiter(rdb *redis.Client, defaultRPM int) *UserLimiter {
	return &UserLimiter{rdb: rdb, defaultRPM: defaultRPM}
}

// Allow reports whether the user's request fits in the current minute window.
// rpm is the user's plan limit; 0 falls back to the default.
func (l *UserLimiter) Allow(ctx context.Context, userID string, rpm int) (bool, error) {
	if rpm <= 0 {
		rpm = l.defaultRPM
	}
	if rpm <= 0 || l.rdb == nil {
		return true, nil
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{userKeyPrefix + userID},
		now, window, rpm,
	).Int()
	if err != nil {
		// Redis unavailable — allow the request rather than failing it.
		return true, nil
	}

	return result == 1, nil
}

// Package ratelimit implements the global per-remote-address request limit
// using Redis sliding window counters with an atomic Lua script, so the
// limit holds across gateway replicas sharing one Redis.
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

const keyPrefix = "ratelimit:ip:"

// Limiter checks a per-remote-address request limit over a sliding window.
// The default deployment configuration (10000 req / 1s) is effectively a
// no-op; the mechanism exists so real limits can be applied in production.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New creates a Limiter allowing limit requests per window for each address.
// limit must be > 0; values ≤ 0 would block every request.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Allow returns true if the request from addr is within the rate limit.
// When Redis is unavailable the request is allowed (graceful degradation).
func (l *Limiter) Allow(ctx context.Context, addr string) (bool, error) {
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{keyPrefix + addr},
		now, l.window.Nanoseconds(), l.limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}

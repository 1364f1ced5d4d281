package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding
// window rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: {allowed (1|0), current count}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return {0, count}
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return {1, count + 1}
`)

// RedisLimiter enforces a per-key limit using a Redis sliding window so the
// accounting is shared across gateway replicas.
type RedisLimiter struct {
	rdb      *redis.Client
	limit    int
	duration time.Duration
}

// NewRedisLimiter creates a limiter permitting limit requests per duration
// for each key.
func NewRedisLimiter(rdb *redis.Client, limit int, duration time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, duration: duration}
}

// Allow runs the sliding-window script for key. When Redis is unavailable
// the request is allowed — the gateway degrades to unlimited rather than
// refusing all traffic.
//
// The retry hint is conservative: a sliding window cannot cheaply report
// when the oldest entry falls out, so a denial advertises the full window.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixNano()

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{"ratelimit:" + key},
		now, r.duration.Nanoseconds(), r.limit,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{Allowed: true, Remaining: r.limit}, nil
	}

	if res[0] != 1 {
		return Decision{Allowed: false, RetryAfter: r.duration}, nil
	}

	remaining := r.limit - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

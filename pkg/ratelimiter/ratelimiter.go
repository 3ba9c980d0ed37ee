package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sendline/sendline/pkg/logger"
)

// Result is the outcome of a single rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the number of seconds until the window frees a slot,
// rounded up. Zero when the check was allowed.
func (r Result) RetryAfter(now time.Time) int {
	if r.Allowed {
		return 0
	}
	remaining := r.ResetAt.Sub(now)
	if remaining <= 0 {
		return 1
	}
	return int(remaining.Seconds()) + 1
}

// Lua script for an atomic sliding-window check. Expired members are dropped,
// the survivors counted, and a new member inserted only when under the limit.
// Members are "<now-ms>-<uuid>" so concurrent inserts at the same millisecond
// never collide.
//
// Returns {allowed, count, oldestScore}.
const slidingWindowLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= limit then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    return {0, count, tonumber(oldest[2])}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, count + 1, now}
`

// RateLimiter enforces sliding-window limits backed by Redis. All mutations
// go through a single Lua script so concurrent workers cannot race between
// the count and the insert.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	logger logger.Logger
}

// NewRateLimiter creates a rate limiter with a pre-compiled Lua script.
func NewRateLimiter(rdb *redis.Client, log logger.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		script: redis.NewScript(slidingWindowLuaScript),
		logger: log,
	}
}

// NewRateLimiterFromURL connects to Redis and returns a rate limiter.
func NewRateLimiterFromURL(redisURL string, log logger.Logger) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRateLimiter(redis.NewClient(opts), log), nil
}

// Check consumes one slot under key if fewer than limit slots were consumed
// in the trailing window. On a Redis failure the limiter fails open: the
// request is allowed and the error logged.
func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) Result {
	now := time.Now()
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: 0, ResetAt: now.Add(window)}
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())
	raw, err := rl.script.Run(ctx, rl.rdb,
		[]string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		rl.logger.WithFields(map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		}).Error("Rate limit check failed, allowing request")
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(window)}
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		rl.logger.WithField("key", key).Error("Unexpected rate limit script reply, allowing request")
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(window)}
	}

	allowed := toInt64(values[0]) == 1
	count := toInt64(values[1])
	oldest := toInt64(values[2])

	res := Result{
		Allowed: allowed,
		Limit:   limit,
	}
	if allowed {
		res.Remaining = limit - int(count)
		res.ResetAt = now.Add(window)
	} else {
		res.Remaining = 0
		// The window frees a slot when the oldest member ages out.
		res.ResetAt = time.UnixMilli(oldest).Add(window)
	}
	return res
}

// Close releases the underlying Redis client.
func (rl *RateLimiter) Close() error {
	return rl.rdb.Close()
}

// Ping verifies the Redis connection, used by health checks.
func (rl *RateLimiter) Ping(ctx context.Context) error {
	return rl.rdb.Ping(ctx).Err()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript atomically consumes units from a fixed-window counter. The key
// expires at the window boundary, so a fresh window starts as a fresh key.
//
// Returns {allowed, used, pttl_ms}.
const admitScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local units = tonumber(ARGV[3])

local used = tonumber(redis.call('GET', key) or '0')
if used + units > limit then
	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		ttl = window_ms
	end
	return {0, used, ttl}
end

used = redis.call('INCRBY', key, units)
if used == units then
	redis.call('PEXPIRE', key, window_ms)
end

local ttl = redis.call('PTTL', key)
return {1, used, ttl}
`

// refundScript returns units to a window without letting the counter go
// negative. A key that already expired stays gone — the next window starts
// fresh anyway.
const refundScript = `
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used <= 0 then
	return 0
end
local units = tonumber(ARGV[1])
if units > used then
	units = used
end
return redis.call('DECRBY', KEYS[1], units)
`

// RedisLimiter is the shared fixed-window limiter. It fails open: when Redis
// is unreachable the request is admitted and the error logged, availability
// wins over strictness.
type RedisLimiter struct {
	client *redis.Client
	admit  *redis.Script
	refund *redis.Script
	log    *slog.Logger
}

func NewRedisLimiter(client *redis.Client, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLimiter{
		client: client,
		admit:  redis.NewScript(admitScript),
		refund: redis.NewScript(refundScript),
		log:    log,
	}
}

func (l *RedisLimiter) Admit(ctx context.Context, bucket string, limit, units int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	if units <= 0 {
		units = 1
	}

	key := "ratelimit:" + bucket
	res, err := l.admit.Run(ctx, l.client, []string{key},
		limit, window.Milliseconds(), units).Result()
	if err != nil {
		l.log.WarnContext(ctx, "ratelimit: redis unavailable, admitting",
			"bucket", bucket, "error", err)
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}

	allowed := toInt64(vals[0]) == 1
	used := int(toInt64(vals[1]))
	ttl := time.Duration(toInt64(vals[2])) * time.Millisecond

	d := Decision{Allowed: allowed, Remaining: limit - used}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}

// Refund returns units to the bucket's current window. Like Admit it fails
// open: an unreachable Redis costs a little quota, never availability.
func (l *RedisLimiter) Refund(ctx context.Context, bucket string, units int) error {
	if units <= 0 {
		return nil
	}

	key := "ratelimit:" + bucket
	if err := l.refund.Run(ctx, l.client, []string{key}, units).Err(); err != nil {
		l.log.WarnContext(ctx, "ratelimit: refund failed",
			"bucket", bucket, "units", units, "error", err)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// tokenBucketScript runs the same refill-then-consume step as MemoryLimiter
// atomically on the Redis server so every process shares one bucket.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil or last == nil then
	tokens = capacity
	last = now
elseif now - last >= interval then
	local intervals = math.floor((now - last) / interval)
	tokens = math.min(capacity, tokens + intervals * capacity)
	last = last + intervals * interval
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last)
redis.call('PEXPIRE', KEYS[1], interval)
return allowed
`)

// RedisLimiter shares buckets across processes through Redis.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		now:    time.Now,
	}
}

// Allow consumes one token from key's bucket. Redis failures are returned
// so the caller can fail closed.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	if limit.Tokens <= 0 || limit.Interval <= 0 {
		return false, fmt.Errorf("invalid limit %+v", limit)
	}

	allowed, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		int64(limit.Tokens), limit.Interval.Milliseconds(), l.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}

	return allowed == 1, nil
}

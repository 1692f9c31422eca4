// Package ratelimit holds a Redis token bucket shared by every process that
// talks to the same upstream, so concurrent runners draw on one budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket. State lives in one Redis hash
// per key and is updated atomically by a Lua script.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token for key if available. It reports whether the
// token was granted and how many remain.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	granted, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		// Redis truncates Lua numbers to integers; the script returns a string.
		_, _ = fmt.Sscanf(v, "%g", &tokens)
	}
	return granted == 1, tokens, nil
}

// RetryAfter estimates how long until a bucket holding tokens regains a whole one.
func (b *TokenBucket) RetryAfter(tokens float64) time.Duration {
	if b.refill <= 0 {
		return 0
	}
	missing := math.Max(0, 1-tokens)
	return time.Duration(missing / b.refill * float64(time.Second))
}

// Wait blocks until a token for key is available or ctx is done. Upstream
// clients call it before each request.
func (b *TokenBucket) Wait(ctx context.Context, key string) error {
	if b.refill <= 0 {
		return errors.New("token bucket refill rate must be positive")
	}
	for {
		allowed, tokens, err := b.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		pause := b.RetryAfter(tokens)
		if pause < time.Millisecond {
			pause = time.Millisecond
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// The remaining token count is returned as a string to keep its fraction.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local granted = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {granted, tostring(tokens)}
`)

// Package ratelimit keeps a misbehaving gateway from flooding the webhook
// ingress. One token bucket per provider, shared across API replicas via
// Redis so a replica restart does not reset the budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderLimiter meters inbound webhook deliveries per provider.
type ProviderLimiter struct {
	client       *redis.Client
	capacity     int
	refillPerSec float64
	ttl          time.Duration
}

// NewProviderLimiter builds a limiter where each provider's bucket holds
// capacity tokens and refills at refillPerSecond. Idle buckets expire after
// ttl so one-off providers do not accumulate keys.
func NewProviderLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *ProviderLimiter {
	return &ProviderLimiter{
		client:       client,
		capacity:     capacity,
		refillPerSec: refillPerSecond,
		ttl:          ttl,
	}
}

func (l *ProviderLimiter) bucketKey(provider string) string {
	return "rl:webhook:" + provider
}

// Allow takes one token from the provider's bucket. It reports whether the
// delivery may proceed and how many tokens remain.
func (l *ProviderLimiter) Allow(ctx context.Context, provider string) (bool, float64, error) {
	res, err := takeTokenScript.Run(ctx, l.client, []string{l.bucketKey(provider)},
		l.capacity, l.refillPerSec, time.Now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	taken, _ := arr[0].(int64)
	var remaining float64
	if s, ok := arr[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}
	return taken == 1, remaining, nil
}

var takeTokenScript = redis.NewScript(`
local bucket = KEYS[1]
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'level', 'refilled_ms')
local level = tonumber(state[1])
local refilled = tonumber(state[2])
if level == nil then level = cap end
if refilled == nil then refilled = now_ms end

if now_ms > refilled then
  level = math.min(cap, level + (now_ms - refilled) * rate / 1000)
end

local taken = 0
if level >= 1 then
  level = level - 1
  taken = 1
end

redis.call('HSET', bucket, 'level', tostring(level), 'refilled_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', bucket, ttl_ms)
end
return {taken, tostring(level)}
`)

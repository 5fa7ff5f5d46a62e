package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across replicas. When redis cannot answer
// it falls back to a process local window.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Limit    int
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration, limit int) *RedisLimiter {
	fallback := NewInMemory(window, limit)
	return &RedisLimiter{
		Client:   client,
		Window:   fallback.window,
		Limit:    fallback.limit,
		Prefix:   "rl:",
		Timeout:  500 * time.Millisecond,
		Fallback: fallback,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	if l.Client == nil {
		return l.Fallback.Allow(ctx, key)
	}
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		return l.Fallback.Allow(ctx, key)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(int(res[0]), l.Limit, time.Now().UTC().Add(ttl))
}

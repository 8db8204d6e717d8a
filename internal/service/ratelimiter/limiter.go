// Package ratelimiter implements the distributed rate limiter shared
// by all worker processes.
//
// Each bucket is keyed per (provider, channel) and stores only the
// last-grant timestamp in Redis. A single atomic compare-and-set
// script grants at most one token per interval across all processes;
// this is the sole cross-worker mutable state in the system.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/novafoundry/fetcher/internal/adapter/observability"
)

// Limiter grants tokens for a named bucket, blocking until allowed.
type Limiter interface {
	// Acquire blocks until the bucket grants a token or ctx is done.
	Acquire(ctx context.Context, key string) error
}

// keyPrefix namespaces limiter keys in the shared Redis.
const keyPrefix = "fetcher:ratelimit:"

// luaCompareAndSet grants iff now-last >= interval, writing now with a
// TTL of twice the interval so idle buckets expire on their own.
const luaCompareAndSet = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local last = tonumber(redis.call('get', key) or '0')
if now - last >= interval then
    redis.call('set', key, now)
    redis.call('pexpire', key, interval * 2)
    return 1
else
    return 0
end
`

// RedisLimiter is the Redis-backed CAS limiter.
type RedisLimiter struct {
	rdb     *redis.Client
	script  *redis.Script
	mu      sync.RWMutex
	buckets map[string]float64 // key -> rate per second
}

// NewRedisLimiter constructs a limiter over the given client and
// bucket table (key -> requests per second). Unknown keys are
// unlimited; zero or negative rates are unlimited too.
func NewRedisLimiter(rdb *redis.Client, buckets map[string]float64) *RedisLimiter {
	if buckets == nil {
		buckets = map[string]float64{}
	}
	return &RedisLimiter{
		rdb:     rdb,
		script:  redis.NewScript(luaCompareAndSet),
		buckets: buckets,
	}
}

// SetBucket updates or creates a bucket rate. Safe for concurrent use.
func (l *RedisLimiter) SetBucket(key string, ratePerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = ratePerSec
}

// interval returns the grant interval for key, 0 when unlimited.
func (l *RedisLimiter) interval(key string) time.Duration {
	l.mu.RLock()
	rate, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok || rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// Allow performs one CAS attempt without blocking.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	interval := l.interval(key)
	if interval == 0 {
		return true, nil
	}
	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{keyPrefix + key}, now, interval.Milliseconds()).Int()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("key", key), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages; upstream
		// 429 handling still applies separately.
		return true, fmt.Errorf("op=ratelimiter.allow: %w", err)
	}
	return res == 1, nil
}

// Acquire blocks until the bucket grants a token, polling at half the
// grant interval, or until ctx is cancelled.
func (l *RedisLimiter) Acquire(ctx context.Context, key string) error {
	interval := l.interval(key)
	if interval == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		observability.RateLimitWaits.WithLabelValues(key).Observe(time.Since(start).Seconds())
	}()
	for {
		allowed, err := l.Allow(ctx, key)
		if err != nil {
			// Allow fails open; the error is already logged.
			return nil
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval / 2):
		}
	}
}

// Package ratelimit implements a distributed sliding-window rate limiter on
// Redis sorted sets. Admission runs as one Lua script, so concurrent callers
// across all service instances observe a single total order per key.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// admitScript prunes the window, counts, and conditionally admits in one
// atomic step. Without the single-script property two concurrent admissions
// could both observe current < limit and both succeed past the limit.
//
// KEYS[1] = sorted-set key
// ARGV[1] = now (float seconds)
// ARGV[2] = unique member timestamp (now + sub-second jitter)
// ARGV[3] = window seconds
// ARGV[4] = limit
var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local member = ARGV[2]
	local window = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])

	local window_start = now - window
	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, member, member)
		redis.call('EXPIRE', key, window + 60)
		return {1, current + 1, limit - current - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset = now + window
	if oldest[2] then
		reset = math.ceil(tonumber(oldest[2])) + window
	end
	return {0, current, 0, reset}
`)

// countScript is the read-only path: it still prunes expired members so the
// reported count reflects the live window.
var countScript = redis.NewScript(`
	local key = KEYS[1]
	local window_start = tonumber(ARGV[1]) - tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	return redis.call('ZCARD', key)
`)

// Result is one admission outcome, carrying everything the HTTP layer needs
// for the X-RateLimit-* headers.
type Result struct {
	Allowed   bool
	Limit     int64
	Current   int64
	Remaining int64
	// Reset is the unix second at which the window has room again.
	Reset int64
}

// RetryAfter converts the reset point into a Retry-After delay, never
// under one second for a denied request.
func (r Result) RetryAfter(now time.Time) int64 {
	delta := r.Reset - now.Unix()
	if delta < 1 {
		return 1
	}
	return delta
}

// SlidingWindow is the low-level limiter over one shared Redis client.
type SlidingWindow struct {
	client *redis.Client
}

// NewSlidingWindow builds the limiter.
func NewSlidingWindow(client *redis.Client) *SlidingWindow {
	return &SlidingWindow{client: client}
}

// CheckAndIncrement admits or rejects one request for key under (limit,
// window). The stored member is the admission timestamp plus sub-second
// jitter, guaranteeing member uniqueness when admissions land on the same
// clock reading.
func (s *SlidingWindow) CheckAndIncrement(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	now := time.Now()
	nowSec := float64(now.Unix()) + float64(now.Nanosecond())/1e9
	member := nowSec + rand.Float64()/1e6
	windowSec := int64(math.Ceil(window.Seconds()))

	raw, err := admitScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		nowSec, fmt.Sprintf("%.9f", member), windowSec, limit,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script failed for %s: %w", key, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Result{}, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}

	allowed := toInt64(vals[0]) == 1
	res := Result{
		Allowed:   allowed,
		Limit:     limit,
		Current:   toInt64(vals[1]),
		Remaining: toInt64(vals[2]),
	}
	if allowed {
		res.Reset = now.Unix() + windowSec
	} else {
		res.Reset = toInt64(vals[3])
	}
	return res, nil
}

// CurrentCount reports the live cardinality of the key's window.
func (s *SlidingWindow) CurrentCount(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	nowSec := float64(now.Unix()) + float64(now.Nanosecond())/1e9

	raw, err := countScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		nowSec, int64(math.Ceil(window.Seconds())),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit count failed for %s: %w", key, err)
	}
	return toInt64(raw), nil
}

// Reset deletes the key, clearing its window entirely.
func (s *SlidingWindow) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limit reset failed for %s: %w", key, err)
	}
	return nil
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

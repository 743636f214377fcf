package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Class names a preconfigured limit tier. Keys are namespaced by class so an
// identifier limited under one tier does not collide with another.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassDefault Class = "default"
	ClassHourly  Class = "hourly"
	ClassDaily   Class = "daily"
)

// Config carries the per-class limits.
type Config struct {
	AuthPerMinute    int64
	DefaultPerMinute int64
	PerHour          int64
	PerDay           int64
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		AuthPerMinute:    10,
		DefaultPerMinute: 120,
		PerHour:          2000,
		PerDay:           20000,
	}
}

// Limiter is the named-class wrapper over the sliding window.
type Limiter struct {
	window *SlidingWindow
	config Config
}

// NewLimiter builds the wrapper.
func NewLimiter(window *SlidingWindow, config Config) *Limiter {
	return &Limiter{window: window, config: config}
}

// limitFor resolves a class to its (limit, window) pair.
func (l *Limiter) limitFor(class Class) (int64, time.Duration, error) {
	switch class {
	case ClassAuth:
		return l.config.AuthPerMinute, time.Minute, nil
	case ClassDefault:
		return l.config.DefaultPerMinute, time.Minute, nil
	case ClassHourly:
		return l.config.PerHour, time.Hour, nil
	case ClassDaily:
		return l.config.PerDay, 24 * time.Hour, nil
	default:
		return 0, 0, fmt.Errorf("unknown rate limit class %q", class)
	}
}

// Check admits or rejects one request for key under the named class.
func (l *Limiter) Check(ctx context.Context, class Class, key string) (Result, error) {
	limit, window, err := l.limitFor(class)
	if err != nil {
		return Result{}, err
	}
	return l.window.CheckAndIncrement(ctx, fmt.Sprintf("%s:%s", class, key), limit, window)
}

// CheckCustom admits under an explicit (limit, window), for callers with
// needs outside the preconfigured tiers.
func (l *Limiter) CheckCustom(ctx context.Context, name, key string, limit int64, window time.Duration) (Result, error) {
	return l.window.CheckAndIncrement(ctx, fmt.Sprintf("custom:%s:%s", name, key), limit, window)
}

// Count returns the live count for a class-scoped key.
func (l *Limiter) Count(ctx context.Context, class Class, key string) (int64, error) {
	_, window, err := l.limitFor(class)
	if err != nil {
		return 0, err
	}
	return l.window.CurrentCount(ctx, fmt.Sprintf("%s:%s", class, key), window)
}

// Reset clears a class-scoped key.
func (l *Limiter) Reset(ctx context.Context, class Class, key string) error {
	return l.window.Reset(ctx, fmt.Sprintf("%s:%s", class, key))
}

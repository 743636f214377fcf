// Package revocation tracks revoked token ids in Redis. Entries carry a TTL
// equal to the token's residual lifetime, so the set cleans itself up once
// the underlying token would have expired anyway.
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "revoked:"

// Set is the shared revocation list consulted on every token validation.
type Set struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSet wraps a shared Redis client.
func NewSet(client *redis.Client, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{client: client, logger: logger}
}

// Revoke marks a token id revoked for the given residual lifetime. A TTL
// under one second is clamped up so the entry outlives in-flight validation.
func (s *Set) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("jti is required")
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := s.client.Set(ctx, keyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token %s: %w", jti, err)
	}
	s.logger.Debug("token revoked",
		zap.String("jti", jti),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// IsRevoked reports whether the token id is present in the set.
func (s *Set) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation for %s: %w", jti, err)
	}
	return n > 0, nil
}

// RevokeMany revokes a set of token ids with a shared TTL, for family-wide
// refresh revocation.
func (s *Set) RevokeMany(ctx context.Context, jtis []string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}

	pipe := s.client.Pipeline()
	for _, jti := range jtis {
		pipe.Set(ctx, keyPrefix+jti, "1", ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke token batch: %w", err)
	}
	return nil
}

package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig defines how many sends a single destination may request
// within the sliding window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding-window rate limiting per destination,
// backed by a Redis sorted set per key.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks whether one more send to the destination is allowed under
// the rate limit, and records it when it is.
func (r *RateLimiter) Allow(ctx context.Context, destination string) (*RateLimitResult, error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", destination)

	currentCount, err := r.client.windowCount(ctx, key, now.Add(-r.config.Window))
	if err != nil {
		return nil, err
	}

	remaining := r.config.Limit - currentCount
	resetAt := now.Add(r.config.Window)

	if currentCount >= r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("destination", destination),
			zap.Int("current", currentCount),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	if err := r.client.windowAdd(ctx, key, now, r.config.Window+time.Second); err != nil {
		return nil, err
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - 1,
		ResetAt:   resetAt,
	}, nil
}

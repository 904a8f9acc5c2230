// Package redis implements the delivery-side guards: per-destination
// rate limiting and resend cooldowns. The guards share one client that
// owns the raw Redis primitives, so the guard types stay free of
// storage details.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Client is the shared connection for the delivery guards. Guard
// operations run inline with OTP requests, so every timeout here is
// shorter than the per-provider send timeout.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and verifies the connection with a ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  2 * time.Second,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// windowCount prunes window entries older than cutoff and returns how
// many remain, in one round trip.
func (c *Client) windowCount(ctx context.Context, key string, cutoff time.Time) (int, error) {
	pipe := c.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis window count: %w", err)
	}
	return int(countCmd.Val()), nil
}

// windowAdd appends an event timestamp to the window and refreshes the
// key expiry so abandoned destinations clean themselves up.
func (c *Client) windowAdd(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	member := strconv.FormatInt(at.UnixNano(), 10)
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis window add: %w", err)
	}
	return nil
}

// claim takes the key for ttl if nobody holds it. Returns false when
// the key is already held.
func (c *Client) claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

// unclaim releases a held key early. Releasing an expired or unheld
// key is a no-op.
func (c *Client) unclaim(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis unclaim: %w", err)
	}
	return nil
}

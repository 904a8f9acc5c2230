package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrCooldownActive indicates a recent send to the same destination
// and purpose is still within the cooldown window.
var ErrCooldownActive = errors.New("resend cooldown active for destination")

// CooldownGuard rejects duplicate OTP sends to the same destination
// within a configured window. A network retry or an impatient user
// hammering "resend" must not fan out into duplicate provider calls.
type CooldownGuard struct {
	client *Client
	window time.Duration
	logger *zap.Logger
}

// NewCooldownGuard creates a guard with the given window.
func NewCooldownGuard(client *Client, window time.Duration, logger *zap.Logger) *CooldownGuard {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &CooldownGuard{
		client: client,
		window: window,
		logger: logger,
	}
}

func (g *CooldownGuard) buildKey(destination, purpose string) string {
	return fmt.Sprintf("cooldown:%s:%s", purpose, destination)
}

// Reserve claims the cooldown slot for a destination and purpose.
// Returns ErrCooldownActive when a send happened within the window.
func (g *CooldownGuard) Reserve(ctx context.Context, destination, purpose string) error {
	ok, err := g.client.claim(ctx, g.buildKey(destination, purpose), g.window)
	if err != nil {
		return err
	}
	if !ok {
		g.logger.Debug("resend cooldown hit",
			zap.String("purpose", purpose),
		)
		return ErrCooldownActive
	}
	return nil
}

// Release frees the slot early, so a failed delivery does not lock the
// user out of retrying.
func (g *CooldownGuard) Release(ctx context.Context, destination, purpose string) error {
	return g.client.unclaim(ctx, g.buildKey(destination, purpose))
}

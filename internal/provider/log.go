package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// LogAdapter is a no-op adapter that logs instead of sending, for
// development and tests.
type LogAdapter struct {
	channel  db.Channel
	priority int
	logger   *zap.Logger
}

// NewLogAdapter creates a logging adapter for the given channel.
func NewLogAdapter(ch db.Channel, priority int, logger *zap.Logger) *LogAdapter {
	return &LogAdapter{channel: ch, priority: priority, logger: logger}
}

func (a *LogAdapter) Name() string        { return "log-" + string(a.channel) }
func (a *LogAdapter) Channel() db.Channel { return a.channel }
func (a *LogAdapter) Priority() int       { return a.priority }

func (a *LogAdapter) Send(ctx context.Context, msg Message) Result {
	a.logger.Info("logging message (development mode)",
		zap.String("channel", string(a.channel)),
		zap.String("to", msg.To),
		zap.String("body", msg.Body),
	)
	return Succeed("")
}

func (a *LogAdapter) Probe(ctx context.Context) error {
	return nil
}

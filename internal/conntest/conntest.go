// Package conntest implements the on-demand connectivity check used
// for self-service troubleshooting. It is deliberately out-of-band: a
// user's ad hoc test never touches provider health state, so it cannot
// destabilize production health signals.
package conntest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/metrics"
	"github.com/casavia/otpgate/internal/provider"
)

// Failure reasons, distinct from the orchestrator's taxonomy so the
// caller can tell an ad hoc test apart from a production failure.
const (
	ReasonInvalidContact = "invalid_contact"
	ReasonProviderError  = "provider_error"
	ReasonTimeout        = "timeout"
)

// Result is the outcome of one connectivity test.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Service runs single-attempt reachability checks through the primary
// provider of a channel.
type Service struct {
	registry *provider.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a connectivity test service.
func New(registry *provider.Registry, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// Test verifies that contact is currently reachable on the channel.
// One attempt, no retry, no failover, no health recording.
func (s *Service) Test(ctx context.Context, ch db.Channel, contact string) *Result {
	if !ch.Valid() || !provider.ValidDestination(ch, contact) {
		metrics.RecordConnectivityTest(string(ch), ReasonInvalidContact)
		return &Result{Success: false, Message: ReasonInvalidContact}
	}

	candidates := s.registry.ForChannel(ch)
	if len(candidates) == 0 {
		metrics.RecordConnectivityTest(string(ch), ReasonProviderError)
		return &Result{Success: false, Message: ReasonProviderError}
	}
	adapter := candidates[0]

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := adapter.Send(ctx, provider.Message{
		To:      contact,
		Subject: "Casavia connectivity test",
		Body:    "This is a Casavia connectivity test. If you received this message, delivery to this contact works.",
	})

	if result.Success {
		s.logger.Info("connectivity test passed",
			zap.String("channel", string(ch)),
			zap.String("provider", adapter.Name()),
		)
		metrics.RecordConnectivityTest(string(ch), "success")
		return &Result{Success: true, Message: "contact is reachable"}
	}

	reason := ReasonProviderError
	if errors.Is(result.Err, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}

	s.logger.Warn("connectivity test failed",
		zap.String("channel", string(ch)),
		zap.String("provider", adapter.Name()),
		zap.String("reason", reason),
		zap.Error(result.Err),
	)
	metrics.RecordConnectivityTest(string(ch), reason)
	return &Result{Success: false, Message: reason}
}

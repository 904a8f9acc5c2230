// Package orchestrator implements the delivery path: provider
// selection by priority and health, failover on transient errors,
// alternate-channel fallback on permanent ones, and durable attempt
// recording between tries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/metrics"
	"github.com/casavia/otpgate/internal/provider"
)

// Machine-readable failure reasons, surfaced to the caller in the
// delivery outcome.
const (
	ReasonInvalidDestination  = "invalid_destination"
	ReasonNoProviderAvailable = "no_provider_available"
	ReasonPermanentError      = "permanent_provider_error"
	ReasonAllProvidersFailed  = "all_providers_failed"
	ReasonTimeoutExceeded     = "timeout_exceeded"
	ReasonStorageError        = "storage_error"
)

// ErrInvalidDestination is returned before any attempt is recorded.
var ErrInvalidDestination = errors.New("destination failed format validation")

// Ledger is the durable attempt store the orchestrator writes through.
type Ledger interface {
	CreateRequest(ctx context.Context, req *db.DeliveryRequest) error
	CompleteRequest(ctx context.Context, id uuid.UUID, status db.RequestStatus) error
	RecordAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error
	CompleteAttempt(ctx context.Context, id uuid.UUID, status db.AttemptStatus,
		errorKind *db.ErrorKind, errorMsg *string, providerRef *string) error
}

// HealthStore is the monitor view the orchestrator selects against and
// reports into.
type HealthStore interface {
	RecordOutcome(provider string, ch db.Channel, success bool, kind db.ErrorKind)
	Get(provider string, ch db.Channel) (health.ProviderHealth, bool)
}

// Config bounds the orchestration loop.
type Config struct {
	ProviderTimeout  time.Duration // per-provider send timeout
	DeliveryDeadline time.Duration // overall deadline across retries and fallback
	MaxAttempts      int           // total attempts per logical request
	ChannelFallback  bool          // allow alternate-channel restart on permanent failure
}

// Input is one OTP-send call. Fallback fields are optional: when set
// and ChannelFallback is enabled, a permanent failure on the primary
// channel restarts the algorithm once on the fallback channel.
type Input struct {
	Destination         string
	Channel             db.Channel
	Purpose             string
	Code                string
	FallbackDestination string
	FallbackChannel     db.Channel
}

// Outcome is the structured result of one Deliver call. Failures are
// values, never panics.
type Outcome struct {
	RequestID uuid.UUID  `json:"request_id"`
	Delivered bool       `json:"delivered"`
	Channel   db.Channel `json:"channel,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Attempts  int        `json:"attempts"`
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Orchestrator coordinates providers, health and the ledger for one
// delivery at a time. Each Deliver call runs independently; calls may
// execute in parallel.
type Orchestrator struct {
	registry *provider.Registry
	health   HealthStore
	ledger   Ledger
	config   Config
	logger   *zap.Logger
}

// New creates an Orchestrator.
func New(registry *provider.Registry, hs HealthStore, ledger Ledger, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.DeliveryDeadline <= 0 {
		cfg.DeliveryDeadline = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	return &Orchestrator{
		registry: registry,
		health:   hs,
		ledger:   ledger,
		config:   cfg,
		logger:   logger,
	}
}

// Deliver sends one verification code. It validates the destination,
// walks the priority-ordered healthy candidates with failover, falls
// back to the alternate channel on a permanent failure, and records
// every attempt durably before the next one is tried.
func (o *Orchestrator) Deliver(ctx context.Context, in Input) *Outcome {
	if !in.Channel.Valid() || !provider.ValidDestination(in.Channel, in.Destination) {
		// Pre-send short-circuit: nothing is recorded.
		return &Outcome{
			Delivered: false,
			Reason:    ReasonInvalidDestination,
			Message:   "destination failed format validation",
		}
	}

	req := &db.DeliveryRequest{
		ID:          uuid.New(),
		Destination: in.Destination,
		Channel:     in.Channel,
		Purpose:     in.Purpose,
		Status:      db.RequestPending,
		RequestedAt: time.Now(),
	}

	if err := o.writeDurably(ctx, func(wctx context.Context) error {
		return o.ledger.CreateRequest(wctx, req)
	}); err != nil {
		o.logger.Error("failed to persist delivery request", zap.Error(err))
		return &Outcome{
			Delivered: false,
			Reason:    ReasonStorageError,
			Message:   "could not persist delivery request",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.DeliveryDeadline)
	defer cancel()

	out := o.run(ctx, req, in.Channel, in.Destination, in, 0)

	// One alternate-channel restart when the primary channel cannot
	// deliver at all: a rejected recipient, an exhausted candidate
	// list, or no provider for the channel. Still bounded by
	// MaxAttempts through attemptBase.
	if !out.Delivered && channelExhausted(out.Reason) &&
		o.config.ChannelFallback && in.FallbackChannel.Valid() &&
		provider.ValidDestination(in.FallbackChannel, in.FallbackDestination) {

		o.logger.Info("falling back to alternate channel",
			zap.String("request_id", req.ID.String()),
			zap.String("from", string(in.Channel)),
			zap.String("to", string(in.FallbackChannel)),
		)
		out = o.run(ctx, req, in.FallbackChannel, in.FallbackDestination, in, out.Attempts)
	}

	status := db.RequestFailed
	if out.Delivered {
		status = db.RequestDelivered
	}
	if err := o.writeDurably(ctx, func(wctx context.Context) error {
		return o.ledger.CompleteRequest(wctx, req.ID, status)
	}); err != nil {
		o.logger.Error("failed to finalize delivery request",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
	}

	out.RequestID = req.ID
	metrics.RecordDelivery(string(status), string(out.Channel))
	metrics.RecordDeliveryDuration(string(out.Channel), time.Since(req.RequestedAt))
	return out
}

// channelExhausted reports whether a failure reason means the channel
// itself can no longer deliver, making the alternate channel worth a
// restart. Timeouts and storage failures are not channel problems.
func channelExhausted(reason string) bool {
	switch reason {
	case ReasonPermanentError, ReasonAllProvidersFailed, ReasonNoProviderAvailable:
		return true
	}
	return false
}

// run executes the candidate loop for one channel. attemptBase carries
// the attempt numbering across a channel fallback so the chain stays
// strictly ordered.
func (o *Orchestrator) run(ctx context.Context, req *db.DeliveryRequest, ch db.Channel, dest string, in Input, attemptBase int) *Outcome {
	candidates := o.candidates(ch)
	if len(candidates) == 0 {
		return &Outcome{
			Attempts: attemptBase,
			Reason:   ReasonNoProviderAvailable,
			Message:  "no enabled providers for channel " + string(ch),
		}
	}

	msg := provider.Message{
		To:      dest,
		Subject: "Your Casavia verification code",
		Body:    composeBody(in.Code),
	}

	attempts := attemptBase
	var tried []string

	for _, adapter := range candidates {
		if attempts >= o.config.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return &Outcome{
				Attempts: attempts,
				Reason:   ReasonTimeoutExceeded,
				Message:  "delivery deadline exceeded",
			}
		}

		attempts++
		tried = append(tried, adapter.Name())

		attempt := &db.DeliveryAttempt{
			ID:            uuid.New(),
			RequestID:     req.ID,
			Provider:      adapter.Name(),
			Channel:       ch,
			Status:        db.AttemptPending,
			AttemptNumber: attempts,
			StartedAt:     time.Now(),
		}

		// Durable before the provider call: a crash here leaves a
		// pending attempt, never a phantom success.
		if err := o.writeDurably(ctx, func(wctx context.Context) error {
			return o.ledger.RecordAttempt(wctx, attempt)
		}); err != nil {
			o.logger.Error("failed to record attempt", zap.Error(err))
			return &Outcome{
				Attempts: attempts - 1,
				Reason:   ReasonStorageError,
				Message:  "could not record delivery attempt",
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, o.config.ProviderTimeout)
		result := adapter.Send(sendCtx, msg)
		cancel()

		if result.Success {
			o.completeAttempt(ctx, attempt.ID, db.AttemptDelivered, nil, nil, &result.ProviderRef)
			o.health.RecordOutcome(adapter.Name(), ch, true, "")
			metrics.RecordAttempt(adapter.Name(), string(ch), "delivered")

			o.logger.Info("delivery succeeded",
				zap.String("request_id", req.ID.String()),
				zap.String("provider", adapter.Name()),
				zap.String("channel", string(ch)),
				zap.Int("attempts", attempts),
			)

			return &Outcome{
				Delivered: true,
				Channel:   ch,
				Provider:  adapter.Name(),
				Attempts:  attempts,
			}
		}

		kind := result.ErrorKind
		errMsg := result.Err.Error()
		o.completeAttempt(ctx, attempt.ID, db.AttemptFailed, &kind, &errMsg, nil)
		o.health.RecordOutcome(adapter.Name(), ch, false, kind)
		metrics.RecordAttempt(adapter.Name(), string(ch), "failed")

		o.logger.Warn("delivery attempt failed",
			zap.String("request_id", req.ID.String()),
			zap.String("provider", adapter.Name()),
			zap.String("channel", string(ch)),
			zap.String("error_kind", string(kind)),
			zap.Error(result.Err),
		)

		if kind == db.ErrorPermanent {
			// Same-channel retries cannot help a rejected recipient.
			return &Outcome{
				Attempts: attempts,
				Reason:   ReasonPermanentError,
				Message:  errMsg,
			}
		}
	}

	return &Outcome{
		Attempts: attempts,
		Reason:   ReasonAllProvidersFailed,
		Message:  "all candidates failed: " + strings.Join(tried, ", "),
	}
}

// candidates returns the priority-ordered adapters for a channel with
// down providers excluded. When every provider is down, the least
// recently failed one is attempted as a last resort.
func (o *Orchestrator) candidates(ch db.Channel) []provider.Adapter {
	all := o.registry.ForChannel(ch)
	if len(all) == 0 {
		return nil
	}

	var up []provider.Adapter
	var lastResort provider.Adapter
	var lastResortFailedAt time.Time

	for _, a := range all {
		h, ok := o.health.Get(a.Name(), ch)
		if !ok || h.Status != health.StatusDown {
			up = append(up, a)
			continue
		}
		// Providers downed purely by probes have no failure timestamp;
		// their last check stands in so they do not always win.
		failedAt := h.LastCheckAt
		if h.LastFailureAt != nil {
			failedAt = *h.LastFailureAt
		}
		if lastResort == nil || failedAt.Before(lastResortFailedAt) {
			lastResort = a
			lastResortFailedAt = failedAt
		}
	}

	if len(up) == 0 && lastResort != nil {
		return []provider.Adapter{lastResort}
	}
	return up
}

// completeAttempt applies the terminal attempt transition. It uses a
// detached context so an abandoned in-flight attempt still records its
// eventual outcome for diagnostics.
func (o *Orchestrator) completeAttempt(ctx context.Context, id uuid.UUID, status db.AttemptStatus, kind *db.ErrorKind, errMsg, ref *string) {
	err := o.writeDurably(ctx, func(wctx context.Context) error {
		return o.ledger.CompleteAttempt(wctx, id, status, kind, errMsg, ref)
	})
	if err != nil {
		o.logger.Error("failed to complete attempt record",
			zap.Error(err),
			zap.String("attempt_id", id.String()),
		)
	}
}

// writeDurably retries a ledger write with bounded exponential backoff
// before giving up. Writes run on a detached context so they survive
// the delivery deadline.
func (o *Orchestrator) writeDurably(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second

	return backoff.Retry(func() error {
		return fn(wctx)
	}, backoff.WithContext(bo, wctx))
}

func composeBody(code string) string {
	return fmt.Sprintf("Your Casavia verification code is %s. It expires in 10 minutes. Do not share it with anyone.", code)
}

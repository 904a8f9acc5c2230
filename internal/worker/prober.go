// Package worker runs the background synthetic probe loop that keeps
// provider health fresh even when no user traffic is flowing.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/metrics"
	"github.com/casavia/otpgate/internal/provider"
)

// Prober periodically probes every registered adapter and feeds the
// results into the health monitor.
type Prober struct {
	registry *provider.Registry
	monitor  *health.Monitor
	config   Config
	logger   *zap.Logger
}

// Config bounds the probe loop.
type Config struct {
	Interval     time.Duration // probe cadence per sweep
	ProbeTimeout time.Duration // per-provider probe timeout
}

// New creates a Prober.
func New(registry *provider.Registry, monitor *health.Monitor, cfg Config, logger *zap.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	return &Prober{
		registry: registry,
		monitor:  monitor,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the probe loop until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prober stopping")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes every adapter once.
func (p *Prober) sweep(ctx context.Context) {
	for _, adapter := range p.registry.All() {
		probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
		err := adapter.Probe(probeCtx)
		cancel()

		p.monitor.RecordProbe(adapter.Name(), adapter.Channel(), err)

		if err != nil {
			p.logger.Warn("synthetic probe failed",
				zap.String("provider", adapter.Name()),
				zap.String("channel", string(adapter.Channel())),
				zap.Error(err),
			)
		}

		if h, ok := p.monitor.Get(adapter.Name(), adapter.Channel()); ok {
			metrics.SetProviderHealth(adapter.Name(), string(adapter.Channel()), healthGaugeValue(h.Status))
		}
	}
}

func healthGaugeValue(s health.Status) int {
	switch s {
	case health.StatusDegraded:
		return 1
	case health.StatusDown:
		return 2
	default:
		return 0
	}
}

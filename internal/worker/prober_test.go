package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/provider"
)

type probeAdapter struct {
	name     string
	channel  db.Channel
	probeErr error
	probes   int
}

func (a *probeAdapter) Name() string        { return a.name }
func (a *probeAdapter) Channel() db.Channel { return a.channel }
func (a *probeAdapter) Priority() int       { return 1 }

func (a *probeAdapter) Send(ctx context.Context, msg provider.Message) provider.Result {
	return provider.Succeed("probe-adapter")
}

func (a *probeAdapter) Probe(ctx context.Context) error {
	a.probes++
	return a.probeErr
}

func TestSweep_ProbesEveryAdapter(t *testing.T) {
	sms := &probeAdapter{name: "sns", channel: db.ChannelSMS}
	email := &probeAdapter{name: "ses", channel: db.ChannelEmail}

	monitor := health.NewMonitor(health.Config{}, zap.NewNop())
	monitor.Register("sns", db.ChannelSMS, 1)
	monitor.Register("ses", db.ChannelEmail, 1)

	p := New(provider.NewRegistry(sms, email), monitor, Config{}, zap.NewNop())
	p.sweep(context.Background())

	if sms.probes != 1 || email.probes != 1 {
		t.Errorf("expected one probe per adapter, got sms=%d email=%d", sms.probes, email.probes)
	}
}

func TestSweep_FailuresReachTheMonitor(t *testing.T) {
	sms := &probeAdapter{name: "sns", channel: db.ChannelSMS, probeErr: errors.New("endpoint unreachable")}

	monitor := health.NewMonitor(health.Config{ProbeFailThreshold: 3}, zap.NewNop())
	monitor.Register("sns", db.ChannelSMS, 1)

	p := New(provider.NewRegistry(sms), monitor, Config{}, zap.NewNop())
	for i := 0; i < 3; i++ {
		p.sweep(context.Background())
	}

	h, ok := monitor.Get("sns", db.ChannelSMS)
	if !ok {
		t.Fatal("provider missing from monitor")
	}
	if h.Status != health.StatusDown {
		t.Errorf("expected down after repeated probe failures, got %s", h.Status)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	monitor := health.NewMonitor(health.Config{}, zap.NewNop())
	p := New(provider.NewRegistry(), monitor, Config{Interval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop after cancellation")
	}
}

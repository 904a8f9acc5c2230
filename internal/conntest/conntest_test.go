package conntest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/provider"
)

type StubAdapter struct {
	name     string
	channel  db.Channel
	priority int
	result   provider.Result
	delay    time.Duration
	calls    int
	lastMsg  provider.Message
}

func (a *StubAdapter) Name() string        { return a.name }
func (a *StubAdapter) Channel() db.Channel { return a.channel }
func (a *StubAdapter) Priority() int       { return a.priority }

func (a *StubAdapter) Send(ctx context.Context, msg provider.Message) provider.Result {
	a.calls++
	a.lastMsg = msg
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return provider.Fail(db.ErrorTransient, ctx.Err())
		}
	}
	return a.result
}

func (a *StubAdapter) Probe(ctx context.Context) error { return nil }

func newService(timeout time.Duration, adapters ...provider.Adapter) *Service {
	return New(provider.NewRegistry(adapters...), timeout, zap.NewNop())
}

func TestTest_Success(t *testing.T) {
	adapter := &StubAdapter{name: "sns", channel: db.ChannelSMS, priority: 1, result: provider.Succeed("msg-1")}
	s := newService(time.Second, adapter)

	r := s.Test(context.Background(), db.ChannelSMS, "+15550001111")

	if !r.Success {
		t.Fatalf("expected success, got %+v", r)
	}
	if adapter.calls != 1 {
		t.Errorf("expected exactly one attempt, got %d", adapter.calls)
	}
	if adapter.lastMsg.To != "+15550001111" {
		t.Errorf("unexpected recipient %q", adapter.lastMsg.To)
	}
}

func TestTest_InvalidContact(t *testing.T) {
	adapter := &StubAdapter{name: "sns", channel: db.ChannelSMS, priority: 1, result: provider.Succeed("msg-1")}
	s := newService(time.Second, adapter)

	r := s.Test(context.Background(), db.ChannelSMS, "555-not-e164")

	if r.Success || r.Message != ReasonInvalidContact {
		t.Errorf("expected invalid_contact, got %+v", r)
	}
	if adapter.calls != 0 {
		t.Error("invalid contact must not reach the provider")
	}
}

func TestTest_InvalidChannel(t *testing.T) {
	s := newService(time.Second)

	r := s.Test(context.Background(), db.Channel("fax"), "+15550001111")

	if r.Success || r.Message != ReasonInvalidContact {
		t.Errorf("expected invalid_contact for unknown channel, got %+v", r)
	}
}

func TestTest_NoProviderForChannel(t *testing.T) {
	adapter := &StubAdapter{name: "ses", channel: db.ChannelEmail, priority: 1}
	s := newService(time.Second, adapter)

	r := s.Test(context.Background(), db.ChannelSMS, "+15550001111")

	if r.Success || r.Message != ReasonProviderError {
		t.Errorf("expected provider_error, got %+v", r)
	}
}

func TestTest_ProviderError(t *testing.T) {
	adapter := &StubAdapter{
		name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Fail(db.ErrorPermanent, context.Canceled),
	}
	s := newService(time.Second, adapter)

	r := s.Test(context.Background(), db.ChannelSMS, "+15550001111")

	if r.Success || r.Message != ReasonProviderError {
		t.Errorf("expected provider_error, got %+v", r)
	}
}

func TestTest_Timeout(t *testing.T) {
	adapter := &StubAdapter{
		name: "sns", channel: db.ChannelSMS, priority: 1,
		delay:  200 * time.Millisecond,
		result: provider.Succeed("too-late"),
	}
	s := newService(20*time.Millisecond, adapter)

	r := s.Test(context.Background(), db.ChannelSMS, "+15550001111")

	if r.Success || r.Message != ReasonTimeout {
		t.Errorf("expected timeout, got %+v", r)
	}
}

func TestTest_UsesPrimaryProvider(t *testing.T) {
	backup := &StubAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2, result: provider.Succeed("b")}
	primary := &StubAdapter{name: "sns", channel: db.ChannelSMS, priority: 1, result: provider.Fail(db.ErrorTransient, context.Canceled)}
	s := newService(time.Second, backup, primary)

	r := s.Test(context.Background(), db.ChannelSMS, "+15550001111")

	// Single attempt through the primary; no failover to the backup.
	if r.Success {
		t.Error("test should report the primary's failure, not fail over")
	}
	if primary.calls != 1 || backup.calls != 0 {
		t.Errorf("expected primary only, got primary=%d backup=%d", primary.calls, backup.calls)
	}
}

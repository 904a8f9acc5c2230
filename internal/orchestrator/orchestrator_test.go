package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/provider"
)

// FakeAdapter returns canned results and counts invocations.
type FakeAdapter struct {
	name     string
	channel  db.Channel
	priority int
	result   provider.Result
	calls    int
}

func (f *FakeAdapter) Name() string        { return f.name }
func (f *FakeAdapter) Channel() db.Channel { return f.channel }
func (f *FakeAdapter) Priority() int       { return f.priority }

func (f *FakeAdapter) Send(ctx context.Context, msg provider.Message) provider.Result {
	f.calls++
	return f.result
}

func (f *FakeAdapter) Probe(ctx context.Context) error { return nil }

// FakeLedger records everything in memory.
type FakeLedger struct {
	requests map[uuid.UUID]*db.DeliveryRequest
	attempts []*db.DeliveryAttempt
	statuses map[uuid.UUID]db.RequestStatus

	createErr error
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		requests: make(map[uuid.UUID]*db.DeliveryRequest),
		statuses: make(map[uuid.UUID]db.RequestStatus),
	}
}

func (f *FakeLedger) CreateRequest(ctx context.Context, req *db.DeliveryRequest) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.requests[req.ID] = req
	return nil
}

func (f *FakeLedger) CompleteRequest(ctx context.Context, id uuid.UUID, status db.RequestStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *FakeLedger) RecordAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *FakeLedger) CompleteAttempt(ctx context.Context, id uuid.UUID, status db.AttemptStatus,
	errorKind *db.ErrorKind, errorMsg *string, providerRef *string) error {
	for _, a := range f.attempts {
		if a.ID == id {
			a.Status = status
			a.ErrorKind = errorKind
			a.ErrorMessage = errorMsg
			a.ProviderRef = providerRef
			now := time.Now()
			a.CompletedAt = &now
		}
	}
	return nil
}

// FakeHealth serves fixed statuses and records outcomes.
type FakeHealth struct {
	statuses map[string]health.ProviderHealth
	recorded []recordedOutcome
}

type recordedOutcome struct {
	provider string
	success  bool
	kind     db.ErrorKind
}

func NewFakeHealth() *FakeHealth {
	return &FakeHealth{statuses: make(map[string]health.ProviderHealth)}
}

func (f *FakeHealth) set(name string, ch db.Channel, status health.Status, lastFailure time.Time) {
	h := health.ProviderHealth{Provider: name, Channel: ch, Status: status}
	if !lastFailure.IsZero() {
		h.LastFailureAt = &lastFailure
	}
	f.statuses[name+":"+string(ch)] = h
}

func (f *FakeHealth) setRecord(h health.ProviderHealth) {
	f.statuses[h.Provider+":"+string(h.Channel)] = h
}

func (f *FakeHealth) Get(name string, ch db.Channel) (health.ProviderHealth, bool) {
	h, ok := f.statuses[name+":"+string(ch)]
	return h, ok
}

func (f *FakeHealth) RecordOutcome(name string, ch db.Channel, success bool, kind db.ErrorKind) {
	f.recorded = append(f.recorded, recordedOutcome{provider: name, success: success, kind: kind})
}

func newOrchestrator(ledger *FakeLedger, hs *FakeHealth, adapters ...provider.Adapter) *Orchestrator {
	return New(provider.NewRegistry(adapters...), hs, ledger, Config{
		ProviderTimeout:  time.Second,
		DeliveryDeadline: 5 * time.Second,
		MaxAttempts:      3,
		ChannelFallback:  true,
	}, zap.NewNop())
}

func smsInput() Input {
	return Input{
		Destination: "+15550001111",
		Channel:     db.ChannelSMS,
		Purpose:     "login",
		Code:        "482913",
	}
}

func TestDeliver_FirstProviderSucceeds(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Succeed("msg-1")}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}

	out := newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if !out.Delivered {
		t.Fatalf("expected delivery, got reason %s", out.Reason)
	}
	if out.Provider != "sns" || out.Attempts != 1 {
		t.Errorf("expected 1 attempt via sns, got %d via %s", out.Attempts, out.Provider)
	}
	if b.calls != 0 {
		t.Error("lower-priority provider should not be called")
	}
	if ledger.statuses[out.RequestID] != db.RequestDelivered {
		t.Errorf("request should be marked delivered, got %s", ledger.statuses[out.RequestID])
	}
	if len(ledger.attempts) != 1 || ledger.attempts[0].Status != db.AttemptDelivered {
		t.Fatalf("expected 1 delivered attempt, got %+v", ledger.attempts)
	}
}

func TestDeliver_TransientFailureFailsOver(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Fail(db.ErrorTransient, errors.New("throttled"))}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}

	out := newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if !out.Delivered {
		t.Fatalf("expected delivery, got reason %s", out.Reason)
	}
	if out.Provider != "sms-gateway" || out.Attempts != 2 {
		t.Errorf("expected 2 attempts ending at sms-gateway, got %d via %s", out.Attempts, out.Provider)
	}
	if len(ledger.attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(ledger.attempts))
	}
	if ledger.attempts[0].Status != db.AttemptFailed || ledger.attempts[1].Status != db.AttemptDelivered {
		t.Error("attempt statuses not recorded in order")
	}
	if ledger.attempts[0].AttemptNumber != 1 || ledger.attempts[1].AttemptNumber != 2 {
		t.Error("attempt numbers not sequential")
	}
}

func TestDeliver_SkipsDownProvider(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Succeed("msg-1")}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}
	hs.set("sns", db.ChannelSMS, health.StatusDown, time.Now())

	out := newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if !out.Delivered || out.Provider != "sms-gateway" {
		t.Fatalf("expected delivery via sms-gateway, got %+v", out)
	}
	if a.calls != 0 {
		t.Error("down provider should not be attempted")
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
}

func TestDeliver_AllDownUsesLeastRecentlyFailed(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Succeed("msg-1")}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}
	hs.set("sns", db.ChannelSMS, health.StatusDown, time.Now())
	hs.set("sms-gateway", db.ChannelSMS, health.StatusDown, time.Now().Add(-time.Hour))

	out := newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if !out.Delivered {
		t.Fatalf("expected last-resort delivery, got reason %s", out.Reason)
	}
	if out.Provider != "sms-gateway" {
		t.Errorf("expected least recently failed provider, got %s", out.Provider)
	}
	if a.calls != 0 {
		t.Error("only the last-resort provider should be attempted")
	}
}

func TestDeliver_PermanentErrorStopsChannel(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Fail(db.ErrorPermanent, errors.New("opted out"))}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}

	out := newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if out.Delivered {
		t.Fatal("expected failure")
	}
	if out.Reason != ReasonPermanentError {
		t.Errorf("expected permanent_provider_error, got %s", out.Reason)
	}
	if b.calls != 0 {
		t.Error("permanent failure must not fail over within the channel")
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
}

func TestDeliver_PermanentErrorFallsBackToAlternateChannel(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	sms := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Fail(db.ErrorPermanent, errors.New("opted out"))}
	email := &FakeAdapter{name: "ses", channel: db.ChannelEmail, priority: 1,
		result: provider.Succeed("msg-9")}

	in := smsInput()
	in.FallbackDestination = "guest@example.com"
	in.FallbackChannel = db.ChannelEmail

	out := newOrchestrator(ledger, hs, sms, email).Deliver(context.Background(), in)

	if !out.Delivered {
		t.Fatalf("expected fallback delivery, got reason %s", out.Reason)
	}
	if out.Channel != db.ChannelEmail || out.Provider != "ses" {
		t.Errorf("expected delivery via ses on email, got %s on %s", out.Provider, out.Channel)
	}
	if out.Attempts != 2 {
		t.Errorf("expected 2 total attempts, got %d", out.Attempts)
	}
	if len(ledger.attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(ledger.attempts))
	}
	// Numbering stays strictly ordered across the channel switch.
	if ledger.attempts[0].AttemptNumber != 1 || ledger.attempts[1].AttemptNumber != 2 {
		t.Error("attempt numbers not sequential across fallback")
	}
	if ledger.attempts[1].Channel != db.ChannelEmail {
		t.Error("fallback attempt should be recorded on the alternate channel")
	}
}

func TestDeliver_AllSMSProvidersDownFallsBackToEmail(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Fail(db.ErrorTransient, errors.New("unreachable"))}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Fail(db.ErrorTransient, errors.New("unreachable"))}
	email := &FakeAdapter{name: "ses", channel: db.ChannelEmail, priority: 1,
		result: provider.Succeed("msg-9")}
	hs.set("sns", db.ChannelSMS, health.StatusDown, time.Now().Add(-time.Minute))
	hs.set("sms-gateway", db.ChannelSMS, health.StatusDown, time.Now())

	in := smsInput()
	in.FallbackDestination = "guest@example.com"
	in.FallbackChannel = db.ChannelEmail

	out := newOrchestrator(ledger, hs, a, b, email).Deliver(context.Background(), in)

	if !out.Delivered {
		t.Fatalf("expected fallback delivery, got reason %s after %d attempts", out.Reason, out.Attempts)
	}
	if out.Channel != db.ChannelEmail || out.Provider != "ses" {
		t.Errorf("expected delivery via ses on email, got %s on %s", out.Provider, out.Channel)
	}
	// Last-resort SMS attempt plus the email one, spanning both channels.
	if out.Attempts != 2 || len(ledger.attempts) != 2 {
		t.Errorf("expected 2 attempts across channels, got %d (%d recorded)", out.Attempts, len(ledger.attempts))
	}
	if ledger.attempts[0].Channel != db.ChannelSMS || ledger.attempts[1].Channel != db.ChannelEmail {
		t.Error("attempt chain should span both channels")
	}
}

func TestDeliver_EmptyChannelFallsBackToAlternate(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	email := &FakeAdapter{name: "ses", channel: db.ChannelEmail, priority: 1,
		result: provider.Succeed("msg-9")}

	in := smsInput()
	in.FallbackDestination = "guest@example.com"
	in.FallbackChannel = db.ChannelEmail

	out := newOrchestrator(ledger, hs, email).Deliver(context.Background(), in)

	if !out.Delivered || out.Channel != db.ChannelEmail {
		t.Fatalf("expected fallback delivery via email, got %+v", out)
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
}

func TestDeliver_ProbeDownedProviderNotAlwaysLastResort(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Succeed("msg-1")}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}
	// sns went down on probes alone: no failure timestamp, but it was
	// checked just now. sms-gateway last failed an hour ago.
	hs.setRecord(health.ProviderHealth{
		Provider: "sns", Channel: db.ChannelSMS,
		Status: health.StatusDown, LastCheckAt: time.Now(),
	})
	hs.set("sms-gateway", db.ChannelSMS, health.StatusDown, time.Now().Add(-time.Hour))

	out := newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if !out.Delivered {
		t.Fatalf("expected last-resort delivery, got reason %s", out.Reason)
	}
	if out.Provider != "sms-gateway" {
		t.Errorf("expected the least recently failed provider, got %s", out.Provider)
	}
	if a.calls != 0 {
		t.Error("the freshly probed-down provider should not win last resort")
	}
}

func TestDeliver_RespectsMaxAttempts(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	fail := provider.Fail(db.ErrorTransient, errors.New("timeout"))
	adapters := []provider.Adapter{
		&FakeAdapter{name: "p1", channel: db.ChannelSMS, priority: 1, result: fail},
		&FakeAdapter{name: "p2", channel: db.ChannelSMS, priority: 2, result: fail},
		&FakeAdapter{name: "p3", channel: db.ChannelSMS, priority: 3, result: fail},
		&FakeAdapter{name: "p4", channel: db.ChannelSMS, priority: 4, result: fail},
	}

	out := newOrchestrator(ledger, hs, adapters...).Deliver(context.Background(), smsInput())

	if out.Delivered {
		t.Fatal("expected failure")
	}
	if out.Reason != ReasonAllProvidersFailed {
		t.Errorf("expected all_providers_failed, got %s", out.Reason)
	}
	if out.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", out.Attempts)
	}
	if adapters[3].(*FakeAdapter).calls != 0 {
		t.Error("fourth provider should never be reached")
	}
	if ledger.statuses[out.RequestID] != db.RequestFailed {
		t.Error("request should be marked failed")
	}
}

func TestDeliver_InvalidDestinationRecordsNothing(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Succeed("msg-1")}

	in := smsInput()
	in.Destination = "555-not-e164"

	out := newOrchestrator(ledger, hs, a).Deliver(context.Background(), in)

	if out.Delivered {
		t.Fatal("expected failure")
	}
	if out.Reason != ReasonInvalidDestination {
		t.Errorf("expected invalid_destination, got %s", out.Reason)
	}
	if len(ledger.requests) != 0 || len(ledger.attempts) != 0 {
		t.Error("validation failures must not touch the ledger")
	}
	if a.calls != 0 {
		t.Error("no provider should be called")
	}
}

func TestDeliver_NoProviderForChannel(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	emailOnly := &FakeAdapter{name: "ses", channel: db.ChannelEmail, priority: 1,
		result: provider.Succeed("msg-1")}

	out := newOrchestrator(ledger, hs, emailOnly).Deliver(context.Background(), smsInput())

	if out.Delivered {
		t.Fatal("expected failure")
	}
	if out.Reason != ReasonNoProviderAvailable {
		t.Errorf("expected no_provider_available, got %s", out.Reason)
	}
}

func TestDeliver_ReportsOutcomesToHealth(t *testing.T) {
	ledger := NewFakeLedger()
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Fail(db.ErrorTransient, errors.New("throttled"))}
	b := &FakeAdapter{name: "sms-gateway", channel: db.ChannelSMS, priority: 2,
		result: provider.Succeed("msg-2")}

	newOrchestrator(ledger, hs, a, b).Deliver(context.Background(), smsInput())

	if len(hs.recorded) != 2 {
		t.Fatalf("expected 2 health outcomes, got %d", len(hs.recorded))
	}
	if hs.recorded[0].provider != "sns" || hs.recorded[0].success {
		t.Errorf("first outcome should be sns failure, got %+v", hs.recorded[0])
	}
	if hs.recorded[0].kind != db.ErrorTransient {
		t.Errorf("expected transient kind, got %s", hs.recorded[0].kind)
	}
	if hs.recorded[1].provider != "sms-gateway" || !hs.recorded[1].success {
		t.Errorf("second outcome should be sms-gateway success, got %+v", hs.recorded[1])
	}
}

func TestDeliver_StorageFailureAborts(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.createErr = errors.New("connection refused")
	hs := NewFakeHealth()
	a := &FakeAdapter{name: "sns", channel: db.ChannelSMS, priority: 1,
		result: provider.Succeed("msg-1")}

	o := New(provider.NewRegistry(a), hs, ledger, Config{
		ProviderTimeout:  time.Second,
		DeliveryDeadline: 5 * time.Second,
		MaxAttempts:      3,
	}, zap.NewNop())

	out := o.Deliver(context.Background(), smsInput())

	if out.Delivered {
		t.Fatal("expected failure")
	}
	if out.Reason != ReasonStorageError {
		t.Errorf("expected storage_error, got %s", out.Reason)
	}
	if a.calls != 0 {
		t.Error("no attempt may run before the request is durable")
	}
}

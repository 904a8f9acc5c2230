package health

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

func newTestMonitor() *Monitor {
	return NewMonitor(DefaultConfig(), zap.NewNop())
}

func status(t *testing.T, m *Monitor, provider string, ch db.Channel) Status {
	t.Helper()
	h, ok := m.Get(provider, ch)
	if !ok {
		t.Fatalf("no health entry for %s:%s", provider, ch)
	}
	return h.Status
}

func TestMonitor_StartsHealthy(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Errorf("expected healthy, got %s", got)
	}
}

func TestMonitor_DegradesAfterConsecutiveTransientFailures(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Fatalf("expected healthy after 2 failures, got %s", got)
	}

	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDegraded {
		t.Errorf("expected degraded after 3 consecutive transient failures, got %s", got)
	}
}

func TestMonitor_PermanentFailuresDoNotCountTowardTransientStreak(t *testing.T) {
	m := newTestMonitor()
	m.Register("ses", db.ChannelEmail, 1)

	m.RecordOutcome("ses", db.ChannelEmail, false, db.ErrorTransient)
	m.RecordOutcome("ses", db.ChannelEmail, false, db.ErrorPermanent)
	m.RecordOutcome("ses", db.ChannelEmail, false, db.ErrorTransient)

	if got := status(t, m, "ses", db.ChannelEmail); got != StatusHealthy {
		t.Errorf("a broken transient streak should not degrade, got %s", got)
	}
}

func TestMonitor_SuccessResetsTransientStreak(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	m.RecordOutcome("sns", db.ChannelSMS, true, "")
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)

	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Errorf("expected healthy, got %s", got)
	}
}

func TestMonitor_SoftFailureRateDegrades(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	// Mixed outcomes: no transient streak, but 3 of 5 failed.
	m.RecordOutcome("sns", db.ChannelSMS, true, "")
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorPermanent)
	m.RecordOutcome("sns", db.ChannelSMS, true, "")
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorPermanent)
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorPermanent)

	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDegraded {
		t.Errorf("expected degraded at 60%% window failure rate, got %s", got)
	}
}

func TestMonitor_GoesDownAfterConsecutiveFailures(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}

	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDown {
		t.Errorf("expected down after 5 consecutive failures, got %s", got)
	}
}

func TestMonitor_DownRecoversToDegradedOnSingleSuccess(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}
	m.RecordOutcome("sns", db.ChannelSMS, true, "")

	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDegraded {
		t.Errorf("expected degraded after one success while down, got %s", got)
	}
}

func TestMonitor_DegradedRecoversToHealthyAfterSuccesses(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	for i := 0; i < 3; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	m.RecordOutcome("sns", db.ChannelSMS, true, "")
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDegraded {
		t.Fatalf("one success should not recover, got %s", got)
	}

	m.RecordOutcome("sns", db.ChannelSMS, true, "")
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Errorf("expected healthy after 2 consecutive successes, got %s", got)
	}
}

func TestMonitor_FullRecoveryFromDown(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}
	m.RecordOutcome("sns", db.ChannelSMS, true, "")
	m.RecordOutcome("sns", db.ChannelSMS, true, "")

	// down -> degraded on the first success, degraded -> healthy on
	// the second; the stale window rate must not pull it back down.
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Errorf("expected healthy after recovery successes, got %s", got)
	}
}

func TestMonitor_ProbeFailuresTakeProviderDown(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	probeErr := errors.New("connect timeout")
	m.RecordProbe("sns", db.ChannelSMS, probeErr)
	m.RecordProbe("sns", db.ChannelSMS, probeErr)
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Fatalf("expected healthy after 2 probe failures, got %s", got)
	}

	m.RecordProbe("sns", db.ChannelSMS, probeErr)
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDown {
		t.Errorf("expected down after 3 consecutive probe failures, got %s", got)
	}
}

func TestMonitor_ProbeSuccessesRecoverDownProvider(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	probeErr := errors.New("connect timeout")
	for i := 0; i < 3; i++ {
		m.RecordProbe("sns", db.ChannelSMS, probeErr)
	}

	m.RecordProbe("sns", db.ChannelSMS, nil)
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusDegraded {
		t.Fatalf("expected degraded after one good probe, got %s", got)
	}

	m.RecordProbe("sns", db.ChannelSMS, nil)
	if got := status(t, m, "sns", db.ChannelSMS); got != StatusHealthy {
		t.Errorf("expected healthy after recovery probes, got %s", got)
	}
}

func TestMonitor_TransitionHookFires(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	var transitions []Transition
	m.OnTransition(func(tr Transition) {
		transitions = append(transitions, tr)
	})

	for i := 0; i < 3; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	tr := transitions[0]
	if tr.From != StatusHealthy || tr.To != StatusDegraded {
		t.Errorf("unexpected transition %s -> %s", tr.From, tr.To)
	}
	if tr.Provider != "sns" || tr.Channel != db.ChannelSMS {
		t.Errorf("unexpected transition key %s:%s", tr.Provider, tr.Channel)
	}
}

func TestMonitor_WindowPrunesOldSamples(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)

	current := time.Now()
	m.now = func() time.Time { return current }

	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorPermanent)
	m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorPermanent)

	// Step past the window; the old failures drop out of the rate.
	current = current.Add(6 * time.Minute)
	m.RecordOutcome("sns", db.ChannelSMS, true, "")

	h, _ := m.Get("sns", db.ChannelSMS)
	if h.FailureRate != 0 {
		t.Errorf("expected failure rate 0 after pruning, got %f", h.FailureRate)
	}
}

func TestSystemHealth_HealthyWithNoTraffic(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)
	m.Register("ses", db.ChannelEmail, 1)

	if got := m.SystemHealth(); got != SystemHealthy {
		t.Errorf("expected healthy, got %s", got)
	}
}

func TestSystemHealth_DegradedWhenAnyProviderDegraded(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)
	m.Register("sms-gateway", db.ChannelSMS, 2)
	m.Register("ses", db.ChannelEmail, 1)

	for i := 0; i < 3; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}

	if got := m.SystemHealth(); got != SystemDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
}

func TestSystemHealth_WarningWhenAnyProviderDown(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)
	m.Register("sms-gateway", db.ChannelSMS, 2)
	m.Register("ses", db.ChannelEmail, 1)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
	}

	if got := m.SystemHealth(); got != SystemWarning {
		t.Errorf("expected warning, got %s", got)
	}
}

func TestSystemHealth_CriticalWhenChannelFullyDown(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)
	m.Register("sms-gateway", db.ChannelSMS, 2)
	m.Register("ses", db.ChannelEmail, 1)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("sns", db.ChannelSMS, false, db.ErrorTransient)
		m.RecordOutcome("sms-gateway", db.ChannelSMS, false, db.ErrorTransient)
	}

	if got := m.SystemHealth(); got != SystemCritical {
		t.Errorf("expected critical when all SMS providers are down, got %s", got)
	}
}

func TestMonitor_ChannelHealthFiltersByChannel(t *testing.T) {
	m := newTestMonitor()
	m.Register("sns", db.ChannelSMS, 1)
	m.Register("sms-gateway", db.ChannelSMS, 2)
	m.Register("ses", db.ChannelEmail, 1)

	sms := m.ChannelHealth(db.ChannelSMS)
	if len(sms) != 2 {
		t.Errorf("expected 2 SMS entries, got %d", len(sms))
	}
	email := m.ChannelHealth(db.ChannelEmail)
	if len(email) != 1 {
		t.Errorf("expected 1 email entry, got %d", len(email))
	}
}

// Package health tracks a rolling health state per (provider, channel)
// pair and derives the aggregate system-health signal the dashboard
// and alert engine consume.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// Status is the health state of one provider on one channel.
//
// State transitions:
//
//	Healthy -> Degraded:  N consecutive transient failures, or the
//	                      window failure rate crosses the soft threshold
//	Degraded -> Down:     M consecutive failures, the hard threshold,
//	                      or K consecutive probe failures
//	Down -> Degraded:     a single success
//	Degraded -> Healthy:  R consecutive successes
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// SystemStatus is the aggregate over all providers, derived at query
// time and never stored.
type SystemStatus string

const (
	SystemHealthy  SystemStatus = "healthy"
	SystemDegraded SystemStatus = "degraded"
	SystemWarning  SystemStatus = "warning"
	SystemCritical SystemStatus = "critical"
)

// Config holds the monitor thresholds. Zero values fall back to the
// defaults below.
type Config struct {
	// DegradedThreshold is consecutive transient failures before a
	// healthy provider degrades.
	DegradedThreshold int

	// DownThreshold is consecutive failures before a degraded provider
	// goes down.
	DownThreshold int

	// SoftFailureRate degrades a provider when the window rate crosses it.
	SoftFailureRate float64

	// HardFailureRate takes a provider down when the window rate crosses it.
	HardFailureRate float64

	// ProbeFailThreshold is consecutive synthetic-probe failures before down.
	ProbeFailThreshold int

	// RecoveryThreshold is consecutive successes for degraded -> healthy.
	RecoveryThreshold int

	// Window bounds the rolling failure-rate sample set.
	Window time.Duration

	// MinWindowSamples gates rate-based transitions so one early
	// failure cannot read as a 100% failure rate.
	MinWindowSamples int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold:  3,
		DownThreshold:      5,
		SoftFailureRate:    0.30,
		HardFailureRate:    0.70,
		ProbeFailThreshold: 3,
		RecoveryThreshold:  2,
		Window:             5 * time.Minute,
		MinWindowSamples:   5,
	}
}

// ProviderHealth is the queryable health record for one key. Exactly
// one live record exists per (provider, channel); it is overwritten in
// place, never versioned.
type ProviderHealth struct {
	Provider            string     `json:"provider"`
	Channel             db.Channel `json:"channel"`
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureRate         float64    `json:"failure_rate"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastCheckAt         time.Time  `json:"last_check_at"`
	Priority            int        `json:"priority"`
}

// Transition describes one state change, delivered to the OnTransition
// hook so the alert engine can evaluate it.
type Transition struct {
	Provider string
	Channel  db.Channel
	From     Status
	To       Status
	At       time.Time
}

type outcome struct {
	at      time.Time
	success bool
}

type entry struct {
	provider string
	channel  db.Channel
	priority int

	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	consecutiveTransient int
	probeFailures        int
	lastSuccessAt        *time.Time
	lastFailureAt        *time.Time
	lastCheckAt          time.Time
	window               []outcome
}

// Monitor maintains the health table. All operations are O(1) against
// the in-memory table (window pruning is amortized constant for a
// bounded window) and none of them block on I/O.
//
// Monitor is safe for concurrent use; updates are atomic per key.
type Monitor struct {
	mu      sync.RWMutex
	config  Config
	logger  *zap.Logger
	entries map[string]*entry

	// onTransition, when set, is invoked outside the lock after a
	// state change.
	onTransition func(Transition)

	now func() time.Time // test hook
}

// NewMonitor creates a Monitor with the given thresholds.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = def.DegradedThreshold
	}
	if cfg.DownThreshold <= 0 {
		cfg.DownThreshold = def.DownThreshold
	}
	if cfg.SoftFailureRate <= 0 {
		cfg.SoftFailureRate = def.SoftFailureRate
	}
	if cfg.HardFailureRate <= 0 {
		cfg.HardFailureRate = def.HardFailureRate
	}
	if cfg.ProbeFailThreshold <= 0 {
		cfg.ProbeFailThreshold = def.ProbeFailThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinWindowSamples <= 0 {
		cfg.MinWindowSamples = def.MinWindowSamples
	}

	return &Monitor{
		config:  cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// OnTransition registers the state-change hook. Must be called before
// traffic starts.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.onTransition = fn
}

func key(provider string, ch db.Channel) string {
	return provider + ":" + string(ch)
}

// Register adds a provider to the table in healthy state. Outcomes for
// unregistered providers register them implicitly with priority 0.
func (m *Monitor) Register(provider string, ch db.Channel, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(provider, ch).priority = priority
}

// getOrCreate must be called with the lock held.
func (m *Monitor) getOrCreate(provider string, ch db.Channel) *entry {
	k := key(provider, ch)
	e, ok := m.entries[k]
	if !ok {
		e = &entry{
			provider:    provider,
			channel:     ch,
			status:      StatusHealthy,
			lastCheckAt: m.now(),
		}
		m.entries[k] = e
	}
	return e
}

// RecordOutcome feeds one delivery attempt result into the table.
func (m *Monitor) RecordOutcome(provider string, ch db.Channel, success bool, kind db.ErrorKind) {
	now := m.now()

	m.mu.Lock()
	e := m.getOrCreate(provider, ch)
	e.lastCheckAt = now
	e.window = append(e.window, outcome{at: now, success: success})
	m.prune(e, now)

	if success {
		e.lastSuccessAt = &now
		e.consecutiveFailures = 0
		e.consecutiveTransient = 0
		e.probeFailures = 0
		e.consecutiveSuccesses++
	} else {
		e.lastFailureAt = &now
		e.consecutiveSuccesses = 0
		e.consecutiveFailures++
		if kind == db.ErrorTransient {
			e.consecutiveTransient++
		} else {
			e.consecutiveTransient = 0
		}
	}

	t := m.evaluate(e, now)
	m.mu.Unlock()

	m.fire(t)
}

// RecordProbe feeds one synthetic probe result into the table. Probes
// count toward recovery so a down provider can come back without real
// traffic, but a probe success does not reset the failure-rate window.
func (m *Monitor) RecordProbe(provider string, ch db.Channel, err error) {
	now := m.now()

	m.mu.Lock()
	e := m.getOrCreate(provider, ch)
	e.lastCheckAt = now

	if err == nil {
		e.probeFailures = 0
		e.consecutiveFailures = 0
		e.consecutiveTransient = 0
		e.consecutiveSuccesses++
		e.lastSuccessAt = &now
	} else {
		e.probeFailures++
		e.consecutiveSuccesses = 0
	}

	t := m.evaluate(e, now)
	m.mu.Unlock()

	m.fire(t)
}

// prune drops window samples older than the configured window.
// Must be called with the lock held.
func (m *Monitor) prune(e *entry, now time.Time) {
	cutoff := now.Add(-m.config.Window)
	i := 0
	for ; i < len(e.window); i++ {
		if e.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		e.window = e.window[i:]
	}
}

// rate returns the window failure rate and sample count.
// Must be called with the lock held.
func (m *Monitor) rate(e *entry) (float64, int) {
	total := len(e.window)
	if total == 0 {
		return 0, 0
	}
	failed := 0
	for _, o := range e.window {
		if !o.success {
			failed++
		}
	}
	return float64(failed) / float64(total), total
}

// evaluate applies the state machine and returns a non-zero Transition
// when the status changed. Must be called with the lock held.
func (m *Monitor) evaluate(e *entry, now time.Time) Transition {
	rate, samples := m.rate(e)
	// Rate clauses only apply while failing: a stale window must not
	// knock a recovering provider back on a success event.
	rateCounts := samples >= m.config.MinWindowSamples && e.consecutiveFailures > 0

	next := e.status
	switch e.status {
	case StatusHealthy:
		if e.consecutiveTransient >= m.config.DegradedThreshold ||
			(rateCounts && rate > m.config.SoftFailureRate) {
			next = StatusDegraded
		}

	case StatusDegraded:
		switch {
		case e.consecutiveFailures >= m.config.DownThreshold,
			rateCounts && rate >= m.config.HardFailureRate,
			e.probeFailures >= m.config.ProbeFailThreshold:
			next = StatusDown
		case e.consecutiveSuccesses >= m.config.RecoveryThreshold:
			next = StatusHealthy
		}

	case StatusDown:
		if e.consecutiveSuccesses >= 1 {
			next = StatusDegraded
		}
	}

	// Probe exhaustion takes a provider down even if live traffic has
	// not degraded it yet.
	if next == StatusHealthy && e.probeFailures >= m.config.ProbeFailThreshold {
		next = StatusDown
	}

	if next == e.status {
		return Transition{}
	}

	from := e.status
	e.status = next
	if next == StatusDown {
		e.consecutiveSuccesses = 0
	}

	m.logger.Warn("provider health transition",
		zap.String("provider", e.provider),
		zap.String("channel", string(e.channel)),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Int("consecutive_failures", e.consecutiveFailures),
		zap.Float64("failure_rate", rate),
	)

	return Transition{
		Provider: e.provider,
		Channel:  e.channel,
		From:     from,
		To:       next,
		At:       now,
	}
}

func (m *Monitor) fire(t Transition) {
	if t.To == "" || m.onTransition == nil {
		return
	}
	m.onTransition(t)
}

// snapshot must be called with at least the read lock held.
func (m *Monitor) snapshot(e *entry) ProviderHealth {
	rate, _ := m.rate(e)
	return ProviderHealth{
		Provider:            e.provider,
		Channel:             e.channel,
		Status:              e.status,
		ConsecutiveFailures: e.consecutiveFailures,
		FailureRate:         rate,
		LastSuccessAt:       e.lastSuccessAt,
		LastFailureAt:       e.lastFailureAt,
		LastCheckAt:         e.lastCheckAt,
		Priority:            e.priority,
	}
}

// Get returns the health record for one key.
func (m *Monitor) Get(provider string, ch db.Channel) (ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key(provider, ch)]
	if !ok {
		return ProviderHealth{}, false
	}
	return m.snapshot(e), true
}

// Snapshot returns the health records for every registered provider.
func (m *Monitor) Snapshot() []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, m.snapshot(e))
	}
	return out
}

// ChannelHealth returns the records for one channel.
func (m *Monitor) ChannelHealth(ch db.Channel) []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ProviderHealth
	for _, e := range m.entries {
		if e.channel == ch {
			out = append(out, m.snapshot(e))
		}
	}
	return out
}

// SystemHealth classifies the aggregate over all providers:
// critical when all providers of some channel are down, warning when
// any provider is down or more than half are degraded, degraded when
// any provider is degraded, healthy otherwise.
func (m *Monitor) SystemHealth() SystemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return SystemHealthy
	}

	perChannel := make(map[db.Channel][2]int) // down, total
	anyDown := false
	degraded := 0
	total := 0

	for _, e := range m.entries {
		total++
		counts := perChannel[e.channel]
		counts[1]++
		switch e.status {
		case StatusDown:
			anyDown = true
			counts[0]++
		case StatusDegraded:
			degraded++
		}
		perChannel[e.channel] = counts
	}

	for _, counts := range perChannel {
		if counts[1] > 0 && counts[0] == counts[1] {
			return SystemCritical
		}
	}
	if anyDown || degraded*2 > total {
		return SystemWarning
	}
	if degraded > 0 {
		return SystemDegraded
	}
	return SystemHealthy
}

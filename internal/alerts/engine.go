// Package alerts evaluates health and failure-rate signals against
// thresholds, maintains the alert lifecycle, and pages operators.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/metrics"
)

// Alert type identifiers. Together with the affected-service set they
// form the dedup key: at most one active alert per combination.
const (
	TypeSystemHealth     = "system_health"
	TypeFailureRate      = "failure_rate"
	TypeProviderDown     = "provider_down"
	TypeProviderDegraded = "provider_degraded"
)

// MaxEscalationLevel caps automatic and manual escalation. At level 3
// the alert stays put until a human intervenes.
const MaxEscalationLevel = 3

var (
	// ErrAlreadyResolved is returned for lifecycle operations on a
	// resolved alert. Resolution is terminal; a new breach opens a
	// new alert.
	ErrAlreadyResolved = errors.New("alert is already resolved")

	// ErrNotActive is returned when acknowledging an alert that is not
	// in active state.
	ErrNotActive = errors.New("alert is not active")
)

// Store is the durable alert repository the engine drives.
type Store interface {
	Create(ctx context.Context, a *db.Alert) error
	Get(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	FindOpenByDedupKey(ctx context.Context, key string) (*db.Alert, error)
	UpdateMetrics(ctx context.Context, id uuid.UUID, m db.AlertMetrics) error
	Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) error
	Resolve(ctx context.Context, id uuid.UUID, actor, resolution string, at time.Time) error
	SetEscalationLevel(ctx context.Context, id uuid.UUID, level int) error
	ListByStatus(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error)
	ListUnacknowledgedSince(ctx context.Context, cutoff time.Time) ([]*db.Alert, error)
	SummaryCounts(ctx context.Context) (map[db.Severity]int, error)
}

// HealthView is the monitor surface the engine reads. It never writes
// health state.
type HealthView interface {
	Snapshot() []health.ProviderHealth
	SystemHealth() health.SystemStatus
}

// FailureRateSource supplies the rolling ledger failure rate for the
// periodic tick.
type FailureRateSource interface {
	FailureRate(ctx context.Context, window time.Duration) (float64, int, error)
}

// Pager delivers an alert to operators out-of-band. Nil pager disables
// paging.
type Pager interface {
	Page(ctx context.Context, a *db.Alert) error
}

// Config holds the engine thresholds.
type Config struct {
	Window              time.Duration // failure-rate evaluation window
	Tick                time.Duration // periodic evaluation cadence
	MinSamples          int           // minimum samples before rate alerts fire
	CriticalFailureRate float64
	WarningFailureRate  float64
	EscalationWindow    time.Duration // unacknowledged time per escalation step
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Window:              15 * time.Minute,
		Tick:                time.Minute,
		MinSamples:          10,
		CriticalFailureRate: 0.50,
		WarningFailureRate:  0.25,
		EscalationWindow:    10 * time.Minute,
	}
}

// Engine creates, escalates and resolves alerts. The periodic tick
// runs on its own schedule, independent of request goroutines, and
// holds no locks across its I/O.
type Engine struct {
	store  Store
	health HealthView
	rates  FailureRateSource
	pager  Pager
	config Config
	logger *zap.Logger
}

// New creates an Engine.
func New(store Store, hv HealthView, rates FailureRateSource, pager Pager, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.CriticalFailureRate <= 0 {
		cfg.CriticalFailureRate = def.CriticalFailureRate
	}
	if cfg.WarningFailureRate <= 0 {
		cfg.WarningFailureRate = def.WarningFailureRate
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = def.EscalationWindow
	}

	return &Engine{
		store:  store,
		health: hv,
		rates:  rates,
		pager:  pager,
		config: cfg,
		logger: logger,
	}
}

// Run drives the periodic tick until ctx is cancelled: rolling
// failure-rate evaluation, automatic escalation, and gauge refresh.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("alert engine stopping")
			return
		case <-ticker.C:
			e.evaluateFailureRate(ctx)
			e.escalateStale(ctx)
			e.refreshGauges(ctx)
		}
	}
}

// HandleTransition evaluates alert conditions on a health state
// change. Wire it to the monitor's OnTransition hook.
func (e *Engine) HandleTransition(t health.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	system := e.health.SystemHealth()

	switch {
	case system == health.SystemCritical:
		e.raise(ctx, &db.Alert{
			Type:     TypeSystemHealth,
			Severity: db.SeverityCritical,
			Title:    "Delivery channel outage",
			Description: fmt.Sprintf("all providers for channel %s are down (last transition: %s %s -> %s)",
				t.Channel, t.Provider, t.From, t.To),
			AffectedServices: e.channelProviders(t.Channel),
			Context: map[string]string{
				"channel":  string(t.Channel),
				"provider": t.Provider,
			},
		})

	case t.To == health.StatusDown:
		e.raise(ctx, &db.Alert{
			Type:     TypeProviderDown,
			Severity: db.SeverityWarning,
			Title:    fmt.Sprintf("Provider %s is down", t.Provider),
			Description: fmt.Sprintf("provider %s on channel %s transitioned %s -> %s",
				t.Provider, t.Channel, t.From, t.To),
			AffectedServices: []string{t.Provider},
			Context: map[string]string{
				"channel": string(t.Channel),
			},
		})

	case system == health.SystemWarning:
		// Warning without any provider down means degradation has
		// spread across the majority.
		e.raise(ctx, &db.Alert{
			Type:     TypeSystemHealth,
			Severity: db.SeverityWarning,
			Title:    "Delivery capacity reduced",
			Description: fmt.Sprintf("system health is warning (last transition: %s on %s %s -> %s)",
				t.Provider, t.Channel, t.From, t.To),
			AffectedServices: e.unhealthyProviders(),
			Context: map[string]string{
				"channel":  string(t.Channel),
				"provider": t.Provider,
			},
		})

	case t.To == health.StatusDegraded && t.From == health.StatusHealthy:
		if e.othersHealthy(t.Provider, t.Channel) {
			e.raise(ctx, &db.Alert{
				Type:     TypeProviderDegraded,
				Severity: db.SeverityInfo,
				Title:    fmt.Sprintf("Provider %s degraded", t.Provider),
				Description: fmt.Sprintf("provider %s on channel %s degraded while other providers remain healthy",
					t.Provider, t.Channel),
				AffectedServices: []string{t.Provider},
				Context: map[string]string{
					"channel": string(t.Channel),
				},
			})
		}
	}
}

// evaluateFailureRate applies the rate thresholds over the ledger
// window.
func (e *Engine) evaluateFailureRate(ctx context.Context) {
	rate, samples, err := e.rates.FailureRate(ctx, e.config.Window)
	if err != nil {
		e.logger.Error("failed to compute failure rate", zap.Error(err))
		return
	}
	if samples < e.config.MinSamples {
		return
	}

	var severity db.Severity
	switch {
	case rate >= e.config.CriticalFailureRate:
		severity = db.SeverityCritical
	case rate >= e.config.WarningFailureRate:
		severity = db.SeverityWarning
	default:
		return
	}

	timeRange := fmt.Sprintf("last %s", e.config.Window)
	e.raise(ctx, &db.Alert{
		Type:     TypeFailureRate,
		Severity: severity,
		Title:    "Elevated delivery failure rate",
		Description: fmt.Sprintf("delivery failure rate is %.0f%% over the %s window (%d samples)",
			rate*100, e.config.Window, samples),
		AffectedServices: []string{"delivery"},
		Metrics: db.AlertMetrics{
			FailureRate: &rate,
			ErrorCount:  &samples,
			TimeRange:   &timeRange,
		},
	})
}

// raise creates an alert, or updates the metrics of the open alert
// with the same (type, affected-service-set) identity. Repeated
// breaches never duplicate.
func (e *Engine) raise(ctx context.Context, a *db.Alert) {
	key := db.DedupKey(a.Type, a.AffectedServices)

	existing, err := e.store.FindOpenByDedupKey(ctx, key)
	if err == nil {
		if uerr := e.store.UpdateMetrics(ctx, existing.ID, a.Metrics); uerr != nil {
			e.logger.Error("failed to update alert metrics", zap.Error(uerr))
		}
		return
	}
	if !errors.Is(err, db.ErrNotFound) {
		e.logger.Error("failed to query open alerts", zap.Error(err))
		return
	}

	a.ID = uuid.New()
	a.Status = db.AlertActive
	a.EscalationLevel = 1
	if err := e.store.Create(ctx, a); err != nil {
		e.logger.Error("failed to create alert", zap.Error(err))
		return
	}

	e.logger.Warn("alert raised",
		zap.String("alert_id", a.ID.String()),
		zap.String("type", a.Type),
		zap.String("severity", string(a.Severity)),
		zap.Strings("affected_services", a.AffectedServices),
	)

	e.page(ctx, a)
}

// escalateStale bumps the level of active alerts whose escalation
// clock ran out, and re-pages them. Level 3 alerts are left alone.
func (e *Engine) escalateStale(ctx context.Context) {
	cutoff := time.Now().Add(-e.config.EscalationWindow)
	stale, err := e.store.ListUnacknowledgedSince(ctx, cutoff)
	if err != nil {
		e.logger.Error("failed to list stale alerts", zap.Error(err))
		return
	}

	for _, a := range stale {
		level := a.EscalationLevel + 1
		if level > MaxEscalationLevel {
			continue
		}
		if err := e.store.SetEscalationLevel(ctx, a.ID, level); err != nil {
			e.logger.Error("failed to escalate alert",
				zap.Error(err),
				zap.String("alert_id", a.ID.String()),
			)
			continue
		}

		a.EscalationLevel = level
		e.logger.Warn("alert auto-escalated",
			zap.String("alert_id", a.ID.String()),
			zap.String("type", a.Type),
			zap.Int("escalation_level", level),
		)
		e.page(ctx, a)
	}
}

// Acknowledge moves an active alert to acknowledged and stops its
// auto-escalation clock.
func (e *Engine) Acknowledge(ctx context.Context, id uuid.UUID, actor, notes string) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch a.Status {
	case db.AlertResolved:
		return ErrAlreadyResolved
	case db.AlertAcknowledged:
		return ErrNotActive
	}

	if err := e.store.Acknowledge(ctx, id, actor, time.Now()); err != nil {
		return err
	}

	e.logger.Info("alert acknowledged",
		zap.String("alert_id", id.String()),
		zap.String("actor", actor),
		zap.String("notes", notes),
	)
	return nil
}

// Resolve moves any non-resolved alert to resolved and stops further
// escalation. Resolved alerts are terminal.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, actor, resolution, notes string) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == db.AlertResolved {
		return ErrAlreadyResolved
	}

	if err := e.store.Resolve(ctx, id, actor, resolution, time.Now()); err != nil {
		return err
	}

	e.logger.Info("alert resolved",
		zap.String("alert_id", id.String()),
		zap.String("actor", actor),
		zap.String("resolution", resolution),
		zap.String("notes", notes),
	)
	return nil
}

// Escalate manually bumps the escalation level, capped at 3.
// Escalating a resolved alert fails.
func (e *Engine) Escalate(ctx context.Context, id uuid.UUID, reason string) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == db.AlertResolved {
		return ErrAlreadyResolved
	}
	if a.EscalationLevel >= MaxEscalationLevel {
		return fmt.Errorf("alert already at maximum escalation level %d", MaxEscalationLevel)
	}

	if err := e.store.SetEscalationLevel(ctx, id, a.EscalationLevel+1); err != nil {
		return err
	}

	e.logger.Warn("alert escalated",
		zap.String("alert_id", id.String()),
		zap.Int("escalation_level", a.EscalationLevel+1),
		zap.String("reason", reason),
	)
	return nil
}

// Summary holds open-alert counts for the dashboard.
type Summary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// GetSummary returns open-alert counts by severity.
func (e *Engine) GetSummary(ctx context.Context) (*Summary, error) {
	counts, err := e.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Critical: counts[db.SeverityCritical],
		Warning:  counts[db.SeverityWarning],
		Info:     counts[db.SeverityInfo],
	}
	s.Total = s.Critical + s.Warning + s.Info
	return s, nil
}

// GetActive returns the currently active alerts, newest first.
func (e *Engine) GetActive(ctx context.Context, limit int) ([]*db.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.ListByStatus(ctx, db.AlertActive, limit)
}

func (e *Engine) page(ctx context.Context, a *db.Alert) {
	if e.pager == nil {
		return
	}
	if err := e.pager.Page(ctx, a); err != nil {
		e.logger.Error("failed to page alert",
			zap.Error(err),
			zap.String("alert_id", a.ID.String()),
		)
	}
}

func (e *Engine) refreshGauges(ctx context.Context) {
	counts, err := e.store.SummaryCounts(ctx)
	if err != nil {
		return
	}
	for _, sev := range []db.Severity{db.SeverityInfo, db.SeverityWarning, db.SeverityCritical} {
		metrics.SetActiveAlerts(string(sev), counts[sev])
	}
}

func (e *Engine) channelProviders(ch db.Channel) []string {
	var out []string
	for _, h := range e.health.Snapshot() {
		if h.Channel == ch {
			out = append(out, h.Provider)
		}
	}
	return out
}

func (e *Engine) unhealthyProviders() []string {
	var out []string
	for _, h := range e.health.Snapshot() {
		if h.Status != health.StatusHealthy {
			out = append(out, h.Provider)
		}
	}
	return out
}

func (e *Engine) othersHealthy(provider string, ch db.Channel) bool {
	for _, h := range e.health.Snapshot() {
		if h.Provider == provider && h.Channel == ch {
			continue
		}
		if h.Status != health.StatusHealthy {
			return false
		}
	}
	return true
}

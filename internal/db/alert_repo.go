package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AlertRepository handles database operations for alerts. Alerts are
// never deleted; the lifecycle moves through status updates only.
type AlertRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// DedupKey builds the identity of an alert condition. At most one
// active alert exists per key at a time.
func DedupKey(alertType string, services []string) string {
	sorted := make([]string, len(services))
	copy(sorted, services)
	sort.Strings(sorted)
	return alertType + "|" + strings.Join(sorted, ",")
}

const alertColumns = `
	id, type, severity, title, description, status, escalation_level,
	escalation_clock_at, affected_services, failure_rate, error_count,
	time_range, context, acknowledged_by, acknowledged_at, resolution,
	resolved_by, resolved_at, created_at, updated_at
`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID, &a.Type, &a.Severity, &a.Title, &a.Description, &a.Status,
		&a.EscalationLevel, &a.EscalationClockAt, &a.AffectedServices,
		&a.Metrics.FailureRate, &a.Metrics.ErrorCount, &a.Metrics.TimeRange,
		&a.Context, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.Resolution,
		&a.ResolvedBy, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new alert.
func (r *AlertRepository) Create(ctx context.Context, a *Alert) error {
	query := `
		INSERT INTO alerts (
			id, type, severity, title, description, status, escalation_level,
			escalation_clock_at, affected_services, dedup_key, failure_rate,
			error_count, time_range, context, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING escalation_clock_at, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		a.ID, a.Type, a.Severity, a.Title, a.Description, a.Status,
		a.EscalationLevel, a.AffectedServices, DedupKey(a.Type, a.AffectedServices),
		a.Metrics.FailureRate, a.Metrics.ErrorCount, a.Metrics.TimeRange, a.Context,
	).Scan(&a.EscalationClockAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("alert_id", a.ID.String()),
			zap.String("type", a.Type),
		)
		return fmt.Errorf("insert alert: %w", err)
	}

	return nil
}

// Get retrieves an alert by ID.
func (r *AlertRepository) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)

	a, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// FindOpenByDedupKey returns the non-resolved alert for a condition
// identity, or ErrNotFound. Used by the engine so a repeated breach
// updates the existing alert instead of duplicating it.
func (r *AlertRepository) FindOpenByDedupKey(ctx context.Context, key string) (*Alert, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE dedup_key = $1 AND status != 'resolved'
		ORDER BY created_at DESC
		LIMIT 1
	`, key)

	a, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query alert by dedup key: %w", err)
	}
	return a, nil
}

// UpdateMetrics refreshes the triggering measurements of an open alert.
func (r *AlertRepository) UpdateMetrics(ctx context.Context, id uuid.UUID, m AlertMetrics) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE alerts
		SET failure_rate = $1, error_count = $2, time_range = $3, updated_at = NOW()
		WHERE id = $4
	`, m.FailureRate, m.ErrorCount, m.TimeRange, id)
	if err != nil {
		return fmt.Errorf("update alert metrics: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// Acknowledge moves an active alert to acknowledged.
func (r *AlertRepository) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE alerts
		SET status = 'acknowledged', acknowledged_by = $1, acknowledged_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'active'
	`, actor, at, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s not active: %w", id, ErrNotFound)
	}
	return nil
}

// Resolve moves any non-resolved alert to resolved.
func (r *AlertRepository) Resolve(ctx context.Context, id uuid.UUID, actor, resolution string, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE alerts
		SET status = 'resolved', resolution = $1, resolved_by = $2, resolved_at = $3, updated_at = NOW()
		WHERE id = $4 AND status != 'resolved'
	`, resolution, actor, at, id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s not open: %w", id, ErrNotFound)
	}
	return nil
}

// SetEscalationLevel bumps the escalation level of a non-resolved
// alert and restarts its escalation clock. The level only ever
// increases.
func (r *AlertRepository) SetEscalationLevel(ctx context.Context, id uuid.UUID, level int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE alerts
		SET escalation_level = $1, escalation_clock_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status != 'resolved' AND escalation_level < $1
	`, level, id)
	if err != nil {
		return fmt.Errorf("escalate alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s not escalatable: %w", id, ErrNotFound)
	}
	return nil
}

// ListByStatus returns alerts in the given status, newest first.
func (r *AlertRepository) ListByStatus(ctx context.Context, status AlertStatus, limit int) ([]*Alert, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

// ListUnacknowledgedSince returns active alerts whose escalation clock
// started before the cutoff. The clock is set on create and restarted
// on each escalation; metric refreshes from repeated breaches do not
// touch it, so an alert that stays hot still escalates on schedule.
func (r *AlertRepository) ListUnacknowledgedSince(ctx context.Context, cutoff time.Time) ([]*Alert, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE status = 'active' AND escalation_level < 3 AND escalation_clock_at <= $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query unacknowledged alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

// SummaryCounts returns open-alert counts keyed by severity.
func (r *AlertRepository) SummaryCounts(ctx context.Context) (map[Severity]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT severity, COUNT(*)
		FROM alerts
		WHERE status != 'resolved'
		GROUP BY severity
	`)
	if err != nil {
		return nil, fmt.Errorf("query alert summary: %w", err)
	}
	defer rows.Close()

	counts := make(map[Severity]int)
	for rows.Next() {
		var sev Severity
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scan alert summary: %w", err)
		}
		counts[sev] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return counts, nil
}

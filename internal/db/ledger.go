package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Ledger is the durable, queryable record of every delivery attempt.
// Writers are append-only; the single in-place mutation is the terminal
// status transition of an attempt (and of its parent request).
type Ledger struct {
	db     *DB
	logger *zap.Logger
}

// NewLedger creates a ledger backed by the given database.
func NewLedger(db *DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

// CreateRequest inserts a new delivery request.
func (l *Ledger) CreateRequest(ctx context.Context, req *DeliveryRequest) error {
	query := `
		INSERT INTO delivery_requests (
			id, destination, channel, purpose, status, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := l.db.Pool().Exec(ctx, query,
		req.ID, req.Destination, req.Channel, req.Purpose, req.Status, req.RequestedAt,
	)
	if err != nil {
		l.logger.Error("failed to create delivery request",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
		return fmt.Errorf("insert delivery request: %w", err)
	}

	return nil
}

// CompleteRequest sets the terminal status of a request.
func (l *Ledger) CompleteRequest(ctx context.Context, id uuid.UUID, status RequestStatus) error {
	query := `
		UPDATE delivery_requests
		SET status = $1, completed_at = NOW()
		WHERE id = $2
	`

	result, err := l.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update delivery request status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery request %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordAttempt appends a new attempt. The attempt is written in status
// pending before the provider is invoked, so a crash mid-orchestration
// leaves a consistent partial history.
func (l *Ledger) RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (
			id, request_id, provider, channel, status,
			attempt_number, error_kind, error_message, provider_ref, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := l.db.Pool().Exec(ctx, query,
		attempt.ID, attempt.RequestID, attempt.Provider, attempt.Channel,
		attempt.Status, attempt.AttemptNumber, attempt.ErrorKind,
		attempt.ErrorMessage, attempt.ProviderRef, attempt.StartedAt,
	)
	if err != nil {
		l.logger.Error("failed to record delivery attempt",
			zap.Error(err),
			zap.String("request_id", attempt.RequestID.String()),
			zap.Int("attempt_number", attempt.AttemptNumber),
		)
		return fmt.Errorf("insert delivery attempt: %w", err)
	}

	return nil
}

// CompleteAttempt applies the terminal status transition to an attempt.
func (l *Ledger) CompleteAttempt(
	ctx context.Context,
	id uuid.UUID,
	status AttemptStatus,
	errorKind *ErrorKind,
	errorMsg *string,
	providerRef *string,
) error {
	query := `
		UPDATE delivery_attempts
		SET status = $1, error_kind = $2, error_message = $3,
		    provider_ref = $4, completed_at = NOW()
		WHERE id = $5
	`

	result, err := l.db.Pool().Exec(ctx, query, status, errorKind, errorMsg, providerRef, id)
	if err != nil {
		return fmt.Errorf("update delivery attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery attempt %s: %w", id, ErrNotFound)
	}
	return nil
}

// HistoryFilter narrows a delivery history query. Zero values mean
// "no filter" for that field.
type HistoryFilter struct {
	Destination string
	Status      RequestStatus
	Provider    string
	Since       time.Time
	Until       time.Time
}

// History returns delivery requests most-recent-first, filterable by
// destination, status, provider and time range, with limit/offset
// pagination.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter, limit, offset int) ([]*DeliveryRequest, error) {
	query := `
		SELECT DISTINCT r.id, r.destination, r.channel, r.purpose,
		       r.status, r.requested_at, r.completed_at
		FROM delivery_requests r
	`
	var args []interface{}
	var where []string

	if filter.Provider != "" {
		query += ` JOIN delivery_attempts a ON a.request_id = r.id`
		args = append(args, filter.Provider)
		where = append(where, "a.provider = $"+strconv.Itoa(len(args)))
	}
	if filter.Destination != "" {
		args = append(args, filter.Destination)
		where = append(where, "r.destination = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "r.status = $"+strconv.Itoa(len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, "r.requested_at >= $"+strconv.Itoa(len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		where = append(where, "r.requested_at <= $"+strconv.Itoa(len(args)))
	}

	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	args = append(args, limit)
	query += " ORDER BY r.requested_at DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := l.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery history: %w", err)
	}
	defer rows.Close()

	var requests []*DeliveryRequest
	for rows.Next() {
		var req DeliveryRequest
		err := rows.Scan(
			&req.ID, &req.Destination, &req.Channel, &req.Purpose,
			&req.Status, &req.RequestedAt, &req.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery request: %w", err)
		}
		requests = append(requests, &req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return requests, nil
}

// Diagnostics is the full attempt chain for one request plus fields
// computed over it.
type Diagnostics struct {
	Request       *DeliveryRequest   `json:"request"`
	Attempts      []*DeliveryAttempt `json:"attempts"`
	TotalAttempts int                `json:"total_attempts"`
	FinalStatus   AttemptStatus      `json:"final_status"`
	ElapsedMs     int64              `json:"elapsed_ms"`
}

// GetDiagnostics returns the request, its attempt chain ordered by
// attempt number, and computed totals.
func (l *Ledger) GetDiagnostics(ctx context.Context, requestID uuid.UUID) (*Diagnostics, error) {
	var req DeliveryRequest
	err := l.db.Pool().QueryRow(ctx, `
		SELECT id, destination, channel, purpose, status, requested_at, completed_at
		FROM delivery_requests
		WHERE id = $1
	`, requestID).Scan(
		&req.ID, &req.Destination, &req.Channel, &req.Purpose,
		&req.Status, &req.RequestedAt, &req.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("delivery request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery request: %w", err)
	}

	rows, err := l.db.Pool().Query(ctx, `
		SELECT id, request_id, provider, channel, status, attempt_number,
		       error_kind, error_message, provider_ref, started_at, completed_at
		FROM delivery_attempts
		WHERE request_id = $1
		ORDER BY attempt_number ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.RequestID, &a.Provider, &a.Channel, &a.Status,
			&a.AttemptNumber, &a.ErrorKind, &a.ErrorMessage, &a.ProviderRef,
			&a.StartedAt, &a.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	diag := &Diagnostics{
		Request:       &req,
		Attempts:      attempts,
		TotalAttempts: len(attempts),
	}
	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		diag.FinalStatus = last.Status
		end := time.Now()
		if last.CompletedAt != nil {
			end = *last.CompletedAt
		}
		diag.ElapsedMs = end.Sub(req.RequestedAt).Milliseconds()
	}

	return diag, nil
}

// ProviderStats is the per-provider slice of a metrics window.
type ProviderStats struct {
	Provider  string  `json:"provider"`
	Channel   Channel `json:"channel"`
	Delivered int     `json:"delivered"`
	Failed    int     `json:"failed"`
}

// WindowMetrics aggregates delivery outcomes over a time window,
// broken down by channel and by provider.
type WindowMetrics struct {
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	Total        int             `json:"total"`
	Delivered    int             `json:"delivered"`
	Failed       int             `json:"failed"`
	AvgElapsedMs int64           `json:"avg_elapsed_ms"`
	ByChannel    map[Channel]int `json:"by_channel"`
	ByProvider   []ProviderStats `json:"by_provider"`
}

// MetricsWindow computes aggregate success/failure/avg-time over the
// trailing window, for the delivery-metrics dashboard.
func (l *Ledger) MetricsWindow(ctx context.Context, window time.Duration) (*WindowMetrics, error) {
	now := time.Now()
	since := now.Add(-window)

	m := &WindowMetrics{
		WindowStart: since,
		WindowEnd:   now,
		ByChannel:   make(map[Channel]int),
	}

	err := l.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - requested_at)) * 1000)
		                FILTER (WHERE completed_at IS NOT NULL), 0)::BIGINT
		FROM delivery_requests
		WHERE requested_at >= $1
	`, since).Scan(&m.Total, &m.Delivered, &m.Failed, &m.AvgElapsedMs)
	if err != nil {
		return nil, fmt.Errorf("query window totals: %w", err)
	}

	rows, err := l.db.Pool().Query(ctx, `
		SELECT channel, COUNT(*)
		FROM delivery_requests
		WHERE requested_at >= $1
		GROUP BY channel
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query channel breakdown: %w", err)
	}
	for rows.Next() {
		var ch Channel
		var count int
		if err := rows.Scan(&ch, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel breakdown: %w", err)
		}
		m.ByChannel[ch] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	rows, err = l.db.Pool().Query(ctx, `
		SELECT provider, channel,
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM delivery_attempts
		WHERE started_at >= $1
		GROUP BY provider, channel
		ORDER BY provider
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query provider breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.Channel, &ps.Delivered, &ps.Failed); err != nil {
			return nil, fmt.Errorf("scan provider breakdown: %w", err)
		}
		m.ByProvider = append(m.ByProvider, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return m, nil
}

// FailureRate returns the fraction of failed requests and the sample
// count over the trailing window. The alert engine's periodic tick
// evaluates this against its thresholds.
func (l *Ledger) FailureRate(ctx context.Context, window time.Duration) (float64, int, error) {
	since := time.Now().Add(-window)

	var total, failed int
	err := l.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM delivery_requests
		WHERE requested_at >= $1 AND status != 'pending'
	`, since).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("query failure rate: %w", err)
	}

	if total == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(total), total, nil
}

package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// IssueRepository stores user-submitted delivery complaints for manual
// triage.
type IssueRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewIssueRepository creates a new issue report repository.
func NewIssueRepository(db *DB, logger *zap.Logger) *IssueRepository {
	return &IssueRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new issue report.
func (r *IssueRepository) Create(ctx context.Context, report *IssueReport) error {
	query := `
		INSERT INTO issue_reports (id, destination, channel, description, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		report.ID, report.Destination, report.Channel, report.Description, report.Status,
	).Scan(&report.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create issue report",
			zap.Error(err),
			zap.String("report_id", report.ID.String()),
		)
		return fmt.Errorf("insert issue report: %w", err)
	}

	return nil
}

// ListOpen returns untriaged reports, oldest first.
func (r *IssueRepository) ListOpen(ctx context.Context, limit int) ([]*IssueReport, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, destination, channel, description, status, created_at
		FROM issue_reports
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query issue reports: %w", err)
	}
	defer rows.Close()

	var reports []*IssueReport
	for rows.Next() {
		var rep IssueReport
		err := rows.Scan(&rep.ID, &rep.Destination, &rep.Channel,
			&rep.Description, &rep.Status, &rep.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan issue report: %w", err)
		}
		reports = append(reports, &rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return reports, nil
}

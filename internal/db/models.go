package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium for verification codes.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// AttemptStatus is the lifecycle state of a single delivery attempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
)

// RequestStatus is the overall state of a delivery request.
// It mirrors the status of the request's last recorded attempt.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestDelivered RequestStatus = "delivered"
	RequestFailed    RequestStatus = "failed"
)

// DeliveryRequest represents one logical OTP-send call. Immutable once
// issued except for its terminal status.
type DeliveryRequest struct {
	ID          uuid.UUID     `json:"id"`
	Destination string        `json:"destination"`
	Channel     Channel       `json:"channel"`
	Purpose     string        `json:"purpose"`
	Status      RequestStatus `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// DeliveryAttempt is one provider invocation for a request. Retries and
// failover produce sibling attempts ordered by AttemptNumber. Attempts
// are append-only except for the single terminal status transition.
type DeliveryAttempt struct {
	ID            uuid.UUID     `json:"id"`
	RequestID     uuid.UUID     `json:"request_id"`
	Provider      string        `json:"provider"`
	Channel       Channel       `json:"channel"`
	Status        AttemptStatus `json:"status"`
	AttemptNumber int           `json:"attempt_number"`
	ErrorKind     *ErrorKind    `json:"error_kind,omitempty"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	ProviderRef   *string       `json:"provider_ref,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Severity ranks an alert for operator triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertMetrics captures the measurements that triggered an alert.
// Repeated breaches of the same condition update these in place.
type AlertMetrics struct {
	FailureRate *float64 `json:"failure_rate,omitempty"`
	ErrorCount  *int     `json:"error_count,omitempty"`
	TimeRange   *string  `json:"time_range,omitempty"`
}

// Alert is an operator-facing incident record. Alerts are never
// deleted; resolved alerts are retained for audit.
type Alert struct {
	ID              uuid.UUID   `json:"id"`
	Type            string      `json:"type"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Status          AlertStatus `json:"status"`
	EscalationLevel int         `json:"escalation_level"`
	// EscalationClockAt starts the unacknowledged countdown. It is set
	// on creation and restarted on each escalation; metric refreshes
	// leave it alone.
	EscalationClockAt time.Time         `json:"escalation_clock_at"`
	AffectedServices  []string          `json:"affected_services"`
	Metrics           AlertMetrics      `json:"metrics"`
	Context           map[string]string `json:"context,omitempty"`
	AcknowledgedBy    *string           `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time        `json:"acknowledged_at,omitempty"`
	Resolution        *string           `json:"resolution,omitempty"`
	ResolvedBy        *string           `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IssueStatus is the triage state of a user-submitted issue report.
type IssueStatus string

const (
	IssueOpen    IssueStatus = "open"
	IssueTriaged IssueStatus = "triaged"
)

// IssueReport is a free-form user-submitted delivery complaint, stored
// for manual triage. It never enters the automatic delivery pipeline.
type IssueReport struct {
	ID          uuid.UUID   `json:"id"`
	Destination string      `json:"destination"`
	Channel     Channel     `json:"channel"`
	Description string      `json:"description"`
	Status      IssueStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/alerts"
	"github.com/casavia/otpgate/internal/conntest"
	"github.com/casavia/otpgate/internal/db"
	"github.com/casavia/otpgate/internal/health"
	"github.com/casavia/otpgate/internal/metrics"
	"github.com/casavia/otpgate/internal/orchestrator"
	"github.com/casavia/otpgate/internal/redis"
)

// Deliverer runs one verification-code delivery end to end.
type Deliverer interface {
	Deliver(ctx context.Context, in orchestrator.Input) *orchestrator.Outcome
}

// ConnectivityTester runs an out-of-band reachability check.
type ConnectivityTester interface {
	Test(ctx context.Context, ch db.Channel, contact string) *conntest.Result
}

// AlertService exposes the alert lifecycle operations and read views.
type AlertService interface {
	Acknowledge(ctx context.Context, id uuid.UUID, actor, notes string) error
	Resolve(ctx context.Context, id uuid.UUID, actor, resolution, notes string) error
	Escalate(ctx context.Context, id uuid.UUID, reason string) error
	GetSummary(ctx context.Context) (*alerts.Summary, error)
	GetActive(ctx context.Context, limit int) ([]*db.Alert, error)
}

// HistoryStore is the read side of the delivery ledger.
type HistoryStore interface {
	History(ctx context.Context, filter db.HistoryFilter, limit, offset int) ([]*db.DeliveryRequest, error)
	GetDiagnostics(ctx context.Context, requestID uuid.UUID) (*db.Diagnostics, error)
	MetricsWindow(ctx context.Context, window time.Duration) (*db.WindowMetrics, error)
}

// HealthReader is the live provider-health view.
type HealthReader interface {
	Snapshot() []health.ProviderHealth
	SystemHealth() health.SystemStatus
}

// IssueStore persists user-filed delivery complaints.
type IssueStore interface {
	Create(ctx context.Context, report *db.IssueReport) error
}

// TriageQueue forwards issue reports to the manual triage pipeline.
type TriageQueue interface {
	Enqueue(ctx context.Context, report *db.IssueReport) (string, error)
}

// Response is the command envelope every mutating endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Deps collects everything the handlers call into. Limiter, Cooldown
// and Triage may be nil; the corresponding guard is then skipped.
type Deps struct {
	Deliverer Deliverer
	Tester    ConnectivityTester
	Alerts    AlertService
	Ledger    HistoryStore
	Health    HealthReader
	Issues    IssueStore
	Triage    TriageQueue
	Limiter   *redis.RateLimiter
	Cooldown  *redis.CooldownGuard
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{logger: logger, deps: deps}
}

// DeliveryRequest is the body of POST /v1/deliveries.
type DeliveryRequest struct {
	Destination         string `json:"destination"`
	Channel             string `json:"channel"`
	Purpose             string `json:"purpose"`
	Code                string `json:"code"`
	FallbackDestination string `json:"fallback_destination,omitempty"`
	FallbackChannel     string `json:"fallback_channel,omitempty"`
}

// Deliver handles POST /v1/deliveries.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if req.Destination == "" || req.Channel == "" || req.Code == "" {
		h.writeError(w, http.StatusBadRequest, "destination, channel, and code are required")
		return
	}
	ch := db.Channel(req.Channel)
	if !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "channel must be sms or email")
		return
	}
	if req.Purpose == "" {
		req.Purpose = "login"
	}

	// Per-destination rate limit, then resend cooldown. Both keyed on
	// the contact, not the caller: the thing being protected is the
	// recipient's phone or inbox.
	if h.deps.Limiter != nil {
		result, err := h.deps.Limiter.Allow(ctx, req.Destination)
		if err != nil {
			h.logger.Warn("rate limit check failed, proceeding", zap.Error(err))
		} else if !result.Allowed {
			metrics.RecordRateLimitRejection()
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())))
			h.writeError(w, http.StatusTooManyRequests, "too many code requests for this destination")
			return
		}
	}
	if h.deps.Cooldown != nil {
		if err := h.deps.Cooldown.Reserve(ctx, req.Destination, req.Purpose); err != nil {
			if errors.Is(err, redis.ErrCooldownActive) {
				h.writeError(w, http.StatusTooManyRequests, "a code was sent recently, wait before requesting another")
				return
			}
			h.logger.Warn("cooldown check failed, proceeding", zap.Error(err))
		}
	}

	outcome := h.deps.Deliverer.Deliver(ctx, orchestrator.Input{
		Destination:         req.Destination,
		Channel:             ch,
		Purpose:             req.Purpose,
		Code:                req.Code,
		FallbackDestination: req.FallbackDestination,
		FallbackChannel:     db.Channel(req.FallbackChannel),
	})

	if outcome.Delivered {
		h.writeJSON(w, http.StatusOK, Response{Success: true, Data: outcome})
		return
	}

	// A failed delivery should not lock the user out of retrying.
	if h.deps.Cooldown != nil {
		if err := h.deps.Cooldown.Release(ctx, req.Destination, req.Purpose); err != nil {
			h.logger.Warn("cooldown release failed", zap.Error(err))
		}
	}

	status := http.StatusBadGateway
	switch outcome.Reason {
	case orchestrator.ReasonInvalidDestination:
		status = http.StatusBadRequest
	case orchestrator.ReasonNoProviderAvailable:
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, Response{Success: false, Message: outcome.Message, Data: outcome})
}

// ConnectivityTestRequest is the body of POST /v1/connectivity-test.
type ConnectivityTestRequest struct {
	Channel string `json:"channel"`
	Contact string `json:"contact"`
}

// ConnectivityTest handles POST /v1/connectivity-test.
func (h *Handler) ConnectivityTest(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Channel == "" || req.Contact == "" {
		h.writeError(w, http.StatusBadRequest, "channel and contact are required")
		return
	}

	result := h.deps.Tester.Test(r.Context(), db.Channel(req.Channel), req.Contact)
	h.writeJSON(w, http.StatusOK, Response{
		Success: result.Success,
		Message: result.Message,
	})
}

// GetMetrics handles GET /v1/delivery-metrics?window=15m.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	window := 15 * time.Minute
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "window must be a positive duration like 15m")
			return
		}
		window = d
	}

	m, err := h.deps.Ledger.MetricsWindow(r.Context(), window)
	if err != nil {
		h.logger.Error("failed to compute delivery metrics", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to compute delivery metrics")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: m})
}

// GetProviderHealth handles GET /v1/delivery-metrics/health.
func (h *Handler) GetProviderHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"system":    h.deps.Health.SystemHealth(),
		"providers": h.deps.Health.Snapshot(),
	}})
}

// GetAlerts handles GET /v1/delivery-metrics/alerts.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	summary, err := h.deps.Alerts.GetSummary(ctx)
	if err != nil {
		h.logger.Error("failed to summarize alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to summarize alerts")
		return
	}
	active, err := h.deps.Alerts.GetActive(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list active alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list active alerts")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"summary": summary,
		"active":  active,
	}})
}

// GetHistory handles GET /v1/delivery-history with optional filters:
// destination, status, provider, since, until (RFC 3339), limit, offset.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := db.HistoryFilter{
		Destination: q.Get("destination"),
		Provider:    q.Get("provider"),
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = db.RequestStatus(raw)
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "until must be an RFC 3339 timestamp")
			return
		}
		filter.Until = t
	}

	limit := 20
	offset := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	requests, err := h.deps.Ledger.History(r.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("failed to query delivery history", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to query delivery history")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"requests": requests,
		"limit":    limit,
		"offset":   offset,
		"count":    len(requests),
	}})
}

// GetDiagnostics handles GET /v1/delivery-history/{id}/diagnostics.
func (h *Handler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be a valid UUID")
		return
	}

	diag, err := h.deps.Ledger.GetDiagnostics(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "delivery request not found")
			return
		}
		h.logger.Error("failed to load diagnostics",
			zap.Error(err),
			zap.String("request_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to load diagnostics")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: diag})
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.alertID(w, r)
	if !ok {
		return
	}

	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
		Notes          string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.AcknowledgedBy == "" {
		h.writeError(w, http.StatusBadRequest, "acknowledged_by is required")
		return
	}

	if err := h.deps.Alerts.Acknowledge(r.Context(), id, req.AcknowledgedBy, req.Notes); err != nil {
		h.writeAlertError(w, id, "acknowledge", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "alert acknowledged"})
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.alertID(w, r)
	if !ok {
		return
	}

	var req struct {
		ResolvedBy string `json:"resolved_by"`
		Resolution string `json:"resolution"`
		Notes      string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ResolvedBy == "" || req.Resolution == "" {
		h.writeError(w, http.StatusBadRequest, "resolved_by and resolution are required")
		return
	}

	if err := h.deps.Alerts.Resolve(r.Context(), id, req.ResolvedBy, req.Resolution, req.Notes); err != nil {
		h.writeAlertError(w, id, "resolve", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "alert resolved"})
}

// EscalateAlert handles POST /v1/alerts/{id}/escalate.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.alertID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if err := h.deps.Alerts.Escalate(r.Context(), id, req.Reason); err != nil {
		h.writeAlertError(w, id, "escalate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "alert escalated"})
}

// IssueReportRequest is the body of POST /v1/issue-reports.
type IssueReportRequest struct {
	Destination string `json:"destination"`
	Channel     string `json:"channel"`
	Description string `json:"description"`
}

// CreateIssueReport handles POST /v1/issue-reports.
func (h *Handler) CreateIssueReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req IssueReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Destination == "" || req.Description == "" {
		h.writeError(w, http.StatusBadRequest, "destination and description are required")
		return
	}
	ch := db.Channel(req.Channel)
	if req.Channel != "" && !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "channel must be sms or email")
		return
	}

	report := &db.IssueReport{
		ID:          uuid.New(),
		Destination: req.Destination,
		Channel:     ch,
		Description: req.Description,
		Status:      db.IssueOpen,
	}
	if err := h.deps.Issues.Create(ctx, report); err != nil {
		h.logger.Error("failed to create issue report", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to create issue report")
		return
	}

	// Triage enqueue failure is not a client error; the report is
	// already durable and can be picked up by a later sweep.
	if h.deps.Triage != nil {
		if msgID, err := h.deps.Triage.Enqueue(ctx, report); err != nil {
			h.logger.Warn("failed to enqueue issue report for triage",
				zap.Error(err),
				zap.String("report_id", report.ID.String()),
			)
		} else {
			h.logger.Info("issue report enqueued for triage",
				zap.String("report_id", report.ID.String()),
				zap.String("sqs_message_id", msgID),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, Response{Success: true, Data: report})
}

func (h *Handler) alertID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeAlertError(w http.ResponseWriter, id uuid.UUID, op string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alerts.ErrAlreadyResolved):
		h.writeError(w, http.StatusConflict, "alert is already resolved")
	case errors.Is(err, alerts.ErrNotActive):
		h.writeError(w, http.StatusConflict, "alert is not active")
	default:
		h.logger.Error("alert operation failed",
			zap.Error(err),
			zap.String("op", op),
			zap.String("alert_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "alert operation failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Response{Success: false, Message: message})
}

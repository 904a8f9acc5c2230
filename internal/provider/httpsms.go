package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// HTTPSMSAdapter is the secondary SMS provider, posting to a generic
// HTTP SMS gateway. SNS stays primary; this one takes over on failover.
type HTTPSMSAdapter struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	priority int
	logger   *zap.Logger
}

type HTTPSMSConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Priority int
}

type smsGatewayRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type smsGatewayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// NewHTTPSMSAdapter creates the HTTP gateway SMS adapter.
func NewHTTPSMSAdapter(cfg HTTPSMSConfig, logger *zap.Logger) *HTTPSMSAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSMSAdapter{
		client:   &http.Client{Timeout: timeout},
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		priority: cfg.Priority,
		logger:   logger,
	}
}

func (a *HTTPSMSAdapter) Name() string        { return "sms-gateway" }
func (a *HTTPSMSAdapter) Channel() db.Channel { return db.ChannelSMS }
func (a *HTTPSMSAdapter) Priority() int       { return a.priority }

// Send posts the SMS to the gateway. 4xx responses are permanent, 429
// and 5xx transient.
func (a *HTTPSMSAdapter) Send(ctx context.Context, msg Message) Result {
	payload, err := json.Marshal(smsGatewayRequest{To: msg.To, Message: msg.Body})
	if err != nil {
		return Fail(db.ErrorPermanent, fmt.Errorf("marshal gateway request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return Fail(db.ErrorPermanent, fmt.Errorf("build gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("sms gateway request failed", zap.Error(err))
		return Fail(db.ErrorTransient, fmt.Errorf("gateway request: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var gw smsGatewayResponse
		_ = json.Unmarshal(body, &gw)
		a.logger.Info("sms sent via gateway",
			zap.String("message_id", gw.MessageID),
		)
		return Succeed(gw.MessageID)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Fail(db.ErrorTransient,
			fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body)))

	default:
		return Fail(db.ErrorPermanent,
			fmt.Errorf("gateway rejected message with %d: %s", resp.StatusCode, string(body)))
	}
}

// Probe hits the gateway health endpoint.
func (a *HTTPSMSAdapter) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway probe returned %d", resp.StatusCode)
	}
	return nil
}

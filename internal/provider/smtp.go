package provider

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// SMTPAdapter is the secondary email provider, speaking plain SMTP to
// a relay. It exists so email delivery survives an SES outage.
type SMTPAdapter struct {
	config   SMTPConfig
	priority int
	logger   *zap.Logger
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Priority int
}

// NewSMTPAdapter creates the SMTP-backed email adapter.
func NewSMTPAdapter(cfg SMTPConfig, logger *zap.Logger) *SMTPAdapter {
	return &SMTPAdapter{
		config:   cfg,
		priority: cfg.Priority,
		logger:   logger,
	}
}

func (a *SMTPAdapter) Name() string        { return "smtp" }
func (a *SMTPAdapter) Channel() db.Channel { return db.ChannelEmail }
func (a *SMTPAdapter) Priority() int       { return a.priority }

// Send relays the email over SMTP. Rejected recipients (5xx SMTP
// replies) are permanent; connection-level failures are transient.
func (a *SMTPAdapter) Send(ctx context.Context, msg Message) Result {
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		a.config.From, msg.To, msg.Subject, msg.Body)

	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)

	var auth smtp.Auth
	if a.config.Username != "" {
		auth = smtp.PlainAuth("", a.config.Username, a.config.Password, a.config.Host)
	}

	// smtp.SendMail does not take a context; run it in a goroutine and
	// race it against ctx so orchestration deadlines still hold.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, a.config.From, []string{msg.To}, []byte(body))
	}()

	select {
	case <-ctx.Done():
		return Fail(db.ErrorTransient, fmt.Errorf("smtp send: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			kind := classifySMTP(err)
			a.logger.Warn("smtp send failed",
				zap.Error(err),
				zap.String("error_kind", string(kind)),
			)
			return Fail(kind, fmt.Errorf("smtp send: %w", err))
		}
	}

	a.logger.Info("email sent via SMTP",
		zap.String("host", a.config.Host),
	)

	return Succeed("")
}

// Probe dials the relay and disconnects without sending.
func (a *SMTPAdapter) Probe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp probe: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, a.config.Host)
	if err != nil {
		return fmt.Errorf("smtp probe handshake: %w", err)
	}
	return client.Quit()
}

// classifySMTP maps SMTP reply codes to the retry taxonomy. Permanent
// negative completion replies start with "5".
func classifySMTP(err error) db.ErrorKind {
	msg := err.Error()
	if len(msg) >= 3 && strings.HasPrefix(msg, "5") {
		return db.ErrorPermanent
	}
	return db.ErrorTransient
}

package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// SESAdapter delivers verification codes by email via AWS SES.
type SESAdapter struct {
	client   *ses.Client
	from     string
	priority int
	logger   *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	Priority  int
}

// NewSESAdapter creates the SES-backed email adapter.
func NewSESAdapter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}

	return &SESAdapter{
		client:   ses.NewFromConfig(awsCfg),
		from:     cfg.FromEmail,
		priority: cfg.Priority,
		logger:   logger,
	}, nil
}

func (a *SESAdapter) Name() string        { return "ses" }
func (a *SESAdapter) Channel() db.Channel { return db.ChannelEmail }
func (a *SESAdapter) Priority() int       { return a.priority }

// Send sends the email and classifies any failure.
func (a *SESAdapter) Send(ctx context.Context, msg Message) Result {
	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		kind := Classify(err)
		a.logger.Warn("ses send failed",
			zap.Error(err),
			zap.String("error_kind", string(kind)),
		)
		return Fail(kind, fmt.Errorf("ses send: %w", err))
	}

	ref := ""
	if result.MessageId != nil {
		ref = *result.MessageId
	}

	a.logger.Info("email sent via SES",
		zap.String("message_id", ref),
	)

	return Succeed(ref)
}

// Probe reads the account send quota. No mail is sent.
func (a *SESAdapter) Probe(ctx context.Context) error {
	_, err := a.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return fmt.Errorf("ses probe: %w", err)
	}
	return nil
}

package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// SNSAdapter delivers verification codes as SMS via AWS SNS.
type SNSAdapter struct {
	client   *sns.Client
	priority int
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	Priority int
}

// NewSNSAdapter creates the SNS-backed SMS adapter.
func NewSNSAdapter(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	return &SNSAdapter{
		client:   sns.NewFromConfig(awsCfg),
		priority: cfg.Priority,
		logger:   logger,
	}, nil
}

func (a *SNSAdapter) Name() string       { return "sns" }
func (a *SNSAdapter) Channel() db.Channel { return db.ChannelSMS }
func (a *SNSAdapter) Priority() int       { return a.priority }

// Send publishes the SMS and classifies any failure.
func (a *SNSAdapter) Send(ctx context.Context, msg Message) Result {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
	}

	result, err := a.client.Publish(ctx, input)
	if err != nil {
		kind := Classify(err)
		a.logger.Warn("sns publish failed",
			zap.Error(err),
			zap.String("error_kind", string(kind)),
		)
		return Fail(kind, fmt.Errorf("sns publish: %w", err))
	}

	ref := ""
	if result.MessageId != nil {
		ref = *result.MessageId
	}

	a.logger.Info("sms sent via SNS",
		zap.String("message_id", ref),
	)

	return Succeed(ref)
}

// Probe checks account-level SMS attributes. It issues no SMS, so a
// probe never reaches a user.
func (a *SNSAdapter) Probe(ctx context.Context) error {
	_, err := a.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{})
	if err != nil {
		return fmt.Errorf("sns probe: %w", err)
	}
	return nil
}

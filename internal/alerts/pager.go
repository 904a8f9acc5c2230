package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// SNSPager fans alerts out to an operator SNS topic. Subscribers
// (on-call email, chat bridges) filter on the severity attribute.
type SNSPager struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

// pageMessage is the JSON body published to the topic.
type pageMessage struct {
	AlertID          string   `json:"alert_id"`
	Type             string   `json:"type"`
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	EscalationLevel  int      `json:"escalation_level"`
	AffectedServices []string `json:"affected_services"`
}

// NewSNSPager creates a pager publishing to the given topic.
func NewSNSPager(ctx context.Context, region, topicARN string, logger *zap.Logger) (*SNSPager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for pager: %w", err)
	}

	return &SNSPager{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

// Page publishes one alert to the operator topic.
func (p *SNSPager) Page(ctx context.Context, a *db.Alert) error {
	body, err := json.Marshal(pageMessage{
		AlertID:          a.ID.String(),
		Type:             a.Type,
		Severity:         string(a.Severity),
		Title:            a.Title,
		Description:      a.Description,
		EscalationLevel:  a.EscalationLevel,
		AffectedServices: a.AffectedServices,
	})
	if err != nil {
		return fmt.Errorf("marshal page message: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(fmt.Sprintf("[%s] %s", a.Severity, a.Title)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(a.Severity)),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(a.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert page: %w", err)
	}

	p.logger.Info("alert paged to operators",
		zap.String("alert_id", a.ID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

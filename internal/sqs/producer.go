// Package sqs feeds user-submitted issue reports into the manual
// triage queue. The queue is consumed by the support tooling, not by
// the delivery pipeline.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/casavia/otpgate/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Message is the triage payload sent to SQS.
type Message struct {
	ReportID    string `json:"report_id"`
	Destination string `json:"destination"`
	Channel     string `json:"channel"`
	Description string `json:"description"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// Producer sends issue reports to the triage queue.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends one issue report to the triage queue.
// Returns the message ID for tracking.
func (p *Producer) Enqueue(ctx context.Context, report *db.IssueReport) (string, error) {
	msg := Message{
		ReportID:    report.ID.String(),
		Destination: report.Destination,
		Channel:     string(report.Channel),
		Description: report.Description,
		EnqueuedAt:  time.Now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal triage message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to enqueue issue report",
			zap.Error(err),
			zap.String("report_id", report.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}

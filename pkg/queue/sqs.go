package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/contextmesh/ragcore/pkg/observability"
)

// SQSAPI is the subset of the SQS client the bus needs, split out so
// tests can inject a fake
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, input *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig holds configuration for the SQS bus
type SQSConfig struct {
	Region   string `mapstructure:"region"`
	QueueURL string `mapstructure:"queue_url"`
	Endpoint string `mapstructure:"endpoint"`
}

// SQSBus is the SQS-backed event bus
type SQSBus struct {
	client   SQSAPI
	queueURL string
	logger   observability.Logger
}

// NewSQSBus creates an SQS bus from AWS configuration
func NewSQSBus(ctx context.Context, config SQSConfig, logger observability.Logger) (*SQSBus, error) {
	if config.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue URL is required")
	}
	if logger == nil {
		logger = observability.NewLogger("queue.sqs")
	}

	var options []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		options = append(options, awsconfig.WithRegion(config.Region))
	}
	if config.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               config.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SQSBus{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: config.QueueURL,
		logger:   logger,
	}, nil
}

// NewSQSBusWithAPI injects a custom SQSAPI (for testing)
func NewSQSBusWithAPI(api SQSAPI, queueURL string, logger observability.Logger) *SQSBus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQSBus{client: api, queueURL: queueURL, logger: logger}
}

// Publish sends one event as a JSON message body
func (b *SQSBus) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send event to sqs: %w", err)
	}
	b.logger.Debug("event published", map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": event.EventType,
	})
	return nil
}

// Receive long-polls for events. Messages that fail to parse are logged
// and left for the dead letter queue.
func (b *SQSBus) Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Event, []string, error) {
	resp, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to receive from sqs: %w", err)
	}

	var events []Event
	var receipts []string
	for _, msg := range resp.Messages {
		var event Event
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
			b.logger.Warn("dropping unparseable message", map[string]interface{}{
				"message_id": aws.ToString(msg.MessageId),
				"error":      err.Error(),
			})
			continue
		}
		events = append(events, event)
		receipts = append(receipts, aws.ToString(msg.ReceiptHandle))
	}
	return events, receipts, nil
}

// Ack deletes one message by receipt handle
func (b *SQSBus) Ack(ctx context.Context, receipt string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// HealthCheck queries queue attributes to verify reachability
func (b *SQSBus) HealthCheck(ctx context.Context) error {
	_, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("sqs queue unreachable: %w", err)
	}
	return nil
}

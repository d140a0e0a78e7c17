package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// sqsMaxDelay is the largest DelaySeconds SQS accepts
const sqsMaxDelay = 900 * time.Second

// sqsAPI is the slice of the SQS client the backend uses
type sqsAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, input *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// sqsBackend carries jobs on an SQS queue. Redelivery of unacked jobs is
// the queue's own visibility timeout, so claimStale is a no-op here.
type sqsBackend struct {
	client   sqsAPI
	queueURL string
	fifo     bool
	logger   observability.Logger
}

func newSQSBackend(ctx context.Context, cfg config.QueueConfig, logger observability.Logger) (*sqsBackend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.SQSEndpoint != "" {
		// Local SQS (LocalStack) accepts any signed request.
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SQSEndpoint)
		}
	})
	return &sqsBackend{
		client:   client,
		queueURL: cfg.SQSQueueURL,
		fifo:     strings.HasSuffix(cfg.SQSQueueURL, ".fifo"),
		logger:   logger,
	}, nil
}

func (b *sqsBackend) send(ctx context.Context, jobID, tenantID string, payload []byte, delay time.Duration) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(payload)),
	}
	if b.fifo {
		// FIFO queues reject DelaySeconds; content dedup by job id plus a
		// per-tenant group keeps ordering within a tenant.
		input.MessageDeduplicationId = aws.String(jobID)
		input.MessageGroupId = aws.String(tenantID)
	} else if delay > 0 {
		if delay > sqsMaxDelay {
			delay = sqsMaxDelay
		}
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

func (b *sqsBackend) receive(ctx context.Context, max int, wait time.Duration) ([]rawDelivery, error) {
	if max > 10 {
		max = 10 // SQS receive cap
	}
	resp, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	out := make([]rawDelivery, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if msg.Body == nil || msg.ReceiptHandle == nil {
			continue
		}
		out = append(out, rawDelivery{payload: []byte(*msg.Body), receipt: *msg.ReceiptHandle})
	}
	return out, nil
}

func (b *sqsBackend) ack(ctx context.Context, receipt string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

func (b *sqsBackend) claimStale(ctx context.Context, minIdle time.Duration, max int) ([]rawDelivery, error) {
	// Visibility timeout redelivers abandoned messages automatically.
	return nil, nil
}

func (b *sqsBackend) depth(ctx context.Context) (int64, error) {
	resp, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs attributes: %w", err)
	}
	n, err := strconv.ParseInt(resp.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse queue depth: %w", err)
	}
	return n, nil
}

func (b *sqsBackend) close() error {
	return nil
}

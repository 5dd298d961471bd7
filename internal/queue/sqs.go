package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

const (
	// maxDelay is the longest DelaySeconds SQS accepts.
	maxDelay = 15 * time.Minute
	// maxVisibility is the longest visibility timeout SQS accepts.
	maxVisibility = 12 * time.Hour
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig holds SQS configuration.
type SQSConfig struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint (LocalStack). Optional.
	Endpoint string
	// DLQURL receives permanently failed tasks. Optional.
	DLQURL            string
	BatchSize         int32
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// SQSQueue is a Queue backed by Amazon SQS.
//
// SQS delays delivery by at most 15 minutes, so a task scheduled further out
// is sent with the maximum delay and its NotBefore instant; the worker pool
// defers early deliveries until they are due.
type SQSQueue struct {
	client sqsAPI
	cfg    SQSConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSQSQueue creates a queue client from the default AWS credential chain.
func NewSQSQueue(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSQueue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Bool("dlq", cfg.DLQURL != ""),
	)

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSQueue(client, cfg, logger), nil
}

func newSQSQueue(client sqsAPI, cfg SQSConfig, logger *zap.Logger) *SQSQueue {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Minute
	}
	return &SQSQueue{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Submit sends the task with no delay.
func (q *SQSQueue) Submit(ctx context.Context, task Task) error {
	return q.SubmitAt(ctx, task, time.Time{})
}

// SubmitAt sends the task with as much of the delay as SQS allows.
func (q *SQSQueue) SubmitAt(ctx context.Context, task Task, at time.Time) error {
	now := q.now()
	task.NotBefore = at
	task.EnqueuedAt = now.UTC()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.cfg.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: seconds(at.Sub(now), maxDelay),
	}

	result, err := q.client.SendMessage(ctx, input)
	if err != nil {
		q.logger.Error("failed to send task to sqs",
			zap.Error(err),
			zap.String("notification_id", task.NotificationID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("task submitted",
		zap.String("task_id", task.TaskID),
		zap.String("message_id", aws.ToString(result.MessageId)),
		zap.Int32("delay_seconds", input.DelaySeconds),
	)
	return nil
}

// Receive long-polls for a batch of tasks. Malformed messages are moved to
// the DLQ and removed.
func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: q.cfg.BatchSize,
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		var task Task
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &task); err != nil {
			q.logger.Error("invalid task message, discarding",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			q.discard(ctx, m)
			continue
		}
		deliveries = append(deliveries, Delivery{Task: task, Handle: aws.ToString(m.ReceiptHandle)})
	}
	return deliveries, nil
}

func (q *SQSQueue) discard(ctx context.Context, m types.Message) {
	if err := q.forward(ctx, aws.ToString(m.Body), "malformed"); err != nil {
		q.logger.Warn("failed to dead-letter malformed message", zap.Error(err))
	}
	if err := q.Ack(ctx, Delivery{Handle: aws.ToString(m.ReceiptHandle)}); err != nil {
		q.logger.Warn("failed to delete malformed message", zap.Error(err))
	}
}

// Ack removes the message from the queue.
func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(d.Handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Defer hides the message until until, or for 12 hours if that is sooner.
func (q *SQSQueue) Defer(ctx context.Context, d Delivery, until time.Time) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(d.Handle),
		VisibilityTimeout: seconds(until.Sub(q.now()), maxVisibility),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// DeadLetter copies the task to the DLQ. It is a no-op without a DLQ URL.
func (q *SQSQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	body, err := json.Marshal(d.Task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.forward(ctx, string(body), reason)
}

func (q *SQSQueue) forward(ctx context.Context, body, reason string) error {
	if q.cfg.DLQURL == "" {
		return nil
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.DLQURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs dlq send failed: %w", err)
	}
	return nil
}

// seconds rounds d up to whole seconds within [0, limit].
func seconds(d, limit time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > limit {
		d = limit
	}
	return int32(math.Ceil(d.Seconds()))
}

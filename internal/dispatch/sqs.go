// Package dispatch hands remediation actions to out-of-process workers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/types"
)

// maxDeduplicationID is the SQS limit on MessageDeduplicationId
const maxDeduplicationID = 128

// SQSClient is the part of the SQS API the dispatcher uses
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message is the body sent for each action
type Message struct {
	ActionType     string         `json:"action_type"`
	Inputs         map[string]any `json:"inputs"`
	IdempotencyKey string         `json:"idempotency_key"`
	DispatchedAt   time.Time      `json:"dispatched_at"`
}

// SQSDispatcher is an ActionExecutor that enqueues actions. A step succeeds
// once the message is accepted; the consumer owns the side effect.
type SQSDispatcher struct {
	client   SQSClient
	queueURL string
	fifo     bool
	now      func() time.Time
}

var _ executor.ActionExecutor = (*SQSDispatcher)(nil)

// NewSQSDispatcher creates a dispatcher for queueURL
func NewSQSDispatcher(client SQSClient, queueURL string) (*SQSDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs dispatcher needs a client")
	}
	if queueURL == "" {
		return nil, types.Invalid("dispatch.sqs.queue_url", "required")
	}
	return &SQSDispatcher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		now:      time.Now,
	}, nil
}

// NewSQSDispatcherFromConfig loads the default AWS config for region
func NewSQSDispatcherFromConfig(ctx context.Context, region, queueURL string) (*SQSDispatcher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSDispatcher(sqs.NewFromConfig(cfg), queueURL)
}

// deduplicationID keeps the idempotency key when SQS accepts it and hashes it otherwise
func deduplicationID(key string) string {
	if len(key) <= maxDeduplicationID {
		return key
	}
	return canonical.HashBytes([]byte(key))
}

// groupID orders the steps of one run: the run key precedes the step id
func groupID(key string) string {
	if i := strings.LastIndex(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}

// Execute sends one action message
func (d *SQSDispatcher) Execute(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
	body, err := json.Marshal(Message{
		ActionType:     req.ActionType,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		DispatchedAt:   d.now().UTC(),
	})
	if err != nil {
		return executor.ActionResult{}, fmt.Errorf("encode action message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"action_type": {DataType: aws.String("String"), StringValue: aws.String(req.ActionType)},
		},
	}
	if d.fifo {
		input.MessageDeduplicationId = aws.String(deduplicationID(req.IdempotencyKey))
		input.MessageGroupId = aws.String(groupID(req.IdempotencyKey))
	}

	out, err := d.client.SendMessage(ctx, input)
	if err != nil {
		return executor.ActionResult{}, fmt.Errorf("failed to send %s to SQS: %w", req.ActionType, err)
	}
	return executor.ActionResult{
		Status: executor.ActionSucceeded,
		Output: map[string]any{
			"message_id": aws.ToString(out.MessageId),
			"queue":      extractQueueName(d.queueURL),
		},
	}, nil
}

// extractQueueName returns the last path segment of a queue URL
func extractQueueName(queueURL string) string {
	parts := strings.Split(queueURL, "/")
	return parts[len(parts)-1]
}

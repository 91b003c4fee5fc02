// Package queue publishes failed downstream propagations to SQS so they can be
// replayed by hand.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"crmrelay/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// dedupeNamespace scopes the name-based UUIDs used as FIFO deduplication ids.
var dedupeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("crmrelay/failed-propagation"))

// FailurePublisher sends FailedPropagation records to a single queue.
// FIFO queues (URL ending in ".fifo") get a deduplication id derived from the
// event id and target, so a redelivered event that fails the same way within
// the dedupe window is queued once.
type FailurePublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewFailurePublisher creates a FailurePublisher for queueURL.
func NewFailurePublisher(client SQSSender, queueURL string, logger *slog.Logger) *FailurePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailurePublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// PublishFailure serializes the record and sends it. The event id and target
// travel as message attributes so consumers can filter without decoding.
func (p *FailurePublisher) PublishFailure(ctx context.Context, f types.FailedPropagation) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal FailedPropagation: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(f.EventType),
			},
			"target": {
				DataType:    aws.String("String"),
				StringValue: aws.String(f.Target),
			},
		},
	}

	if p.fifo {
		input.MessageDeduplicationId = aws.String(DedupeID(f))
		group := f.Target
		if group == "" {
			group = "unknown"
		}
		input.MessageGroupId = aws.String(group)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send FailedPropagation to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "failed propagation queued",
		"queue_url", p.queueURL,
		"event_id", f.EventID,
		"event_type", f.EventType,
		"target", f.Target,
	)
	return nil
}

// DedupeID returns a stable UUID for an event/target pair.
func DedupeID(f types.FailedPropagation) string {
	return uuid.NewSHA1(dedupeNamespace, []byte(f.EventID+"\x00"+f.Target)).String()
}

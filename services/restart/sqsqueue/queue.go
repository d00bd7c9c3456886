// Package sqsqueue carries restart jobs over an SQS queue, using per-message
// DelaySeconds for the restart delay.
package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"marionette/services/restart"
)

const (
	// MaxDelay is the longest per-message delay SQS accepts.
	MaxDelay = 15 * time.Minute
	// MaxVisibility is the longest visibility timeout SQS accepts.
	MaxVisibility = 12 * time.Hour
	// DefaultVisibility is used when no lease is configured.
	DefaultVisibility = 30 * time.Second
)

const (
	receiveBatch   = 1
	receiveWait    = 20
	receiveBackoff = time.Second
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

var _ restart.DelayQueue = (*Queue)(nil)

// Queue sends and consumes restart jobs on one SQS queue.
type Queue struct {
	api        API
	url        string
	logger     *log.Logger
	visibility time.Duration
}

// Option customises a Queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a received job stays hidden from other
// consumers. The timeout is renewed every third of it while the handler runs.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d <= 0 {
			return
		}
		if d > MaxVisibility {
			d = MaxVisibility
		}
		q.visibility = d
	}
}

// New wraps api for the queue at url.
func New(api API, url string, logger *log.Logger, opts ...Option) (*Queue, error) {
	if api == nil {
		return nil, errors.New("sqs api is required")
	}
	if url == "" {
		return nil, errors.New("queue url is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	q := &Queue{api: api, url: url, logger: logger, visibility: DefaultVisibility}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// NewFromConfig builds a Queue from an AWS configuration.
func NewFromConfig(cfg aws.Config, url string, logger *log.Logger, opts ...Option) (*Queue, error) {
	return New(sqs.NewFromConfig(cfg), url, logger, opts...)
}

// Visibility reports the visibility timeout requested on receive.
func (q *Queue) Visibility() time.Duration { return q.visibility }

// SendDelayed implements restart.DelayQueue. Delays are rounded up to whole
// seconds.
func (q *Queue) SendDelayed(ctx context.Context, body []byte, delay time.Duration) error {
	if delay < 0 || delay > MaxDelay {
		return fmt.Errorf("delay %s outside SQS range [0, %s]", delay, MaxDelay)
	}
	_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: seconds(delay),
	})
	return err
}

// Ping checks the queue exists and is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	_, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}

// Run long-polls the queue until ctx is cancelled. Messages are deleted only
// after fn succeeds; failed messages reappear once their visibility timeout
// expires.
func (q *Queue) Run(ctx context.Context, fn restart.Handler) error {
	if fn == nil {
		return errors.New("nil handler")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := q.ReceiveOnce(ctx, fn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Printf("ERROR sqs receive %s: %v", q.url, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// ReceiveOnce performs a single long poll and handles what it returns.
func (q *Queue) ReceiveOnce(ctx context.Context, fn restart.Handler) error {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: receiveBatch,
		WaitTimeSeconds:     receiveWait,
		VisibilityTimeout:   seconds(q.visibility),
	})
	if err != nil {
		return err
	}

	for _, msg := range out.Messages {
		if err := q.handle(ctx, msg, fn); err != nil {
			q.logger.Printf("ERROR sqs message %s: %v", aws.ToString(msg.MessageId), err)
			continue
		}
		if _, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.url),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			q.logger.Printf("ERROR sqs delete %s: %v", aws.ToString(msg.MessageId), err)
		}
	}
	return nil
}

// handle runs fn for msg while renewing its visibility timeout.
func (q *Queue) handle(ctx context.Context, msg types.Message, fn restart.Handler) error {
	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				q.extend(beatCtx, msg)
			}
		}
	}()

	err := fn(ctx, []byte(aws.ToString(msg.Body)))
	cancel()
	<-done
	return err
}

func (q *Queue) extend(ctx context.Context, msg types.Message) {
	if _, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: seconds(q.visibility),
	}); err != nil && ctx.Err() == nil {
		q.logger.Printf("WARN sqs extend visibility %s: %v", aws.ToString(msg.MessageId), err)
	}
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int32 {
	return int32((d + time.Second - 1) / time.Second)
}

// Package sqs implements queue.Receiver and queue.Publisher on Amazon SQS.
package sqs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/annoflow/pkg/queue"
)

// API is the subset of the SQS client the adapter uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// Queue is one SQS queue.
type Queue struct {
	client API
	url    string
}

var (
	_ queue.Receiver  = (*Queue)(nil)
	_ queue.Publisher = (*Queue)(nil)
)

// New returns a queue bound to url.
func New(client API, url string) *Queue {
	return &Queue{client: client, url: url}
}

// Open resolves nameOrURL (a queue URL or bare queue name) and returns the
// queue.
func Open(ctx context.Context, client API, nameOrURL string) (*Queue, error) {
	if strings.HasPrefix(nameOrURL, "http://") || strings.HasPrefix(nameOrURL, "https://") {
		return New(client, nameOrURL), nil
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(nameOrURL)})
	if err != nil {
		return nil, wrapError("Open", nameOrURL, err)
	}
	return New(client, aws.ToString(out.QueueUrl)), nil
}

// URL returns the queue URL.
func (q *Queue) URL() string {
	return q.url
}

func (q *Queue) Receive(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Message, error) {
	opts = opts.Clamp()
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         int32(opts.MaxMessages),
		WaitTimeSeconds:             int32(opts.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		return nil, wrapError("Receive", q.url, err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := queue.Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			msg.ReceiveCount = n
		}
		if len(m.MessageAttributes) > 0 {
			msg.Attributes = make(map[string]string, len(m.MessageAttributes))
			for k, v := range m.MessageAttributes {
				msg.Attributes[k] = aws.ToString(v.StringValue)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return wrapError("Delete", q.url, err)
	}
	return nil
}

// ChangeVisibility sets the visibility timeout, clamped to the SQS maximum
// of 12 hours.
func (q *Queue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	secs := int32(timeout / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs > maxVisibilitySeconds {
		secs = maxVisibilitySeconds
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: secs,
	})
	if err != nil {
		return wrapError("ChangeVisibility", q.url, err)
	}
	return nil
}

// Publish sends msg directly to the queue. The subject is carried as the
// "subject" message attribute.
func (q *Queue) Publish(ctx context.Context, msg queue.Outbound) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(msg.Body)),
	}
	attrs := make(map[string]types.MessageAttributeValue, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	if msg.Subject != "" {
		attrs["subject"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(msg.Subject)}
	}
	if len(attrs) > 0 {
		in.MessageAttributes = attrs
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return wrapError("Publish", q.url, err)
	}
	return nil
}

const maxVisibilitySeconds = 12 * 60 * 60

// wrapError maps SQS error codes to queue sentinels.
func wrapError(op, target string, err error) error {
	wrapped := &queue.QueueError{Op: op, Target: target, Err: err}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	switch apiErr.ErrorCode() {
	case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist", "NonExistentQueue":
		wrapped.Err = queue.ErrQueueNotFound
	case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight":
		wrapped.Err = queue.ErrInvalidReceipt
	case "AccessDenied", "AccessDeniedException":
		wrapped.Err = queue.ErrAccessDenied
	case "RequestThrottled", "ThrottlingException", "OverLimit":
		wrapped.Err = queue.ErrThrottled
	case "ServiceUnavailable", "InternalError", "InternalFailure":
		wrapped.Err = queue.ErrUnavailable
	}
	return wrapped
}

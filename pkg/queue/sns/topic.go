// Package sns implements queue.Publisher on Amazon SNS topics.
package sns

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/annoflow/pkg/queue"
)

// maxSubjectLen is the SNS limit on Subject.
const maxSubjectLen = 100

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Topic publishes to one SNS topic.
type Topic struct {
	client API
	arn    string
}

var _ queue.Publisher = (*Topic)(nil)

// New returns a publisher bound to topicARN.
func New(client API, topicARN string) *Topic {
	return &Topic{client: client, arn: topicARN}
}

// ARN returns the topic ARN.
func (t *Topic) ARN() string {
	return t.arn
}

func (t *Topic) Publish(ctx context.Context, msg queue.Outbound) error {
	in := &sns.PublishInput{
		TopicArn: aws.String(t.arn),
		Message:  aws.String(string(msg.Body)),
	}
	if msg.Subject != "" {
		subject := msg.Subject
		if len(subject) > maxSubjectLen {
			subject = subject[:maxSubjectLen]
		}
		in.Subject = aws.String(subject)
	}
	if len(msg.Attributes) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Attributes))
		for k, v := range msg.Attributes {
			in.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
		}
	}
	if _, err := t.client.Publish(ctx, in); err != nil {
		return wrapError(t.arn, err)
	}
	return nil
}

func wrapError(target string, err error) error {
	wrapped := &queue.QueueError{Op: "Publish", Target: target, Err: err}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NotFoundException":
		wrapped.Err = queue.ErrQueueNotFound
	case "AuthorizationError", "AuthorizationErrorException":
		wrapped.Err = queue.ErrAccessDenied
	case "Throttled", "ThrottledException":
		wrapped.Err = queue.ErrThrottled
	case "InternalError", "InternalErrorException", "ServiceUnavailable":
		wrapped.Err = queue.ErrUnavailable
	}
	return wrapped
}

//go:build cloudintegration

package sns_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/queue/sns"
	"github.com/3leaps/annoflow/pkg/queue/sqs"
	"github.com/3leaps/annoflow/test/cloudtest"
)

func TestTopic_FanOut_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	topicARN := cloudtest.CreateTopic(t, ctx)
	archiveURL := cloudtest.CreateQueue(t, ctx)
	notifyURL := cloudtest.CreateQueue(t, ctx)
	cloudtest.Subscribe(t, ctx, topicARN, archiveURL)
	cloudtest.Subscribe(t, ctx, topicARN, notifyURL)

	topic := sns.New(cloudtest.SNSClientT(t), topicARN)
	require.NoError(t, topic.Publish(ctx, queue.Outbound{
		Subject: "job.completed",
		Body:    []byte(`{"job_id":"j1","job_status":"COMPLETED"}`),
	}))

	for _, url := range []string{archiveURL, notifyURL} {
		q := sqs.New(cloudtest.SQSClientT(t), url)
		msgs, err := q.Receive(ctx, queue.ReceiveOptions{MaxMessages: 1, WaitTime: 2 * time.Second})
		require.NoError(t, err)
		require.Len(t, msgs, 1, "queue %s", url)

		payload, subject := queue.Unwrap(msgs[0].Body)
		assert.JSONEq(t, `{"job_id":"j1","job_status":"COMPLETED"}`, string(payload))
		assert.Equal(t, "job.completed", subject)
	}
}

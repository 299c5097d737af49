// Package cloudtest provides helpers for cloud integration tests using moto.
//
// The helpers create throwaway buckets, tables, queues, topics and vaults on a
// local moto server so the AWS adapters can be exercised without real
// credentials. Tests using this package should be tagged with
// //go:build cloudintegration.
//
// Usage:
//
//	func TestMyQueue(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    url := cloudtest.CreateQueue(t, ctx)
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/3leaps/annoflow/pkg/awsconf"
	"github.com/3leaps/annoflow/pkg/jobrecord/dynamo"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the default AWS region for tests.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is the access key used for moto (accepts any).
	TestAccessKeyID = "testing"

	// TestSecretAccessKey is the secret key used for moto (accepts any).
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT env var.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION env var.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// AWSConfig returns adapter configuration pointing at moto.
func AWSConfig() awsconf.Config {
	return awsconf.Config{
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
	}
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

// Reset clears all moto state. Call this between tests for isolation.
func Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint+"/moto-api/reset", nil)
	if err != nil {
		return fmt.Errorf("create reset request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset returned status %d", resp.StatusCode)
	}

	return nil
}

// ResetT resets moto state, failing the test on error.
func ResetT(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := Reset(ctx); err != nil {
		t.Fatalf("failed to reset moto: %v", err)
	}
}

func loadAWS(t *testing.T) aws.Config {
	t.Helper()
	awsOnce.Do(func() {
		awsCfg, awsErr = awsconf.Load(context.Background(), AWSConfig())
	})
	if awsErr != nil {
		t.Fatalf("failed to load AWS config: %v", awsErr)
	}
	return awsCfg
}

// uniqueName derives a resource name from the test name.
func uniqueName(t *testing.T, max int) string {
	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-", " ", "-").Replace(name)
	if len(name) > max-6 {
		name = name[:max-6]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// S3ClientT returns an S3 client configured for moto.
func S3ClientT(t *testing.T) *s3.Client {
	t.Helper()
	return s3.NewFromConfig(loadAWS(t), func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})
}

// DynamoDBClientT returns a DynamoDB client configured for moto.
func DynamoDBClientT(t *testing.T) *dynamodb.Client {
	t.Helper()
	return dynamodb.NewFromConfig(loadAWS(t), func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// SQSClientT returns an SQS client configured for moto.
func SQSClientT(t *testing.T) *sqs.Client {
	t.Helper()
	return sqs.NewFromConfig(loadAWS(t), func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// SNSClientT returns an SNS client configured for moto.
func SNSClientT(t *testing.T) *sns.Client {
	t.Helper()
	return sns.NewFromConfig(loadAWS(t), func(o *sns.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// GlacierClientT returns a Glacier client configured for moto.
func GlacierClientT(t *testing.T) *glacier.Client {
	t.Helper()
	return glacier.NewFromConfig(loadAWS(t), func(o *glacier.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// CreateBucket creates a test bucket with a unique name and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := S3ClientT(t)
	name := uniqueName(t, 56)

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(name),
	})
	if err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}

	t.Cleanup(func() {
		DeleteBucket(t, context.Background(), name)
	})

	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()

	c := S3ClientT(t)

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}

		for _, obj := range page.Contents {
			_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
			if err != nil {
				t.Logf("warning: failed to delete object %s: %v", *obj.Key, err)
			}
		}
	}

	_, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// PutObject uploads an object to the bucket.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()

	_, err := S3ClientT(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(content)),
	})
	if err != nil {
		t.Fatalf("failed to put object %s/%s: %v", bucket, key, err)
	}
}

// CreateJobTable creates a job record table with the user index and
// registers cleanup.
func CreateJobTable(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := DynamoDBClientT(t)
	name := uniqueName(t, 200)

	if _, err := c.CreateTable(ctx, dynamo.CreateTableInput(name, dynamo.DefaultUserIndex)); err != nil {
		t.Fatalf("failed to create table %s: %v", name, err)
	}
	t.Cleanup(func() {
		if _, err := c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
			t.Logf("warning: failed to delete table %s: %v", name, err)
		}
	})
	return name
}

// CreateQueue creates a standard queue and returns its URL. A short
// visibility timeout keeps redelivery tests fast.
func CreateQueue(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := SQSClientT(t)
	name := uniqueName(t, 80)

	out, err := c.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: map[string]string{"VisibilityTimeout": "2"},
	})
	if err != nil {
		t.Fatalf("failed to create queue %s: %v", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	t.Cleanup(func() {
		if _, err := c.DeleteQueue(context.Background(), &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
			t.Logf("warning: failed to delete queue %s: %v", name, err)
		}
	})
	return url
}

// QueueARN returns the ARN of the queue at url.
func QueueARN(t *testing.T, ctx context.Context, url string) string {
	t.Helper()

	out, err := SQSClientT(t).GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		t.Fatalf("failed to read queue attributes for %s: %v", url, err)
	}
	return out.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
}

// CreateTopic creates an SNS topic and returns its ARN.
func CreateTopic(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := SNSClientT(t)
	name := uniqueName(t, 256)

	out, err := c.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name)})
	if err != nil {
		t.Fatalf("failed to create topic %s: %v", name, err)
	}
	arn := aws.ToString(out.TopicArn)
	t.Cleanup(func() {
		if _, err := c.DeleteTopic(context.Background(), &sns.DeleteTopicInput{TopicArn: aws.String(arn)}); err != nil {
			t.Logf("warning: failed to delete topic %s: %v", arn, err)
		}
	})
	return arn
}

// Subscribe delivers topicARN to the queue at queueURL.
func Subscribe(t *testing.T, ctx context.Context, topicARN, queueURL string) {
	t.Helper()

	_, err := SNSClientT(t).Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicARN),
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(QueueARN(t, ctx, queueURL)),
	})
	if err != nil {
		t.Fatalf("failed to subscribe %s to %s: %v", queueURL, topicARN, err)
	}
}

// CreateVault creates a Glacier vault and returns its name.
func CreateVault(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := GlacierClientT(t)
	name := uniqueName(t, 255)

	if _, err := c.CreateVault(ctx, &glacier.CreateVaultInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(name),
	}); err != nil {
		t.Fatalf("failed to create vault %s: %v", name, err)
	}
	t.Cleanup(func() {
		if _, err := c.DeleteVault(context.Background(), &glacier.DeleteVaultInput{
			AccountId: aws.String("-"),
			VaultName: aws.String(name),
		}); err != nil {
			t.Logf("warning: failed to delete vault %s: %v", name, err)
		}
	})
	return name
}

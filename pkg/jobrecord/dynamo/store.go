// Package dynamo implements jobrecord.Store on Amazon DynamoDB.
//
// Every mutation is a single UpdateItem/PutItem with a ConditionExpression,
// so the conditional check and the write are atomic in the service. Failed
// conditions return the old item, which tells a missing record apart from a
// lost race without a second read.
package dynamo

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/3leaps/annoflow/pkg/awsconf"
	"github.com/3leaps/annoflow/pkg/jobrecord"
)

const backend = "dynamodb"

// DefaultUserIndex is the global secondary index keyed by user_id.
const DefaultUserIndex = "user_id_index"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config configures the DynamoDB store.
type Config struct {
	// Table is the table name (required).
	Table string

	// UserIndex is the GSI used by ListByUser.
	UserIndex string

	// AWS selects region, credentials and endpoint.
	AWS awsconf.Config
}

// Store implements jobrecord.Store.
type Store struct {
	client    API
	table     string
	userIndex string
}

var _ jobrecord.Store = (*Store)(nil)

// New creates a store from configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, errors.New("dynamodb config: Table: table name is required")
	}
	awsCfg, err := awsconf.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &jobrecord.StoreError{Op: "New", Backend: backend, Err: err}
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if ep := cfg.AWS.EndpointOverride(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewWithClient(client, cfg.Table, cfg.UserIndex), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, table, userIndex string) *Store {
	if userIndex == "" {
		userIndex = DefaultUserIndex
	}
	return &Store{client: client, table: table, userIndex: userIndex}
}

func (s *Store) key(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"job_id": &types.AttributeValueMemberS{Value: jobID}}
}

func (s *Store) Create(ctx context.Context, rec *jobrecord.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fail("Create", rec.JobID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fail("Create", rec.JobID, jobrecord.ErrAlreadyExists)
	}
	if err != nil {
		return fail("Create", rec.JobID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*jobrecord.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fail("Get", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, fail("Get", jobID, jobrecord.ErrNotFound)
	}
	return decode("Get", jobID, out.Item)
}

func (s *Store) Transition(ctx context.Context, jobID string, from, to jobrecord.Status, fields jobrecord.Fields) (*jobrecord.Record, error) {
	if err := jobrecord.CheckTransition(from, to); err != nil {
		return nil, fail("Transition", jobID, err)
	}

	sets := []string{"#status = :to"}
	values := map[string]types.AttributeValue{
		":to":   &types.AttributeValueMemberS{Value: string(to)},
		":from": &types.AttributeValueMemberS{Value: string(from)},
	}
	if fields.CompleteTime != 0 {
		sets = append(sets, "complete_time = :complete_time")
		values[":complete_time"], _ = attributevalue.Marshal(fields.CompleteTime)
	}
	if fields.ResultStorageLocation != "" {
		sets = append(sets, "result_storage_location = :result")
		values[":result"] = &types.AttributeValueMemberS{Value: fields.ResultStorageLocation}
	}
	if fields.LogStorageLocation != "" {
		sets = append(sets, "log_storage_location = :log")
		values[":log"] = &types.AttributeValueMemberS{Value: fields.LogStorageLocation}
	}

	return s.update(ctx, "Transition", jobID, &dynamodb.UpdateItemInput{
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("#status = :from"),
		ExpressionAttributeNames:  map[string]string{"#status": "job_status"},
		ExpressionAttributeValues: values,
	})
}

func (s *Store) SetArchiveHandle(ctx context.Context, jobID, handle string) (*jobrecord.Record, error) {
	return s.update(ctx, "SetArchiveHandle", jobID, &dynamodb.UpdateItemInput{
		UpdateExpression:    aws.String("SET result_archive_handle = :h"),
		ConditionExpression: aws.String("attribute_exists(job_id) AND (attribute_not_exists(result_archive_handle) OR result_archive_handle = :h)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: handle},
		},
	})
}

func (s *Store) SetRetrievalHandle(ctx context.Context, jobID, handle string) (*jobrecord.Record, error) {
	return s.update(ctx, "SetRetrievalHandle", jobID, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET retrieval_job_handle = :h"),
		ConditionExpression: aws.String("attribute_exists(job_id) AND attribute_exists(result_archive_handle)" +
			" AND (attribute_not_exists(retrieval_job_handle) OR retrieval_job_handle = :h)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: handle},
		},
	})
}

func (s *Store) ClearHandles(ctx context.Context, jobID string) (*jobrecord.Record, error) {
	return s.update(ctx, "ClearHandles", jobID, &dynamodb.UpdateItemInput{
		UpdateExpression:    aws.String("REMOVE result_archive_handle, retrieval_job_handle"),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
	})
}

// ListByUser queries the user index. Index reads are eventually consistent.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]jobrecord.Record, error) {
	var out []jobrecord.Record
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(s.userIndex),
			KeyConditionExpression: aws.String("user_id = :u"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":u": &types.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fail("ListByUser", "", err)
		}
		var recs []jobrecord.Record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fail("ListByUser", "", err)
		}
		out = append(out, recs...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	return nil
}

// update runs a conditional UpdateItem and returns the new record.
func (s *Store) update(ctx context.Context, op, jobID string, in *dynamodb.UpdateItemInput) (*jobrecord.Record, error) {
	in.TableName = aws.String(s.table)
	in.Key = s.key(jobID)
	in.ReturnValues = types.ReturnValueAllNew
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	out, err := s.client.UpdateItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return nil, fail(op, jobID, jobrecord.ErrNotFound)
		}
		return nil, fail(op, jobID, jobrecord.ErrConditionFailed)
	}
	if err != nil {
		return nil, fail(op, jobID, err)
	}
	return decode(op, jobID, out.Attributes)
}

func decode(op, jobID string, item map[string]types.AttributeValue) (*jobrecord.Record, error) {
	var rec jobrecord.Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fail(op, jobID, err)
	}
	return &rec, nil
}

func fail(op, jobID string, err error) error {
	return &jobrecord.StoreError{Op: op, Backend: backend, JobID: jobID, Err: err}
}

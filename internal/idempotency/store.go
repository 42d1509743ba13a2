package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/boluoing/payflow/internal/aws"
)

// DefaultTTL is used when NewStore is given a non-positive window.
const DefaultTTL = 48 * time.Hour

// ErrConditionFailed indicates the record was not in the state the write expected.
var ErrConditionFailed = errors.New("conditional check failed")

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	if ttlWindow <= 0 {
		ttlWindow = DefaultTTL
	}
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// Begin claims key with status IN_PROGRESS.
// Returns (true, nil) if this caller created the record and should do the work,
// (false, nil) if the key already exists (caller should Get to inspect).
func (s *Store) Begin(ctx context.Context, key, requestHash, resourceID string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		RequestHash:    requestHash,
		ResourceID:     resourceID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves a record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Complete moves an IN_PROGRESS record to DONE and stores the response to replay.
// Returns ErrConditionFailed if the record is not IN_PROGRESS.
func (s *Store) Complete(ctx context.Context, key, resourceID, responseBody string, responseStatus int) error {
	input := s.transition(key, StatusInProgress, StatusDone)
	*input.UpdateExpression += ", response_body = :rb, response_status = :rs"
	input.ExpressionAttributeValues[":rb"] = &types.AttributeValueMemberS{Value: responseBody}
	input.ExpressionAttributeValues[":rs"] = &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)}
	if resourceID != "" {
		*input.UpdateExpression += ", resource_id = :rid"
		input.ExpressionAttributeValues[":rid"] = &types.AttributeValueMemberS{Value: resourceID}
	}
	return s.update(ctx, input, "complete")
}

// Fail moves an IN_PROGRESS record to FAILED with a note.
// Returns ErrConditionFailed if the record is not IN_PROGRESS.
func (s *Store) Fail(ctx context.Context, key, note string) error {
	input := s.transition(key, StatusInProgress, StatusFailed)
	*input.UpdateExpression += ", note = :n"
	input.ExpressionAttributeValues[":n"] = &types.AttributeValueMemberS{Value: note}
	return s.update(ctx, input, "fail")
}

// Retry moves a FAILED record back to IN_PROGRESS. Exactly one concurrent caller gets true.
func (s *Store) Retry(ctx context.Context, key string) (bool, error) {
	err := s.update(ctx, s.transition(key, StatusFailed, StatusInProgress), "retry")
	if errors.Is(err, ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) transition(key, from, to string) *dyn.UpdateItemInput {
	ts, _ := attributevalue.Marshal(s.nowFunc().UTC())
	return &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(key),
		UpdateExpression:    awsString("SET #s = :to, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(idempotency_key) AND #s = :from"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   &types.AttributeValueMemberS{Value: to},
			":from": &types.AttributeValueMemberS{Value: from},
			":ua":   ts,
		},
	}
}

func (s *Store) update(ctx context.Context, input *dyn.UpdateItemInput, op string) error {
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (%s): %w", op, err)
	}
	return nil
}

// isConditionFailed matches the service error code so wrapped and unmodeled
// variants are recognised alike.
func isConditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

// Helpers
func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }

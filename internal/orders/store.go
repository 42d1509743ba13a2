package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/boluoing/payflow/internal/aws"
)

// UserIndex is the GSI on (user_id, created_at) used to find a user's pending order.
const UserIndex = "user_id-created_at-index"

var (
	// ErrDuplicateKey is returned by Create when order_id already exists.
	ErrDuplicateKey = errors.New("order already exists")
	// ErrNotFound is returned by updates when no order has the given id.
	ErrNotFound = errors.New("order not found")
	// ErrStatusMismatch is returned by TransitionPaymentStatus when the current status is not the expected one.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrClaimRecorded is returned by RecordClaim when the order already names a claim token.
	ErrClaimRecorded = errors.New("claim token already recorded")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create persists a new order. It fails with ErrDuplicateKey if order_id is taken.
func (s *Store) Create(ctx context.Context, order Order) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.PaymentStatus == "" {
		order.PaymentStatus = PaymentPending
	}

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// FindPendingForUser returns the most recently created pending order of userID, or (nil, nil).
func (s *Store) FindPendingForUser(ctx context.Context, userID string) (*Order, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(UserIndex),
		KeyConditionExpression: awsString("user_id = :uid"),
		FilterExpression:       awsString("#ps = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#ps": "payment_status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":     &types.AttributeValueMemberS{Value: userID},
			":pending": &types.AttributeValueMemberS{Value: PaymentPending},
		},
		ScanIndexForward: awsBool(false),
	}

	var latest *Order
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query pending orders: %w", err)
		}
		for _, item := range out.Items {
			var o Order
			if err := attributevalue.UnmarshalMap(item, &o); err != nil {
				return nil, fmt.Errorf("unmarshal order: %w", err)
			}
			if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
				latest = &o
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return latest, nil
}

// UpdatePaymentStatus sets payment_status unconditionally and stamps updated_at.
// Returns ErrNotFound if no such order exists.
func (s *Store) UpdatePaymentStatus(ctx context.Context, orderID, newStatus string) error {
	input := s.statusUpdate(orderID, newStatus, "")
	input.ConditionExpression = awsString("attribute_exists(order_id)")

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrNotFound
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// TransitionPaymentStatus moves payment_status from expectedStatus to newStatus in one
// conditional write. Exactly one of any number of concurrent callers succeeds; the rest get
// ErrStatusMismatch (or ErrNotFound if the order does not exist).
func (s *Store) TransitionPaymentStatus(ctx context.Context, orderID, expectedStatus, newStatus, tradeNo string) error {
	input := s.statusUpdate(orderID, newStatus, tradeNo)
	input.ConditionExpression = awsString("attribute_exists(order_id) AND #ps = :expected")
	input.ExpressionAttributeValues[":expected"] = &types.AttributeValueMemberS{Value: expectedStatus}
	input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			if len(cf.Item) == 0 {
				return ErrNotFound
			}
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// RecordClaim stamps the hash and expiry of the order's claim token. It succeeds once per
// order; later calls get ErrClaimRecorded (or ErrNotFound if the order does not exist).
func (s *Store) RecordClaim(ctx context.Context, orderID, tokenHash string, expiresAt time.Time) error {
	now, _ := attributevalue.Marshal(s.nowFunc().UTC())
	exp, _ := attributevalue.Marshal(expiresAt.UTC())
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET claim_token_hash = :h, claim_issued_at = :ia, claim_expires_at = :ea, updated_at = :ia"),
		ConditionExpression: awsString("attribute_exists(order_id) AND attribute_not_exists(claim_token_hash)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h":  &types.AttributeValueMemberS{Value: tokenHash},
			":ia": now,
			":ea": exp,
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			if len(cf.Item) == 0 {
				return ErrNotFound
			}
			return ErrClaimRecorded
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (s *Store) statusUpdate(orderID, newStatus, tradeNo string) *dyn.UpdateItemInput {
	now := s.nowFunc().UTC()
	ts, _ := attributevalue.Marshal(now)

	updateExpr := "SET #ps = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new": &types.AttributeValueMemberS{Value: newStatus},
		":ua":  ts,
	}
	if newStatus == PaymentPaid {
		updateExpr += ", paid_at = :pa"
		values[":pa"] = ts
	}
	if tradeNo != "" {
		updateExpr += ", trade_no = :tn"
		values[":tn"] = &types.AttributeValueMemberS{Value: tradeNo}
	}

	return &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(orderID),
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  map[string]string{"#ps": "payment_status"},
		ExpressionAttributeValues: values,
	}
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }

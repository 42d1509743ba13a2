// Package awstest provides in-memory fakes of the AWS SDK interfaces for unit tests.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FakeDynamo is a small in-memory DynamoDB supporting exactly the expression shapes the
// stores emit: SET-only update expressions, conditions joined by AND made of
// attribute_exists/attribute_not_exists/equality, and equality key/filter conditions on Query.
// NOTE: This is intentionally minimal and not production-grade.
type FakeDynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	// Err, when set, is returned by every call.
	Err error

	PutCalls, GetCalls, UpdateCalls, QueryCalls int
}

// NewFakeDynamo returns an empty fake with no tables.
func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		keys:   map[string]string{},
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

// CreateTable registers a table and the name of its string partition key.
func (m *FakeDynamo) CreateTable(name, pkAttr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[name] = pkAttr
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = map[string]map[string]types.AttributeValue{}
	}
}

// Item returns a copy of the stored item, or nil.
func (m *FakeDynamo) Item(table, pk string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Seed stores an item directly, bypassing conditions.
func (m *FakeDynamo) Seed(table string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := m.pkOf(table, item)
	if err != nil {
		panic(err)
	}
	m.tables[table][pk] = copyItem(item)
}

// Len returns the number of items in a table.
func (m *FakeDynamo) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *FakeDynamo) pkOf(table string, item map[string]types.AttributeValue) (string, error) {
	attr, ok := m.keys[table]
	if !ok {
		return "", fmt.Errorf("awstest: unknown table %q", table)
	}
	v, ok := item[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("awstest: item has no string key %q", attr)
	}
	return v.Value, nil
}

func (m *FakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	table := *in.TableName
	pk, err := m.pkOf(table, in.Item)
	if err != nil {
		return nil, err
	}
	existing := m.tables[table][pk]
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
		}
	}
	m.tables[table][pk] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *FakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	table := *in.TableName
	pk, err := m.pkOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *FakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	table := *in.TableName
	pk, err := m.pkOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	existing := m.tables[table][pk]
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			cerr := &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
			if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld && existing != nil {
				cerr.Item = copyItem(existing)
			}
			return nil, cerr
		}
	}

	item := existing
	if item == nil {
		// UpdateItem upserts when no condition prevents it
		item = copyItem(in.Key)
	} else {
		item = copyItem(item)
	}
	if in.UpdateExpression == nil {
		return nil, errors.New("awstest: missing update expression")
	}
	if err := applySet(*in.UpdateExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (m *FakeDynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("awstest: missing key condition")
	}
	var out []map[string]types.AttributeValue
	for _, item := range m.tables[*in.TableName] {
		ok, err := evalCondition(*in.KeyConditionExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if in.FilterExpression != nil {
			ok, err = evalCondition(*in.FilterExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, copyItem(item))
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			name := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if item == nil || item[name] == nil {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			name := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if item != nil && item[name] != nil {
				return false, nil
			}
		case strings.Contains(clause, " = "):
			parts := strings.SplitN(clause, " = ", 2)
			name := resolve(strings.TrimSpace(parts[0]), names)
			want, ok := values[strings.TrimSpace(parts[1])]
			if !ok {
				return false, fmt.Errorf("awstest: missing value %s", parts[1])
			}
			if item == nil || !equalAV(item[name], want) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("awstest: unsupported condition %q", clause)
		}
	}
	return true, nil
}

func applySet(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("awstest: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("awstest: bad assignment %q", assign)
		}
		name := resolve(strings.TrimSpace(parts[0]), names)
		v, ok := values[strings.TrimSpace(parts[1])]
		if !ok {
			return fmt.Errorf("awstest: missing value %s", parts[1])
		}
		item[name] = v
	}
	return nil
}

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func equalAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }

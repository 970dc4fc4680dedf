package kvstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// fakeDynamo keeps items in memory and evaluates the backend's condition
// expressions by their meaning: insert requires a dead key, touch and
// delete require a live one.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	calls int

	// failWith, when set for a key, is returned instead of executing the request.
	failWith map[string]error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]types.AttributeValue),
		failWith: make(map[string]error),
	}
}

func keyOf(item map[string]types.AttributeValue) string {
	return item[attrKey].(*types.AttributeValueMemberS).Value
}

func numberOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamo) live(key string, now int64) bool {
	item, ok := f.items[key]
	if !ok {
		return false
	}
	if ttl, ok := item[attrTTL]; ok && numberOf(ttl) <= now {
		return false
	}
	return true
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := keyOf(in.Item)
	if err := f.failWith[key]; err != nil {
		return nil, err
	}
	if f.live(key, numberOf(in.ExpressionAttributeValues[":now"])) {
		return nil, conditionFailed()
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := keyOf(in.Key)
	if err := f.failWith[key]; err != nil {
		return nil, err
	}
	if !f.live(key, numberOf(in.ExpressionAttributeValues[":now"])) {
		return nil, conditionFailed()
	}
	item := f.items[key]
	item[attrCAS] = in.ExpressionAttributeValues[":cas"]
	if ttl, ok := in.ExpressionAttributeValues[":ttl"]; ok {
		item[attrTTL] = ttl
	} else if strings.Contains(aws.ToString(in.UpdateExpression), "REMOVE #t") {
		delete(item, attrTTL)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := keyOf(in.Key)
	if err := f.failWith[key]; err != nil {
		return nil, err
	}
	if !f.live(key, numberOf(in.ExpressionAttributeValues[":now"])) {
		return nil, conditionFailed()
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func newTestDynamo(t *testing.T) (*DynamoDBBackend, *fakeDynamo, *fakeClock) {
	t.Helper()
	fake := newFakeDynamo()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	return newDynamoDBBackend(fake, "docs", 0, 0, clock.Now, nil), fake, clock
}

func TestDynamoDBInsertMulti(t *testing.T) {
	d, fake, _ := newTestDynamo(t)
	ctx := context.Background()

	res, err := d.InsertMulti(ctx, map[string]core.InsertDoc{
		"a": {Value: map[string]interface{}{"x": 1}},
		"b": {Value: "b"},
		"":  {Value: 1},
	}, core.InsertOptions{Expiry: 30})
	require.NoError(t, err)
	assert.Equal(t, []string{"", "a", "b"}, res.Keys, "keys are processed in sorted order")
	assert.Equal(t, core.CodeInvalidArgument, codeOf(t, res, ""))
	require.True(t, res.Results["a"].Success)
	require.True(t, res.Results["b"].Success)

	item := fake.items["a"]
	assert.JSONEq(t, `{"x":1}`, string(item[attrValue].(*types.AttributeValueMemberB).Value))
	assert.Equal(t, int64(1700000030), numberOf(item[attrTTL]))
	assert.Equal(t, res.Results["a"].Result.CAS.String(), item[attrCAS].(*types.AttributeValueMemberN).Value)

	res, err = d.InsertMulti(ctx, map[string]core.InsertDoc{"a": {Value: 2}}, core.InsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.CodeKeyExists, codeOf(t, res, "a"))
}

func TestDynamoDBInsertOverExpiredItem(t *testing.T) {
	d, _, clock := newTestDynamo(t)
	ctx := context.Background()

	_, err := d.InsertMulti(ctx, map[string]core.InsertDoc{"a": {Value: 1}}, core.InsertOptions{Expiry: 1})
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	res, err := d.InsertMulti(ctx, map[string]core.InsertDoc{"a": {Value: 2}}, core.InsertOptions{})
	require.NoError(t, err)
	assert.True(t, res.Results["a"].Success)
}

func TestDynamoDBRejectsOversizedItem(t *testing.T) {
	d, fake, _ := newTestDynamo(t)

	res, err := d.InsertMulti(context.Background(), map[string]core.InsertDoc{
		"big": {Value: strings.Repeat("x", DynamoDBMaxItemBytes)},
	}, core.InsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.CodeValueTooBig, codeOf(t, res, "big"))
	assert.Zero(t, fake.calls)
}

func TestDynamoDBTouchMulti(t *testing.T) {
	d, fake, _ := newTestDynamo(t)
	ctx := context.Background()

	_, err := d.InsertMulti(ctx, map[string]core.InsertDoc{"a": {Value: 1}}, core.InsertOptions{Expiry: 5})
	require.NoError(t, err)

	res, err := d.TouchMulti(ctx, map[string]core.TouchDoc{"a": {Expiry: 100}, "missing": {Expiry: 1}})
	require.NoError(t, err)
	require.True(t, res.Results["a"].Success)
	assert.Equal(t, core.CodeKeyMissing, codeOf(t, res, "missing"))
	assert.Equal(t, int64(1700000100), numberOf(fake.items["a"][attrTTL]))

	res, err = d.TouchMulti(ctx, map[string]core.TouchDoc{"a": {Expiry: 0}})
	require.NoError(t, err)
	require.True(t, res.Results["a"].Success)
	_, hasTTL := fake.items["a"][attrTTL]
	assert.False(t, hasTTL)
}

func TestDynamoDBRemoveMulti(t *testing.T) {
	d, fake, _ := newTestDynamo(t)
	ctx := context.Background()

	_, err := d.InsertMulti(ctx, map[string]core.InsertDoc{"a": {Value: 1}}, core.InsertOptions{})
	require.NoError(t, err)

	res, err := d.RemoveMulti(ctx, []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Keys)
	assert.True(t, res.Results["a"].Success)
	assert.Equal(t, core.CodeKeyMissing, codeOf(t, res, "b"))
	assert.Empty(t, fake.items)
}

func TestDynamoDBErrorClassification(t *testing.T) {
	d, fake, _ := newTestDynamo(t)

	fake.failWith["throttled"] = &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	fake.failWith["limited"] = &types.RequestLimitExceeded{Message: aws.String("limit")}
	fake.failWith["throttling"] = &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
	fake.failWith["toolarge"] = &smithy.GenericAPIError{Code: "ValidationException", Message: "Item size has exceeded the maximum allowed size"}
	fake.failWith["invalid"] = &smithy.GenericAPIError{Code: "ValidationException", Message: "One or more parameter values were invalid"}
	fake.failWith["internal"] = &smithy.GenericAPIError{Code: "InternalServerError", Message: "boom"}

	docs := make(map[string]core.InsertDoc)
	for key := range fake.failWith {
		docs[key] = core.InsertDoc{Value: 1}
	}
	res, err := d.InsertMulti(context.Background(), docs, core.InsertOptions{})
	require.NoError(t, err)

	assert.Equal(t, core.CodeTemporaryFailure, codeOf(t, res, "throttled"))
	assert.Equal(t, core.CodeTemporaryFailure, codeOf(t, res, "limited"))
	assert.Equal(t, core.CodeTemporaryFailure, codeOf(t, res, "throttling"))
	assert.Equal(t, core.CodeValueTooBig, codeOf(t, res, "toolarge"))
	assert.Equal(t, core.CodeInvalidArgument, codeOf(t, res, "invalid"))
	assert.Equal(t, core.CodeGeneric, codeOf(t, res, "internal"))
}

func TestDynamoDBTransportErrorFailsBatch(t *testing.T) {
	d, fake, _ := newTestDynamo(t)
	transport := errors.New("connection reset by peer")
	fake.failWith["a"] = transport

	res, err := d.RemoveMulti(context.Background(), []string{"a"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, transport)
}

func TestDynamoDBRateLimiter(t *testing.T) {
	fake := newFakeDynamo()
	d := newDynamoDBBackend(fake, "docs", 1, 1, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The first request takes the only token; the second cannot be admitted
	// before the deadline.
	_, err := d.RemoveMulti(ctx, []string{"a", "b"})
	assert.Error(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestDynamoDBClosed(t *testing.T) {
	d, _, _ := newTestDynamo(t)
	require.NoError(t, d.Close())
	_, err := d.InsertMulti(context.Background(), map[string]core.InsertDoc{"a": {Value: 1}}, core.InsertOptions{})
	assert.ErrorIs(t, err, ErrBackendClosed)
}

func TestDynamoDBConfigValidator(t *testing.T) {
	v := &DynamoDBConfigValidator{}
	valid := func() *registry.Config {
		cfg := registry.DefaultConfig()
		cfg.Backend.Type = "dynamodb"
		cfg.Backend.DynamoDB.TableName = "docs"
		return cfg
	}

	assert.NoError(t, v.Validate(valid()))

	cfg := valid()
	cfg.Backend.DynamoDB.Region = ""
	assert.Error(t, v.Validate(cfg))

	cfg = valid()
	cfg.Backend.DynamoDB.TableName = ""
	assert.Error(t, v.Validate(cfg))

	cfg = valid()
	cfg.Backend.DynamoDB.RequestsPerSecond = -1
	assert.Error(t, v.Validate(cfg))
}

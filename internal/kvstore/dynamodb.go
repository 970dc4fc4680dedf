package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// DynamoDBMaxItemBytes is the DynamoDB item size limit.
const DynamoDBMaxItemBytes = 400 * 1024

// Attribute names of a document item.
const (
	attrKey   = "key"
	attrValue = "value"
	attrCAS   = "cas"
	attrTTL   = "ttl"
)

// dynamoAPI is the part of *dynamodb.Client the backend uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBBackend implements core.Backend on a DynamoDB table keyed by the
// string attribute "key". The table's TTL attribute should be "ttl"; items
// past their ttl are treated as absent before DynamoDB reaps them.
type DynamoDBBackend struct {
	client    dynamoAPI
	tableName string
	limiter   *rate.Limiter // nil when unlimited
	now       func() time.Time
	cas       *casSource
	closed    atomic.Bool
	logger    *slog.Logger
}

// DynamoDBOptions configures a DynamoDBBackend.
type DynamoDBOptions struct {
	Region          string
	TableName       string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	// RequestsPerSecond caps item requests; zero disables the cap.
	RequestsPerSecond float64
	Burst             int

	MaxRetries  int
	DialTimeout time.Duration
}

// NewDynamoDBBackend loads AWS configuration, builds a client and checks
// that the table exists.
func NewDynamoDBBackend(ctx context.Context, opts DynamoDBOptions, logger *slog.Logger) (*DynamoDBBackend, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if opts.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.MaxRetries > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(opts.MaxRetries))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
	}

	var clientOptions []func(*dynamodb.Options)
	if opts.Endpoint != "" {
		// Custom endpoint, e.g. DynamoDB Local or LocalStack.
		clientOptions = append(clientOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, clientOptions...)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	describeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.DescribeTable(describeCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(opts.TableName),
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", opts.TableName, err)
	}

	return newDynamoDBBackend(client, opts.TableName, opts.RequestsPerSecond, opts.Burst, time.Now, logger), nil
}

func newDynamoDBBackend(client dynamoAPI, tableName string, rps float64, burst int, now func() time.Time, logger *slog.Logger) *DynamoDBBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &DynamoDBBackend{
		client:    client,
		tableName: tableName,
		limiter:   limiter,
		now:       now,
		cas:       newCASSource(now),
		logger:    logger.With("backend", "dynamodb", "table", tableName),
	}
}

func (d *DynamoDBBackend) wait(ctx context.Context) error {
	if d.limiter == nil {
		return ctx.Err()
	}
	return d.limiter.Wait(ctx)
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// InsertMulti conditionally puts every document. Keys are written in sorted order.
func (d *DynamoDBBackend) InsertMulti(ctx context.Context, docs map[string]core.InsertDoc, opts core.InsertOptions) (*core.BatchResult, error) {
	if d.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(docs))
	for _, key := range sortedKeys(docs) {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		value, err := json.Marshal(docs[key].Value)
		if err != nil {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "value is not serializable: %v", err)))
			continue
		}
		if len(value)+len(key) > DynamoDBMaxItemBytes {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeValueTooBig, "item is %d bytes, limit is %d", len(value)+len(key), DynamoDBMaxItemBytes)))
			continue
		}

		if err := d.wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to insert batch: %w", err)
		}

		now := d.now()
		cas := d.cas.next()
		item := keyAttr(key)
		item[attrValue] = &types.AttributeValueMemberB{Value: value}
		item[attrCAS] = &types.AttributeValueMemberN{Value: cas.String()}
		if opts.Expiry > 0 {
			item[attrTTL] = numberAttr(expiresAtUnixSeconds(now, opts.Expiry))
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(#k) OR (attribute_exists(#t) AND #t <= :now)"),
			ExpressionAttributeNames: map[string]string{
				"#k": attrKey,
				"#t": attrTTL,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": numberAttr(now.Unix()),
			},
		})
		if err != nil {
			keyErr, fatal := d.classify(ctx, err, core.CodeKeyExists)
			if fatal != nil {
				return nil, fmt.Errorf("failed to insert batch: %w", fatal)
			}
			res.Set(key, core.Failed(keyErr))
			continue
		}
		res.Set(key, core.Succeeded(cas))
	}

	d.logger.DebugContext(ctx, "insert batch executed", "keys", len(docs), "expiry", opts.Expiry)
	return res, nil
}

// TouchMulti conditionally updates the ttl of every live document.
func (d *DynamoDBBackend) TouchMulti(ctx context.Context, docs map[string]core.TouchDoc) (*core.BatchResult, error) {
	if d.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(docs))
	for _, key := range sortedKeys(docs) {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		if err := d.wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to touch batch: %w", err)
		}

		now := d.now()
		cas := d.cas.next()
		values := map[string]types.AttributeValue{
			":now": numberAttr(now.Unix()),
			":cas": &types.AttributeValueMemberN{Value: cas.String()},
		}
		update := "SET #c = :cas REMOVE #t"
		if expiry := docs[key].Expiry; expiry > 0 {
			update = "SET #c = :cas, #t = :ttl"
			values[":ttl"] = numberAttr(expiresAtUnixSeconds(now, expiry))
		}

		_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.tableName),
			Key:                 keyAttr(key),
			UpdateExpression:    aws.String(update),
			ConditionExpression: aws.String("attribute_exists(#k) AND (attribute_not_exists(#t) OR #t > :now)"),
			ExpressionAttributeNames: map[string]string{
				"#k": attrKey,
				"#c": attrCAS,
				"#t": attrTTL,
			},
			ExpressionAttributeValues: values,
		})
		if err != nil {
			keyErr, fatal := d.classify(ctx, err, core.CodeKeyMissing)
			if fatal != nil {
				return nil, fmt.Errorf("failed to touch batch: %w", fatal)
			}
			res.Set(key, core.Failed(keyErr))
			continue
		}
		res.Set(key, core.Succeeded(cas))
	}

	d.logger.DebugContext(ctx, "touch batch executed", "keys", len(docs))
	return res, nil
}

// RemoveMulti conditionally deletes every live key.
func (d *DynamoDBBackend) RemoveMulti(ctx context.Context, keys []string) (*core.BatchResult, error) {
	if d.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(keys))
	for _, key := range keys {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		if _, done := res.Results[key]; done {
			continue
		}
		if err := d.wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to remove batch: %w", err)
		}

		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(d.tableName),
			Key:                 keyAttr(key),
			ConditionExpression: aws.String("attribute_exists(#k) AND (attribute_not_exists(#t) OR #t > :now)"),
			ExpressionAttributeNames: map[string]string{
				"#k": attrKey,
				"#t": attrTTL,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": numberAttr(d.now().Unix()),
			},
		})
		if err != nil {
			keyErr, fatal := d.classify(ctx, err, core.CodeKeyMissing)
			if fatal != nil {
				return nil, fmt.Errorf("failed to remove batch: %w", fatal)
			}
			res.Set(key, core.Failed(keyErr))
			continue
		}
		res.Set(key, core.Succeeded(core.CAS(0)))
	}

	d.logger.DebugContext(ctx, "remove batch executed", "keys", len(keys))
	return res, nil
}

// classify maps a request error to a per-key error. Errors that are not
// DynamoDB API errors (transport, context) are returned as fatal.
func (d *DynamoDBBackend) classify(ctx context.Context, err error, conflict core.ErrorCode) (*core.KeyError, error) {
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		if conflict == core.CodeKeyExists {
			return core.NewKeyError(conflict, "key already exists"), nil
		}
		return core.NewKeyError(conflict, "key not found"), nil
	}

	var throughput *types.ProvisionedThroughputExceededException
	var requestLimit *types.RequestLimitExceeded
	if errors.As(err, &throughput) || errors.As(err, &requestLimit) {
		return core.NewKeyError(core.CodeTemporaryFailure, "%v", err), nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return core.NewKeyError(core.CodeTemporaryFailure, "%s", apiErr.ErrorMessage()), nil
		case "ValidationException":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "size") {
				return core.NewKeyError(core.CodeValueTooBig, "%s", apiErr.ErrorMessage()), nil
			}
			return core.NewKeyError(core.CodeInvalidArgument, "%s", apiErr.ErrorMessage()), nil
		}
		return core.NewKeyError(core.CodeGeneric, "%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()), nil
	}

	d.logger.ErrorContext(ctx, "request failed", "error", err)
	return nil, err
}

// Close marks the backend closed. The SDK client holds no resources to release.
func (d *DynamoDBBackend) Close() error {
	d.closed.Store(true)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DynamoDBBackendFactory creates DynamoDB backends.
type DynamoDBBackendFactory struct{}

// Type returns the type identifier for this factory.
func (f *DynamoDBBackendFactory) Type() string {
	return "dynamodb"
}

// Create creates a new DynamoDB backend from cfg.
func (f *DynamoDBBackendFactory) Create(ctx context.Context, cfg registry.BackendConfig, logger *slog.Logger) (core.ClosableBackend, error) {
	backend, err := NewDynamoDBBackend(ctx, DynamoDBOptions{
		Region:            cfg.DynamoDB.Region,
		TableName:         cfg.DynamoDB.TableName,
		Endpoint:          cfg.DynamoDB.Endpoint,
		AccessKeyID:       cfg.DynamoDB.AccessKeyID,
		SecretAccessKey:   cfg.DynamoDB.SecretAccessKey,
		RequestsPerSecond: cfg.DynamoDB.RequestsPerSecond,
		Burst:             cfg.DynamoDB.Burst,
		MaxRetries:        cfg.MaxRetries,
		DialTimeout:       cfg.DialTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB backend: %w", err)
	}
	return backend, nil
}

// DynamoDBConfigValidator validates the dynamodb section of the configuration.
type DynamoDBConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *DynamoDBConfigValidator) Type() string {
	return "dynamodb"
}

// Validate validates the DynamoDB-specific configuration.
func (v *DynamoDBConfigValidator) Validate(config *registry.Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	dynamoConfig := config.Backend.DynamoDB
	if dynamoConfig.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if dynamoConfig.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	if dynamoConfig.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be non-negative, got: %v", dynamoConfig.RequestsPerSecond)
	}
	if dynamoConfig.Burst < 0 {
		return fmt.Errorf("burst must be non-negative, got: %d", dynamoConfig.Burst)
	}
	return validateTimeouts(config.Backend)
}

func init() {
	RegisterFactory(&DynamoDBBackendFactory{})
	registry.RegisterValidator(&DynamoDBConfigValidator{})
}

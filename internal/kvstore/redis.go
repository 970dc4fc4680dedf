package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// ErrBackendClosed is returned by any batch call on a closed backend.
var ErrBackendClosed = errors.New("KV backend is closed")

// Documents are hashes {v: JSON value, c: CAS}. The scripts make the
// existence check and the write atomic per key.
var (
	insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'c', cas)
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  local reply = redis.pcall('EXPIRE', KEYS[1], ttl)
  if type(reply) == 'table' and reply.err then
    redis.call('DEL', KEYS[1])
    return reply
  end
end
return cas
`)

	touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'c', cas)
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
return cas
`)
)

// RedisBackend implements core.Backend using Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	closed atomic.Bool
}

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Endpoints    []string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces document keys (default "doc").
	KeyPrefix string
}

// NewRedisBackend connects to the first endpoint and verifies the connection.
func NewRedisBackend(opts RedisOptions, logger *slog.Logger) (*RedisBackend, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	// Only single-node Redis is supported; extra endpoints are ignored.
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Endpoints[0],
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBackendFromClient(client, opts.KeyPrefix, logger), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisBackend {
	if prefix == "" {
		prefix = "doc"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		logger: logger.With("backend", "redis"),
	}
}

func (r *RedisBackend) docKey(key string) string {
	return r.prefix + ":" + key
}

func (r *RedisBackend) casKey() string {
	return r.prefix + ":__cas"
}

// InsertMulti runs the insert script for every document in one pipeline.
func (r *RedisBackend) InsertMulti(ctx context.Context, docs map[string]core.InsertDoc, opts core.InsertOptions) (*core.BatchResult, error) {
	if r.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(docs))
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.Cmd, len(docs))
	for key, doc := range docs {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		value, err := json.Marshal(doc.Value)
		if err != nil {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "value is not serializable: %v", err)))
			continue
		}
		cmds[key] = insertScript.Eval(ctx, pipe, []string{r.docKey(key), r.casKey()}, value, clampExpiry(opts.Expiry))
	}

	if err := r.exec(ctx, pipe); err != nil {
		return nil, fmt.Errorf("failed to insert batch: %w", err)
	}

	for key, cmd := range cmds {
		res.Set(key, scriptOutcome(cmd, core.CodeKeyExists))
	}

	r.logger.DebugContext(ctx, "insert batch executed", "keys", len(docs), "expiry", opts.Expiry)
	return res, nil
}

// TouchMulti runs the touch script for every document in one pipeline.
func (r *RedisBackend) TouchMulti(ctx context.Context, docs map[string]core.TouchDoc) (*core.BatchResult, error) {
	if r.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(docs))
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.Cmd, len(docs))
	for key, doc := range docs {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		cmds[key] = touchScript.Eval(ctx, pipe, []string{r.docKey(key), r.casKey()}, clampExpiry(doc.Expiry))
	}

	if err := r.exec(ctx, pipe); err != nil {
		return nil, fmt.Errorf("failed to touch batch: %w", err)
	}

	for key, cmd := range cmds {
		res.Set(key, scriptOutcome(cmd, core.CodeKeyMissing))
	}

	r.logger.DebugContext(ctx, "touch batch executed", "keys", len(docs))
	return res, nil
}

// RemoveMulti deletes every key in one pipeline. A key that did not exist
// is reported with CodeKeyMissing.
func (r *RedisBackend) RemoveMulti(ctx context.Context, keys []string) (*core.BatchResult, error) {
	if r.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(keys))
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(keys))
	for _, key := range keys {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		if _, queued := cmds[key]; queued {
			continue
		}
		cmds[key] = pipe.Del(ctx, r.docKey(key))
	}

	if err := r.exec(ctx, pipe); err != nil {
		return nil, fmt.Errorf("failed to remove batch: %w", err)
	}

	for key, cmd := range cmds {
		n, err := cmd.Result()
		switch {
		case err != nil:
			res.Set(key, core.Failed(core.NewKeyError(core.CodeGeneric, "%v", err)))
		case n == 0:
			res.Set(key, core.Failed(core.NewKeyError(core.CodeKeyMissing, "key not found")))
		default:
			res.Set(key, core.Succeeded(core.CAS(0)))
		}
	}

	r.logger.DebugContext(ctx, "remove batch executed", "keys", len(keys))
	return res, nil
}

// exec runs the pipeline. Redis reply errors stay on their commands and are
// reported per key; anything else (I/O, context) fails the whole batch.
func (r *RedisBackend) exec(ctx context.Context, pipe redis.Pipeliner) error {
	if pipe.Len() == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return nil
	}
	r.logger.ErrorContext(ctx, "pipeline failed", "error", err)
	return err
}

// scriptOutcome converts a script reply: -1 means the precondition failed.
func scriptOutcome(cmd *redis.Cmd, conflict core.ErrorCode) core.KeyOutcome {
	cas, err := cmd.Int64()
	if err != nil {
		return core.Failed(core.NewKeyError(core.CodeGeneric, "%v", err))
	}
	if cas < 0 {
		if conflict == core.CodeKeyExists {
			return core.Failed(core.NewKeyError(conflict, "key already exists"))
		}
		return core.Failed(core.NewKeyError(conflict, "key not found"))
	}
	return core.Succeeded(core.CAS(cas))
}

// Get returns the stored JSON value and CAS of key.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, core.CAS, error) {
	if r.closed.Load() {
		return nil, 0, ErrBackendClosed
	}
	vals, err := r.client.HMGet(ctx, r.docKey(key), "v", "c").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, fmt.Errorf("key not found: %s", key)
	}
	value, _ := vals[0].(string)
	var cas uint64
	if s, ok := vals[1].(string); ok {
		cas, _ = strconv.ParseUint(s, 10, 64)
	}
	return []byte(value), core.CAS(cas), nil
}

// ListPush adds a value to the end of a list (RPUSH).
func (r *RedisBackend) ListPush(ctx context.Context, key string, value []byte) error {
	if r.closed.Load() {
		return ErrBackendClosed
	}
	return r.client.RPush(ctx, key, value).Err()
}

// ListPop removes and returns the first element from a list (LPOP).
func (r *RedisBackend) ListPop(ctx context.Context, key string) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrBackendClosed
	}
	val, err := r.client.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// ListLength returns the length of a list (LLEN).
func (r *RedisBackend) ListLength(ctx context.Context, key string) (int64, error) {
	if r.closed.Load() {
		return 0, ErrBackendClosed
	}
	return r.client.LLen(ctx, key).Result()
}

// Close closes the connection pool.
func (r *RedisBackend) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}

// RedisBackendFactory creates Redis backends.
type RedisBackendFactory struct{}

// Type returns the type identifier for this factory.
func (f *RedisBackendFactory) Type() string {
	return "redis"
}

// Create creates a new Redis backend from cfg.
func (f *RedisBackendFactory) Create(ctx context.Context, cfg registry.BackendConfig, logger *slog.Logger) (core.ClosableBackend, error) {
	backend, err := NewRedisBackend(RedisOptions{
		Endpoints:    cfg.Redis.Endpoints,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		KeyPrefix:    cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis backend: %w", err)
	}
	return backend, nil
}

// RedisConfigValidator validates the redis section of the configuration.
type RedisConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *RedisConfigValidator) Type() string {
	return "redis"
}

// Validate validates the Redis-specific configuration.
func (v *RedisConfigValidator) Validate(config *registry.Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	redisConfig := config.Backend.Redis
	if len(redisConfig.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required for Redis")
	}
	if redisConfig.DB < 0 || redisConfig.DB > 15 {
		return fmt.Errorf("Redis DB must be between 0 and 15, got: %d", redisConfig.DB)
	}
	if redisConfig.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0, got: %d", redisConfig.PoolSize)
	}
	if redisConfig.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns must be non-negative, got: %d", redisConfig.MinIdleConns)
	}
	return validateTimeouts(config.Backend)
}

// validateTimeouts checks the timeouts shared by all network backends.
func validateTimeouts(cfg registry.BackendConfig) error {
	if cfg.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be greater than 0, got: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be greater than 0, got: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be greater than 0, got: %v", cfg.WriteTimeout)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got: %d", cfg.MaxRetries)
	}
	return nil
}

func init() {
	RegisterFactory(&RedisBackendFactory{})
	registry.RegisterValidator(&RedisConfigValidator{})
}

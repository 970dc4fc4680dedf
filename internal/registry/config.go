package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigValidator is the Strategy interface for validating configuration.
// Each backend provides its own validator for its section of BackendConfig.
type ConfigValidator interface {
	// Validate validates the backend-specific part of config.
	Validate(config *Config) error

	// Type returns the type identifier for this validator (e.g., "redis", "dynamodb").
	Type() string
}

var (
	// validatorRegistry stores all registered config validators.
	validatorRegistry = make(map[string]ConfigValidator)

	// validatorRegistryMutex protects the validator registry from concurrent access.
	validatorRegistryMutex sync.RWMutex
)

// RegisterValidator registers a config validator. Backends call it from init().
// Panics if validator is nil, type is empty, or type is already registered.
func RegisterValidator(validator ConfigValidator) {
	if validator == nil {
		panic("validator cannot be nil")
	}
	if validator.Type() == "" {
		panic("validator type cannot be empty")
	}

	validatorRegistryMutex.Lock()
	defer validatorRegistryMutex.Unlock()

	if _, exists := validatorRegistry[validator.Type()]; exists {
		panic(fmt.Sprintf("validator for type %q is already registered", validator.Type()))
	}

	validatorRegistry[validator.Type()] = validator
}

// GetValidator retrieves a validator by type.
func GetValidator(validatorType string) (ConfigValidator, bool) {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()

	validator, exists := validatorRegistry[validatorType]
	return validator, exists
}

// Journal types accepted in JournalConfig.Type.
const (
	JournalNone   = "none"
	JournalMemory = "memory"
	JournalRedis  = "redis"
	JournalKafka  = "kafka"
)

// ConfigManager handles loading and managing configuration from various sources.
type ConfigManager struct {
	config *Config
}

// NewConfigManager creates a new configuration manager with default configuration.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config: DefaultConfig(),
	}
}

// DefaultConfig returns a configuration that runs against the in-memory
// backend with no journal.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Type: "memory",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				PoolSize:     10,
				MinIdleConns: 2,
				KeyPrefix:    "doc",
			},
			DynamoDB: DynamoDBConfig{
				Region: "us-east-1",
				Burst:  1,
			},
			MySQL: MySQLConfig{
				Host:              "localhost",
				Port:              3306,
				Table:             "documents",
				MaxOpenConns:      25,
				MaxIdleConns:      5,
				ConnMaxLifetime:   5 * time.Minute,
				ConnMaxIdleTime:   10 * time.Minute,
				ConnectionTimeout: 10 * time.Second,
			},
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Journal: JournalConfig{
			Type:        JournalNone,
			BufferSize:  10000,
			RedisPrefix: "mj",
			Redis: RedisConfig{
				Endpoints: []string{"localhost:6379"},
			},
			Kafka: KafkaConfig{
				Brokers:         []string{"localhost:9092"},
				Topic:           "docbatch-mutations",
				GroupID:         "docbatch-journal",
				BatchSize:       100,
				BatchTimeout:    10 * time.Millisecond,
				WriteTimeout:    10 * time.Second,
				ReadTimeout:     5 * time.Second,
				RequiredAcks:    -1,
				MaxMessageBytes: 1000000,
				MinBytes:        1,
				MaxBytes:        10 * 1024 * 1024,
				MaxWait:         100 * time.Millisecond,
			},
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    16 << 20,
		},
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
// The file format is determined by the file extension (.yaml, .yml, or .json).
func (cm *ConfigManager) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		return cm.LoadFromYAML(data)
	case ".json":
		return cm.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML loads configuration from YAML data on top of the defaults.
func (cm *ConfigManager) LoadFromYAML(data []byte) error {
	config := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	return cm.apply(config)
}

// LoadFromJSON loads configuration from JSON data on top of the defaults.
// Durations are given in nanoseconds.
func (cm *ConfigManager) LoadFromJSON(data []byte) error {
	config := DefaultConfig()
	if len(data) > 0 {
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	return cm.apply(config)
}

// LoadFromEnv overlays environment variables on the current configuration.
// Variables follow the pattern DOCBATCH_<SECTION>_<KEY>, for example:
//   - DOCBATCH_BACKEND_TYPE=redis
//   - DOCBATCH_BACKEND_REDIS_ENDPOINTS=localhost:6379,localhost:6380
//   - DOCBATCH_BACKEND_MYSQL_PORT=3306
//   - DOCBATCH_JOURNAL_TYPE=kafka
//   - DOCBATCH_SERVER_LISTEN_ADDR=:9090
//
// Malformed numeric or duration values are reported as errors.
func (cm *ConfigManager) LoadFromEnv() error {
	copied := *cm.config
	config := &copied
	env := envReader{}

	// Backend
	env.str("DOCBATCH_BACKEND_TYPE", &config.Backend.Type)
	env.int("DOCBATCH_BACKEND_MAX_RETRIES", &config.Backend.MaxRetries)
	env.duration("DOCBATCH_BACKEND_DIAL_TIMEOUT", &config.Backend.DialTimeout)
	env.duration("DOCBATCH_BACKEND_READ_TIMEOUT", &config.Backend.ReadTimeout)
	env.duration("DOCBATCH_BACKEND_WRITE_TIMEOUT", &config.Backend.WriteTimeout)

	env.list("DOCBATCH_BACKEND_REDIS_ENDPOINTS", &config.Backend.Redis.Endpoints)
	env.str("DOCBATCH_BACKEND_REDIS_PASSWORD", &config.Backend.Redis.Password)
	env.int("DOCBATCH_BACKEND_REDIS_DB", &config.Backend.Redis.DB)
	env.int("DOCBATCH_BACKEND_REDIS_POOL_SIZE", &config.Backend.Redis.PoolSize)
	env.str("DOCBATCH_BACKEND_REDIS_KEY_PREFIX", &config.Backend.Redis.KeyPrefix)

	env.str("DOCBATCH_BACKEND_DYNAMODB_REGION", &config.Backend.DynamoDB.Region)
	env.str("DOCBATCH_BACKEND_DYNAMODB_TABLE_NAME", &config.Backend.DynamoDB.TableName)
	env.str("DOCBATCH_BACKEND_DYNAMODB_ENDPOINT", &config.Backend.DynamoDB.Endpoint)
	env.str("DOCBATCH_BACKEND_DYNAMODB_ACCESS_KEY_ID", &config.Backend.DynamoDB.AccessKeyID)
	env.str("DOCBATCH_BACKEND_DYNAMODB_SECRET_ACCESS_KEY", &config.Backend.DynamoDB.SecretAccessKey)
	env.float("DOCBATCH_BACKEND_DYNAMODB_REQUESTS_PER_SECOND", &config.Backend.DynamoDB.RequestsPerSecond)
	env.int("DOCBATCH_BACKEND_DYNAMODB_BURST", &config.Backend.DynamoDB.Burst)

	env.str("DOCBATCH_BACKEND_MYSQL_HOST", &config.Backend.MySQL.Host)
	env.int("DOCBATCH_BACKEND_MYSQL_PORT", &config.Backend.MySQL.Port)
	env.str("DOCBATCH_BACKEND_MYSQL_DATABASE", &config.Backend.MySQL.Database)
	env.str("DOCBATCH_BACKEND_MYSQL_USERNAME", &config.Backend.MySQL.Username)
	env.str("DOCBATCH_BACKEND_MYSQL_PASSWORD", &config.Backend.MySQL.Password)
	env.str("DOCBATCH_BACKEND_MYSQL_TABLE", &config.Backend.MySQL.Table)
	env.bool("DOCBATCH_BACKEND_MYSQL_CREATE_TABLE", &config.Backend.MySQL.CreateTable)
	env.int("DOCBATCH_BACKEND_MYSQL_MAX_OPEN_CONNS", &config.Backend.MySQL.MaxOpenConns)
	env.int("DOCBATCH_BACKEND_MYSQL_MAX_IDLE_CONNS", &config.Backend.MySQL.MaxIdleConns)

	// Journal
	env.str("DOCBATCH_JOURNAL_TYPE", &config.Journal.Type)
	env.int("DOCBATCH_JOURNAL_BUFFER_SIZE", &config.Journal.BufferSize)
	env.str("DOCBATCH_JOURNAL_REDIS_PREFIX", &config.Journal.RedisPrefix)
	env.list("DOCBATCH_JOURNAL_REDIS_ENDPOINTS", &config.Journal.Redis.Endpoints)
	env.list("DOCBATCH_JOURNAL_KAFKA_BROKERS", &config.Journal.Kafka.Brokers)
	env.str("DOCBATCH_JOURNAL_KAFKA_TOPIC", &config.Journal.Kafka.Topic)
	env.str("DOCBATCH_JOURNAL_KAFKA_GROUP_ID", &config.Journal.Kafka.GroupID)

	// Server
	env.str("DOCBATCH_SERVER_LISTEN_ADDR", &config.Server.ListenAddr)
	env.duration("DOCBATCH_SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	env.str("DOCBATCH_LOG_LEVEL", &config.LogLevel)

	if env.err != nil {
		return env.err
	}
	return cm.apply(config)
}

// GetConfig returns the current configuration.
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config
}

func (cm *ConfigManager) apply(config *Config) error {
	if err := cm.validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cm.config = config
	return nil
}

// validateConfig validates the configuration and returns an error if invalid.
// Backend sections are checked by the validator registered for the backend type.
func (cm *ConfigManager) validateConfig(config *Config) error {
	if config.Backend.Type == "" {
		return fmt.Errorf("backend.type is required")
	}

	validator, exists := GetValidator(config.Backend.Type)
	if !exists {
		return fmt.Errorf("unsupported backend type: %s", config.Backend.Type)
	}
	if err := validator.Validate(config); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}

	switch config.Journal.Type {
	case "", JournalNone:
	case JournalMemory:
		if config.Journal.BufferSize <= 0 {
			return fmt.Errorf("journal.buffer_size must be greater than 0")
		}
	case JournalRedis:
		if len(config.Journal.Redis.Endpoints) == 0 {
			return fmt.Errorf("journal.redis.endpoints is required when journal.type is 'redis'")
		}
	case JournalKafka:
		if len(config.Journal.Kafka.Brokers) == 0 {
			return fmt.Errorf("journal.kafka.brokers is required when journal.type is 'kafka'")
		}
		if config.Journal.Kafka.Topic == "" {
			return fmt.Errorf("journal.kafka.topic is required when journal.type is 'kafka'")
		}
	default:
		return fmt.Errorf("journal.type must be 'none', 'memory', 'redis', or 'kafka'")
	}

	if config.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if config.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be non-negative")
	}

	switch strings.ToLower(config.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	return nil
}

// envReader copies set environment variables into config fields and keeps
// the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(name)
	if !ok || val == "" || e.err != nil {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(name, val string, err error) {
	e.err = fmt.Errorf("invalid value %q for %s: %w", val, name, err)
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) list(name string, dst *[]string) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) int(name string, dst *int) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.fail(name, val, err)
		return
	}
	*dst = n
}

func (e *envReader) float(name string, dst *float64) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		e.fail(name, val, err)
		return
	}
	*dst = f
}

func (e *envReader) bool(name string, dst *bool) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.fail(name, val, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.fail(name, val, err)
		return
	}
	*dst = d
}

package registry

import (
	"time"
)

// Config is the root configuration of a docbatch deployment.
type Config struct {
	// Backend selects and configures the key-value backend.
	Backend BackendConfig `yaml:"backend" json:"backend"`

	// Journal configures where reconciled mutations are recorded.
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Server configures the HTTP front end.
	Server ServerConfig `yaml:"server" json:"server"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// BackendConfig contains configuration for the key-value backend.
// Supports multiple backends through a plugin-based architecture.
type BackendConfig struct {
	// Type selects the backend: "memory", "redis", "dynamodb" or "mysql".
	Type         string         `yaml:"type" json:"type"`
	Redis        RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	DynamoDB     DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`
	MySQL        MySQLConfig    `yaml:"mysql,omitempty" json:"mysql,omitempty"`
	MaxRetries   int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	DialTimeout  time.Duration  `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration  `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration  `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Endpoints    []string `yaml:"endpoints" json:"endpoints"`
	Password     string   `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int      `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize     int      `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	MinIdleConns int      `yaml:"min_idle_conns,omitempty" json:"min_idle_conns,omitempty"`

	// KeyPrefix namespaces document keys, e.g. "doc" gives "doc:<key>".
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

// DynamoDBConfig contains DynamoDB-specific configuration.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`

	// RequestsPerSecond caps the item requests sent to DynamoDB. Zero disables the cap.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`

	// Burst is the limiter bucket size; defaults to 1.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// MySQLConfig contains configuration for the MySQL backend.
type MySQLConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Database          string        `yaml:"database" json:"database"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password,omitempty" json:"password,omitempty"`
	Table             string        `yaml:"table,omitempty" json:"table,omitempty"`
	CreateTable       bool          `yaml:"create_table,omitempty" json:"create_table,omitempty"`
	MaxOpenConns      int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns      int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time,omitempty" json:"conn_max_idle_time,omitempty"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`
}

// JournalConfig contains configuration for the mutation journal.
type JournalConfig struct {
	// Type selects the journal: "none", "memory", "redis" or "kafka".
	Type string `yaml:"type" json:"type"`

	// BufferSize is the capacity of the memory journal.
	BufferSize int `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`

	// RedisPrefix namespaces the Redis journal lists.
	RedisPrefix string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`

	// Redis is the connection used by the Redis journal.
	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// Kafka configures the Kafka journal.
	Kafka KafkaConfig `yaml:"kafka,omitempty" json:"kafka,omitempty"`
}

// KafkaConfig contains Kafka-specific configuration.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers" json:"brokers"`
	Topic           string        `yaml:"topic" json:"topic"`
	GroupID         string        `yaml:"group_id" json:"group_id"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	RequiredAcks    int           `yaml:"required_acks" json:"required_acks"`
	MaxMessageBytes int           `yaml:"max_message_bytes" json:"max_message_bytes"`
	MinBytes        int           `yaml:"min_bytes" json:"min_bytes"`
	MaxBytes        int           `yaml:"max_bytes" json:"max_bytes"`
	MaxWait         time.Duration `yaml:"max_wait" json:"max_wait"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty" json:"max_body_bytes,omitempty"`
}

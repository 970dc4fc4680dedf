package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubValidator stands in for the backend validators, which live in kvstore.
type stubValidator struct {
	kind string
	err  error
}

func (v *stubValidator) Type() string { return v.kind }

func (v *stubValidator) Validate(config *Config) error { return v.err }

func init() {
	RegisterValidator(&stubValidator{kind: "memory"})
	RegisterValidator(&stubValidator{kind: "broken", err: errors.New("always invalid")})
}

func TestRegisterValidatorPanics(t *testing.T) {
	assert.Panics(t, func() { RegisterValidator(nil) })
	assert.Panics(t, func() { RegisterValidator(&stubValidator{}) })
	assert.Panics(t, func() { RegisterValidator(&stubValidator{kind: "memory"}) })

	v, ok := GetValidator("memory")
	require.True(t, ok)
	assert.Equal(t, "memory", v.Type())
	_, ok = GetValidator("nope")
	assert.False(t, ok)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cm := NewConfigManager()
	require.NoError(t, cm.validateConfig(cm.GetConfig()))
	assert.Equal(t, "memory", cm.GetConfig().Backend.Type)
	assert.Equal(t, JournalNone, cm.GetConfig().Journal.Type)
}

func TestLoadFromYAML(t *testing.T) {
	cm := NewConfigManager()
	err := cm.LoadFromYAML([]byte(`
backend:
  type: memory
  read_timeout: 2s
  redis:
    endpoints: ["redis-1:6379", "redis-2:6379"]
journal:
  type: kafka
  kafka:
    brokers: ["kafka:9092"]
    topic: mutations
server:
  listen_addr: ":9090"
log_level: debug
`))
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, 2*time.Second, cfg.Backend.ReadTimeout)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.Backend.Redis.Endpoints)
	assert.Equal(t, "kafka", cfg.Journal.Type)
	assert.Equal(t, "mutations", cfg.Journal.Kafka.Topic)
	assert.Equal(t, "docbatch-journal", cfg.Journal.Kafka.GroupID, "unset fields keep their defaults")
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromJSON(t *testing.T) {
	cm := NewConfigManager()
	require.NoError(t, cm.LoadFromJSON([]byte(`{"journal": {"type": "memory", "buffer_size": 5}}`)))
	assert.Equal(t, 5, cm.GetConfig().Journal.BufferSize)

	assert.Error(t, cm.LoadFromJSON([]byte(`{"journal": `)))
	assert.Equal(t, 5, cm.GetConfig().Journal.BufferSize, "a failed load keeps the previous config")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty backend type", func(c *Config) { c.Backend.Type = "" }},
		{"unknown backend type", func(c *Config) { c.Backend.Type = "couchbase" }},
		{"backend validator fails", func(c *Config) { c.Backend.Type = "broken" }},
		{"unknown journal", func(c *Config) { c.Journal.Type = "nats" }},
		{"memory journal without buffer", func(c *Config) { c.Journal.Type = JournalMemory; c.Journal.BufferSize = 0 }},
		{"redis journal without endpoints", func(c *Config) { c.Journal.Type = JournalRedis; c.Journal.Redis.Endpoints = nil }},
		{"kafka journal without brokers", func(c *Config) { c.Journal.Type = JournalKafka; c.Journal.Kafka.Brokers = nil }},
		{"kafka journal without topic", func(c *Config) { c.Journal.Type = JournalKafka; c.Journal.Kafka.Topic = "" }},
		{"no listen address", func(c *Config) { c.Server.ListenAddr = "" }},
		{"negative shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = -time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	cm := NewConfigManager()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cm.validateConfig(cfg))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "docbatch.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("server:\n  listen_addr: \":7000\"\n"), 0o600))
	cm := NewConfigManager()
	require.NoError(t, cm.LoadFromFile(yamlPath))
	assert.Equal(t, ":7000", cm.GetConfig().Server.ListenAddr)

	tomlPath := filepath.Join(dir, "docbatch.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(""), 0o600))
	assert.ErrorContains(t, cm.LoadFromFile(tomlPath), "unsupported config file format")

	assert.Error(t, cm.LoadFromFile(filepath.Join(dir, "missing.yaml")))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DOCBATCH_BACKEND_REDIS_ENDPOINTS", "a:1, b:2,")
	t.Setenv("DOCBATCH_BACKEND_DYNAMODB_REQUESTS_PER_SECOND", "12.5")
	t.Setenv("DOCBATCH_BACKEND_MYSQL_CREATE_TABLE", "true")
	t.Setenv("DOCBATCH_BACKEND_READ_TIMEOUT", "750ms")
	t.Setenv("DOCBATCH_JOURNAL_TYPE", "memory")
	t.Setenv("DOCBATCH_JOURNAL_BUFFER_SIZE", "42")
	t.Setenv("DOCBATCH_SERVER_LISTEN_ADDR", ":9999")

	cm := NewConfigManager()
	require.NoError(t, cm.LoadFromYAML([]byte("log_level: warn\n")))
	require.NoError(t, cm.LoadFromEnv())

	cfg := cm.GetConfig()
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Backend.Redis.Endpoints)
	assert.Equal(t, 12.5, cfg.Backend.DynamoDB.RequestsPerSecond)
	assert.True(t, cfg.Backend.MySQL.CreateTable)
	assert.Equal(t, 750*time.Millisecond, cfg.Backend.ReadTimeout)
	assert.Equal(t, JournalMemory, cfg.Journal.Type)
	assert.Equal(t, 42, cfg.Journal.BufferSize)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel, "environment overlays the loaded file")
}

func TestLoadFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("DOCBATCH_BACKEND_REDIS_DB", "zero")

	cm := NewConfigManager()
	err := cm.LoadFromEnv()
	assert.ErrorContains(t, err, "DOCBATCH_BACKEND_REDIS_DB")
	assert.Equal(t, 0, cm.GetConfig().Backend.Redis.DB)
}

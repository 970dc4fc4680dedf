package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/kvstore"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// New builds the journal selected by cfg.Type. It returns a nil journal for
// type "none" or an empty type.
func New(ctx context.Context, cfg registry.JournalConfig, backend registry.BackendConfig, logger *slog.Logger) (core.MutationJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", registry.JournalNone:
		return nil, nil

	case registry.JournalMemory:
		return NewMemoryJournal(cfg.BufferSize), nil

	case registry.JournalRedis:
		client, err := kvstore.NewRedisBackend(kvstore.RedisOptions{
			Endpoints:    cfg.Redis.Endpoints,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   backend.MaxRetries,
			DialTimeout:  backend.DialTimeout,
			ReadTimeout:  backend.ReadTimeout,
			WriteTimeout: backend.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis journal: %w", err)
		}
		return &ownedRedisJournal{
			RedisJournal: NewRedisJournal(client, cfg.RedisPrefix, logger),
			client:       client,
		}, nil

	case registry.JournalKafka:
		k := cfg.Kafka
		kj, err := NewKafkaJournal(KafkaJournalConfig{
			Brokers:         k.Brokers,
			Topic:           k.Topic,
			GroupID:         k.GroupID,
			BatchSize:       k.BatchSize,
			BatchTimeout:    k.BatchTimeout,
			WriteTimeout:    k.WriteTimeout,
			ReadTimeout:     k.ReadTimeout,
			RequiredAcks:    k.RequiredAcks,
			MaxMessageBytes: k.MaxMessageBytes,
			MinBytes:        k.MinBytes,
			MaxBytes:        k.MaxBytes,
			MaxWait:         k.MaxWait,
		}, logger)
		if err != nil {
			return nil, err
		}
		return kj, nil

	default:
		return nil, fmt.Errorf("unsupported journal type: %s", cfg.Type)
	}
}

// ownedRedisJournal closes the connection it was built with.
type ownedRedisJournal struct {
	*RedisJournal
	client *kvstore.RedisBackend
}

func (j *ownedRedisJournal) Close() error {
	if err := j.RedisJournal.Close(); err != nil {
		return err
	}
	return j.client.Close()
}

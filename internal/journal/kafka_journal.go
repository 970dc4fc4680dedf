package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rzpsarthak13/docbatch/internal/core"
)

// ErrKafkaJournalClosed is returned when using a closed Kafka journal.
var ErrKafkaJournalClosed = errors.New("kafka journal is closed")

// messageWriter is the part of *kafka.Writer the journal uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of *kafka.Reader the journal uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaJournal implements MutationJournal on a Kafka topic. Events are keyed
// by mutation kind so that each kind stays ordered within its partition.
type KafkaJournal struct {
	writer messageWriter
	reader messageReader
	topic  string
	logger *slog.Logger

	// readTimeout bounds how long Dequeue waits for each message.
	readTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	size   int // approximate; Kafka has no exact queue length
}

// KafkaJournalConfig holds configuration for the Kafka journal.
type KafkaJournalConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	BatchSize       int
	BatchTimeout    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	RequiredAcks    int // 0, 1, or -1 (all)
	MaxMessageBytes int
	MinBytes        int
	MaxBytes        int
	MaxWait         time.Duration
}

// NewKafkaJournal creates a Kafka writer and consumer-group reader for cfg.
func NewKafkaJournal(cfg KafkaJournalConfig, logger *slog.Logger) (*KafkaJournal, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "docbatch-journal"
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BatchBytes:   int64(cfg.MaxMessageBytes),
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	logger = logger.With("journal", "kafka", "topic", cfg.Topic)
	logger.Info("kafka journal initialized", "brokers", cfg.Brokers, "group_id", cfg.GroupID)

	return newKafkaJournal(writer, reader, cfg.Topic, cfg.ReadTimeout, logger), nil
}

func newKafkaJournal(w messageWriter, r messageReader, topic string, readTimeout time.Duration, logger *slog.Logger) *KafkaJournal {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &KafkaJournal{
		writer:      w,
		reader:      r,
		topic:       topic,
		logger:      logger,
		readTimeout: readTimeout,
	}
}

// Enqueue produces the event to the topic.
func (j *KafkaJournal) Enqueue(ctx context.Context, event *core.MutationEvent) error {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return ErrKafkaJournalClosed
	}
	if event == nil {
		return ErrInvalidEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.Kind),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}

	start := time.Now()
	if err := j.writer.WriteMessages(ctx, message); err != nil {
		j.logger.Error("failed to produce mutation event", "error", err, "duration", time.Since(start))
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	j.mu.Lock()
	j.size++
	j.mu.Unlock()

	j.logger.Debug("produced mutation event", "kind", string(event.Kind), "bytes", len(data), "duration", time.Since(start))
	return nil
}

// Dequeue consumes up to batchSize events. It stops early when no message
// arrives within the read timeout.
func (j *KafkaJournal) Dequeue(ctx context.Context, batchSize int) ([]*core.MutationEvent, error) {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return nil, ErrKafkaJournalClosed
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	events := make([]*core.MutationEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		readCtx, cancel := context.WithTimeout(ctx, j.readTimeout)
		message, err := j.reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			j.logger.Error("failed to read mutation event", "error", err)
			break
		}

		var event core.MutationEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			j.logger.Warn("skipping undecodable mutation event",
				"partition", message.Partition, "offset", message.Offset, "error", err)
			continue
		}
		events = append(events, &event)
	}

	if len(events) > 0 {
		j.mu.Lock()
		if j.size >= len(events) {
			j.size -= len(events)
		} else {
			j.size = 0
		}
		j.mu.Unlock()
	}

	return events, nil
}

// Size returns the approximate number of events produced but not consumed
// by this process.
func (j *KafkaJournal) Size() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.size
}

// Close closes the writer and the reader.
func (j *KafkaJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.writer.Close(); err != nil {
		j.logger.Error("failed to close writer", "error", err)
	}
	if err := j.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}

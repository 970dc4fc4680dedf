package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rzpsarthak13/docbatch/internal/core"
)

var (
	// ErrJournalClosed is returned when using a closed journal.
	ErrJournalClosed = errors.New("mutation journal is closed")

	// ErrInvalidEvent is returned when a nil or malformed event is enqueued.
	ErrInvalidEvent = errors.New("invalid mutation event")
)

// RedisJournal implements MutationJournal on top of a single Redis list
// drained in FIFO order.
type RedisJournal struct {
	ops    ListOperations
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisJournal creates a Redis-list journal. prefix namespaces the list
// keys (e.g. "mj").
func NewRedisJournal(ops ListOperations, prefix string, logger *slog.Logger) *RedisJournal {
	if prefix == "" {
		prefix = "mj"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisJournal{
		ops:    ops,
		prefix: prefix,
		logger: logger.With("journal", "redis"),
	}
}

// listKey returns the list key holding every event.
func (j *RedisJournal) listKey() string {
	return j.prefix + ":events"
}

func (j *RedisJournal) isClosed() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.closed
}

// Enqueue serializes the event as JSON and pushes it to Redis.
func (j *RedisJournal) Enqueue(ctx context.Context, event *core.MutationEvent) error {
	if j.isClosed() {
		return ErrJournalClosed
	}
	if event == nil {
		return ErrInvalidEvent
	}
	if event.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation event: %w", err)
	}

	if err := j.ops.ListPush(ctx, j.listKey(), data); err != nil {
		return fmt.Errorf("failed to enqueue mutation event: %w", err)
	}
	return nil
}

// Dequeue pops up to batchSize events in FIFO order.
// Entries that cannot be decoded are skipped.
func (j *RedisJournal) Dequeue(ctx context.Context, batchSize int) ([]*core.MutationEvent, error) {
	if j.isClosed() {
		return nil, ErrJournalClosed
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	events := make([]*core.MutationEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		data, err := j.ops.ListPop(ctx, j.listKey())
		if err != nil {
			return events, fmt.Errorf("failed to pop mutation event: %w", err)
		}
		if data == nil {
			break
		}

		var event core.MutationEvent
		if err := json.Unmarshal(data, &event); err != nil {
			j.logger.Warn("skipping undecodable journal entry", "error", err)
			continue
		}
		events = append(events, &event)
	}

	return events, nil
}

// Size returns the length of the list, or 0 if it cannot be read.
func (j *RedisJournal) Size() int {
	if j.isClosed() {
		return 0
	}

	length, err := j.ops.ListLength(context.Background(), j.listKey())
	if err != nil {
		return 0
	}
	return int(length)
}

// Close marks the journal closed. The underlying client is owned by the caller.
func (j *RedisJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

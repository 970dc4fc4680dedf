package journal

import (
	"context"
	"errors"
	"sync"

	"github.com/rzpsarthak13/docbatch/internal/core"
)

var (
	// ErrMemoryJournalClosed is returned when enqueuing to a closed memory journal.
	ErrMemoryJournalClosed = errors.New("memory journal is closed")

	// ErrMemoryJournalFull is returned when the buffer has no free slot.
	ErrMemoryJournalFull = errors.New("memory journal is full")
)

// MemoryJournal implements MutationJournal with a buffered channel.
// Events are lost on restart; useful for tests and single-process setups.
type MemoryJournal struct {
	events chan *core.MutationEvent
	mu     sync.RWMutex
	closed bool
}

// NewMemoryJournal creates a journal that buffers up to bufferSize events.
func NewMemoryJournal(bufferSize int) *MemoryJournal {
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	return &MemoryJournal{
		events: make(chan *core.MutationEvent, bufferSize),
	}
}

// Enqueue adds an event without blocking. A full buffer is an error.
func (j *MemoryJournal) Enqueue(ctx context.Context, event *core.MutationEvent) error {
	if event == nil {
		return ErrInvalidEvent
	}

	// Holding the read lock keeps Close from closing the channel mid-send.
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrMemoryJournalClosed
	}

	select {
	case j.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrMemoryJournalFull
	}
}

// Dequeue returns up to batchSize buffered events in FIFO order.
func (j *MemoryJournal) Dequeue(ctx context.Context, batchSize int) ([]*core.MutationEvent, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	events := make([]*core.MutationEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		select {
		case event, ok := <-j.events:
			if !ok {
				return events, nil
			}
			events = append(events, event)
		case <-ctx.Done():
			return events, ctx.Err()
		default:
			return events, nil
		}
	}

	return events, nil
}

// Size returns the number of buffered events.
func (j *MemoryJournal) Size() int {
	return len(j.events)
}

// Close stops further enqueuing. Buffered events can still be dequeued.
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	j.closed = true
	close(j.events)
	return nil
}

package core

import (
	"context"
	"time"
)

// MutationKind names the batch operation that produced a MutationEvent.
type MutationKind string

const (
	// MutationInsert is an insert batch.
	MutationInsert MutationKind = "INSERT"

	// MutationTouch is a touch batch.
	MutationTouch MutationKind = "TOUCH"

	// MutationRemove is a remove batch.
	MutationRemove MutationKind = "REMOVE"
)

// MutationEvent records the reconciled outcome of one batch call.
type MutationEvent struct {
	// Kind is the operation that was executed.
	Kind MutationKind `json:"kind"`

	// Succeeded lists the keys that the caller should treat as applied.
	Succeeded []string `json:"succeeded"`

	// Failed lists the keys that were not applied.
	Failed []string `json:"failed"`

	// Expiry is the expiry in seconds sent with the batch, if any.
	Expiry int64 `json:"expiry,omitempty"`

	// Timestamp is when the batch completed.
	Timestamp time.Time `json:"timestamp"`
}

// MutationJournal stores mutation events so that other processes can follow
// what was written through the adapter.
type MutationJournal interface {
	// Enqueue appends an event to the journal.
	Enqueue(ctx context.Context, event *MutationEvent) error

	// Dequeue removes and returns up to batchSize events in FIFO order.
	// Returns an empty slice if no events are available.
	Dequeue(ctx context.Context, batchSize int) ([]*MutationEvent, error)

	// Size returns the approximate number of buffered events.
	Size() int

	// Close releases resources held by the journal.
	Close() error
}

package journal

import (
	"context"
)

// ListOperations is the subset of Redis list commands the Redis journal
// needs. The Redis backend implements it on its own client.
type ListOperations interface {
	// ListPush adds a value to the end of a list (RPUSH).
	ListPush(ctx context.Context, key string, value []byte) error

	// ListPop removes and returns the first element from a list (LPOP).
	// Returns nil if the list is empty.
	ListPop(ctx context.Context, key string) ([]byte, error)

	// ListLength returns the length of a list (LLEN).
	ListLength(ctx context.Context, key string) (int64, error)
}

package result

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Store is an ordered integer-keyed persistent mapping of result keys to
// records. Keys are assigned by the coordinator, not by the store. Records
// are append-only from the coordinator's point of view; Set overwrites only
// in tests that age a receipt.
type Store interface {
	Get(ctx context.Context, key int64) (*Record, error)
	Set(ctx context.Context, key int64, record *Record) error

	// Keys returns all stored keys in ascending order.
	Keys(ctx context.Context) ([]int64, error)

	// Sync flushes pending writes to durable storage. Implementations whose
	// writes are durable on return may make it a no-op.
	Sync(ctx context.Context) error

	Close() error
}

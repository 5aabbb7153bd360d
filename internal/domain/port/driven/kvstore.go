// Package driven declares the ports the application drives: persistence,
// the sync relay and event delivery.
package driven

import (
	"context"
	"errors"
	"fmt"
)

// ErrStorageUnavailable is wrapped by KVStore adapters when the backing
// store cannot be reached or fails an I/O operation.
var ErrStorageUnavailable = errors.New("storage unavailable")

// StorageError marks err as ErrStorageUnavailable. Context cancellation and
// deadline errors are returned unmarked: the caller gave up, the store did not.
func StorageError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// KVStore defines the driven port for key-value document persistence.
// Values are opaque bytes; callers own the encoding.
type KVStore interface {
	// Get returns the value stored under key, or (nil, nil) if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores or replaces the value under key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Package fallback chains two KVStores: the secondary serves any operation
// for which the primary reports driven.ErrStorageUnavailable. A cancelled or
// expired caller context never fails over.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KVStore = (*Store)(nil)

// Store is a failover KVStore. Writes that fail over are not replayed onto
// the primary once it recovers.
type Store struct {
	primary   driven.KVStore
	secondary driven.KVStore
}

// New returns a Store that prefers primary.
func New(primary, secondary driven.KVStore) *Store {
	return &Store{primary: primary, secondary: secondary}
}

// Get reads from the primary, falling back on unavailability.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.primary.Get(ctx, key)
	if !unavailable(ctx, err) {
		return val, err
	}
	logFailover("get", key, err)

	val, err = s.secondary.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fallback get %q: %w", key, err)
	}
	return val, nil
}

// Set writes to the primary, falling back on unavailability.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	err := s.primary.Set(ctx, key, value)
	if !unavailable(ctx, err) {
		return err
	}
	logFailover("set", key, err)

	if err := s.secondary.Set(ctx, key, value); err != nil {
		return fmt.Errorf("fallback set %q: %w", key, err)
	}
	return nil
}

// Remove deletes from the primary, falling back on unavailability.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.primary.Remove(ctx, key)
	if !unavailable(ctx, err) {
		return err
	}
	logFailover("remove", key, err)

	if err := s.secondary.Remove(ctx, key); err != nil {
		return fmt.Errorf("fallback remove %q: %w", key, err)
	}
	return nil
}

// Keys lists from the primary, falling back on unavailability.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.primary.Keys(ctx, prefix)
	if !unavailable(ctx, err) {
		return keys, err
	}
	logFailover("keys", prefix, err)

	keys, err = s.secondary.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("fallback keys %q: %w", prefix, err)
	}
	return keys, nil
}

func unavailable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, driven.ErrStorageUnavailable)
}

func logFailover(op, key string, err error) {
	slog.Warn("primary storage unavailable, using fallback", "op", op, "key", key, "error", err)
}

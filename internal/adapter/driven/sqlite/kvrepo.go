package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KVStore = (*KVRepo)(nil)

// KVRepo is the SQLite implementation of the KVStore port. Every database
// failure except context cancellation is reported as
// driven.ErrStorageUnavailable.
type KVRepo struct {
	db *DB
}

// NewKVRepo creates a KVRepo over an already migrated database.
func NewKVRepo(db *DB) *KVRepo {
	return &KVRepo{db: db}
}

// Get returns the value for key, or (nil, nil) when the key does not exist.
func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM kv WHERE key = ?`

	var value []byte
	err := r.db.Reader.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key %q: %w", key, driven.StorageError(err))
	}
	return value, nil
}

// Set stores or replaces the value for key.
func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	const query = `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.Writer.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set key %q: %w", key, driven.StorageError(err))
	}
	return nil
}

// Remove deletes key. Missing keys are ignored.
func (r *KVRepo) Remove(ctx context.Context, key string) error {
	const query = `DELETE FROM kv WHERE key = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("remove key %q: %w", key, driven.StorageError(err))
	}
	return nil
}

// Keys returns every key that starts with prefix, in ascending order.
func (r *KVRepo) Keys(ctx context.Context, prefix string) ([]string, error) {
	const query = `SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`

	rows, err := r.db.Reader.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, driven.StorageError(err))
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", driven.StorageError(err))
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", driven.StorageError(err))
	}

	return keys, nil
}

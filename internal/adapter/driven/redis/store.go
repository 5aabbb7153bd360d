// Package redis implements the KVStore port on Redis. Keys live under a
// namespace so several installations can share one server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

const scanBatch = 100

// Compile-time interface satisfaction check.
var _ driven.KVStore = (*Store)(nil)

// Store is a Redis-backed KVStore. Any error other than a missing key or a
// context error is reported as driven.ErrStorageUnavailable.
type Store struct {
	client    goredis.UniversalClient
	namespace string
}

// New wraps client. namespace is prepended to every key followed by a colon.
func New(client goredis.UniversalClient, namespace string) *Store {
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &Store{client: client, namespace: namespace}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, namespace string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, namespace), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the value for key, or (nil, nil) when missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key %q: %w", key, driven.StorageError(err))
	}
	return val, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespace+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set key %q: %w", key, driven.StorageError(err))
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return fmt.Errorf("remove key %q: %w", key, driven.StorageError(err))
	}
	return nil
}

// Keys scans for keys starting with prefix and returns them sorted, with the
// namespace stripped.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.namespace+prefix) + "*"

	keys := []string{}
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, driven.StorageError(err))
	}

	sort.Strings(keys)
	return keys, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

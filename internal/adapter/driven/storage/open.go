// Package storage opens the configured KVStore backend, optionally wrapped
// with a local bbolt fallback.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/credsync/internal/adapter/driven/bolt"
	"github.com/ericfisherdev/credsync/internal/adapter/driven/fallback"
	"github.com/ericfisherdev/credsync/internal/adapter/driven/redis"
	"github.com/ericfisherdev/credsync/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/credsync/internal/config"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

const boltOpenTimeout = 5 * time.Second

// Options selects and locates a backend.
type Options struct {
	Backend string
	// Path is the sqlite or bbolt file.
	Path string
	// FallbackPath, when set, is a bbolt file used while the primary is unavailable.
	FallbackPath string
	RedisAddr    string
	// Namespace prefixes every redis key.
	Namespace string
}

// Store is an open KVStore together with the resources backing it.
type Store struct {
	driven.KVStore
	closers []func() error
}

// Close releases every backing resource, most recently opened first.
func (s *Store) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open opens the backend named by opts.Backend. sqlite databases are migrated.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{}

	primary, err := s.openPrimary(ctx, opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.KVStore = primary

	if opts.FallbackPath != "" && opts.Backend != config.BackendBolt {
		secondary, err := bolt.Open(opts.FallbackPath, boltOpenTimeout)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open fallback store: %w", err)
		}
		s.closers = append(s.closers, secondary.Close)
		s.KVStore = fallback.New(primary, secondary)
		slog.Info("fallback store enabled", "path", opts.FallbackPath)
	}

	return s, nil
}

func (s *Store) openPrimary(ctx context.Context, opts Options) (driven.KVStore, error) {
	switch opts.Backend {
	case config.BackendSQLite, "":
		db, err := sqlite.NewDB(ctx, opts.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if err := sqlite.RunMigrations(db.Writer); err != nil {
			return nil, err
		}
		slog.Info("sqlite store opened", "path", opts.Path)
		return sqlite.NewKVRepo(db), nil

	case config.BackendBolt:
		store, err := bolt.Open(opts.Path, boltOpenTimeout)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		slog.Info("bolt store opened", "path", opts.Path)
		return store, nil

	case config.BackendRedis:
		store, err := redis.Dial(ctx, opts.RedisAddr, opts.Namespace)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		slog.Info("redis store connected", "addr", opts.RedisAddr, "namespace", opts.Namespace)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown kv backend %q", opts.Backend)
	}
}

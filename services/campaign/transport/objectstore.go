// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport binds shared object stores to work topics.
//
// Large task payloads (feature matrices, serialized models) are parked in
// an object store and passed through the queues by reference, avoiding a
// second serialization through the queue transport itself. Which topics
// get a store, if any, is decided once at assembly time by a Binding.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Sentinel errors for transport operations.
var (
	// ErrInvalidBinding is returned for a binding shape that is neither
	// none, a single global store, nor a topic → store mapping.
	ErrInvalidBinding = errors.New("invalid transport binding shape")

	// ErrObjectNotFound is returned when a referenced object is absent.
	ErrObjectNotFound = errors.New("object not found in transport store")
)

// ObjectStore is a named blob store for bulk task payloads.
//
// Implementations must be safe for concurrent use; the steering loop and
// worker callbacks share one instance.
type ObjectStore interface {
	// Name identifies the store; topics resolve to this name.
	Name() string

	// Put stores a value under a key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get retrieves a value, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Close releases the store's resources.
	Close() error
}

// KVConfig configures a BadgerDB-backed object store.
type KVConfig struct {
	// Name is the store name topics resolve to. Required.
	Name string

	// Path is the directory for the store's files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// KVStore is an ObjectStore backed by an embedded BadgerDB instance.
type KVStore struct {
	name string
	db   *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.logger.Debug(fmt.Sprintf(format, args...)) }

// OpenKV opens a BadgerDB-backed object store.
func OpenKV(cfg KVConfig) (*KVStore, error) {
	if cfg.Name == "" {
		return nil, errors.New("object store needs a name")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent object store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create object store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open object store %q: %w", cfg.Name, err)
	}
	return &KVStore{name: cfg.Name, db: db}, nil
}

// Name identifies the store.
func (s *KVStore) Name() string { return s.name }

// Put stores a value under a key.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("put %q in store %q: %w", key, s.name, err)
	}
	return nil
}

// Get retrieves a value by key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q in store %q", ErrObjectNotFound, key, s.name)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q from store %q: %w", key, s.name, err)
	}
	return out, nil
}

// Close releases the underlying database.
func (s *KVStore) Close() error {
	return s.db.Close()
}

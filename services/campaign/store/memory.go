// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is the record store surface the campaign core consumes.
//
// Implementations must serialize writes internally: the steering loop and
// result-delivery callbacks share one handle without external locking.
type Store interface {
	// Len reports the number of records.
	Len() int

	// Contains reports whether a canonical key is present.
	Contains(key string) bool

	// Get returns a copy of the record for a key, or ErrNotFound.
	Get(key string) (*Record, error)

	// Update inserts or replaces a record. Later writes win.
	Update(rec *Record) error

	// Each calls fn for every record in sorted key order.
	// Returning false stops the iteration.
	Each(fn func(rec *Record) bool)

	// Flush writes the current contents to the backing file, if any.
	Flush() error

	// Close flushes and releases the store. Idempotent.
	Close() error
}

// InMemoryStore keeps every record in a map keyed by canonical identifier.
//
// When opened from a file, the whole file is loaded eagerly and written
// back on Close. Duplicate keys in the input overwrite earlier entries.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	path    string // empty for purely in-memory stores
	closed  bool
	logger  *slog.Logger
}

// NewInMemoryStore creates an empty store with no backing file.
func NewInMemoryStore(logger *slog.Logger) *InMemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryStore{
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// OpenFile loads an NDJSON record file into a new in-memory store.
//
// The file is read eagerly; a missing or unreadable file is fatal and
// reported as ErrUnavailable. A malformed line is also ErrUnavailable:
// a partially loaded database is worse than a loud failure.
func OpenFile(ctx context.Context, path string, logger *slog.Logger) (*InMemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	s := NewInMemoryStore(logger)
	s.path = path

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		rec, err := UnmarshalLine(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrUnavailable, path, line, err)
		}
		s.records[rec.Key] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, path, err)
	}

	logger.Debug("record database loaded",
		slog.String("path", path),
		slog.Int("records", len(s.records)),
	)
	return s, nil
}

// Len reports the number of records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Contains reports whether a canonical key is present.
func (s *InMemoryStore) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok
}

// Get returns a copy of the record for a key.
func (s *InMemoryStore) Get(key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := *rec
	return &cp, nil
}

// Update inserts or replaces a record.
func (s *InMemoryStore) Update(rec *Record) error {
	if rec == nil || rec.Key == "" {
		return fmt.Errorf("record must have a key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[rec.Key] = rec
	return nil
}

// Each calls fn for every record in sorted key order.
func (s *InMemoryStore) Each(fn func(rec *Record) bool) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	recs := make([]*Record, len(keys))
	for i, k := range keys {
		cp := *s.records[k]
		recs[i] = &cp
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		if !fn(rec) {
			return
		}
	}
}

// Flush writes the current contents back to the backing file, if any.
//
// The file is written to a temp sibling and renamed into place so a crash
// never leaves a truncated database.
func (s *InMemoryStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushLocked()
}

func (s *InMemoryStore) flushLocked() error {
	if s.path == "" {
		return nil
	}

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".records-*")
	if err != nil {
		return fmt.Errorf("creating temp database file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, k := range keys {
		line, err := s.records[k].MarshalLine()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("serializing record %s: %w", k, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("writing record %s: %w", k, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing database file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp database file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing database file: %w", err)
	}
	return nil
}

// Close flushes and marks the store closed. Safe to call twice.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	if err != nil {
		return err
	}
	s.logger.Debug("record database closed",
		slog.String("path", s.path),
		slog.Int("records", len(s.records)),
	)
	return nil
}

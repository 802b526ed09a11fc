// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNilSource is returned when a specification has no database configured.
var ErrNilSource = errors.New("no database source configured")

// Source is anything the assembly step can open a record store from:
// a file path or an already-constructed store used as-is.
//
// The opened store is always closed when the assembled runtime's scope
// ends, regardless of how the scope exits.
type Source interface {
	Open(ctx context.Context, logger *slog.Logger) (Store, error)
}

// FileSource opens an NDJSON record file as an in-memory store.
type FileSource string

// File returns a Source backed by an NDJSON record file.
func File(path string) FileSource { return FileSource(path) }

// Open loads the file eagerly into an in-memory store.
func (f FileSource) Open(ctx context.Context, logger *slog.Logger) (Store, error) {
	return OpenFile(ctx, string(f), logger)
}

// Prebuilt wraps an existing store so it can serve as a Source.
// The store is returned unchanged; the scope still closes it on exit.
type Prebuilt struct {
	Store Store
}

// Open returns the wrapped store as-is.
func (p Prebuilt) Open(_ context.Context, _ *slog.Logger) (Store, error) {
	if p.Store == nil {
		return nil, ErrNilSource
	}
	return p.Store, nil
}

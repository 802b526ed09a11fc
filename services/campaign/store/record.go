// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides the persistent molecule record store.
//
// Records are identified by a canonical key and serialized as one JSON
// object per line (NDJSON). The store is the shared read/write surface
// between the steering loop and result-delivery callbacks; all writes are
// serialized internally, so callers never add their own locking.
//
// # Ownership Model
//
// The store owns its records. Callers receive copies from Get and hand
// ownership to the store on Update; a record must not be mutated after
// being passed in.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations.
var (
	// ErrUnavailable is returned when the backing database file is
	// missing or unreadable. Fatal to the caller.
	ErrUnavailable = errors.New("record database unavailable")

	// ErrNotFound is returned when a record key is not in the store.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Identifier holds the string forms of a molecule.
type Identifier struct {
	SMILES string `json:"smiles"`
	InChI  string `json:"inchi,omitempty"`
}

// Record is a single molecule and everything computed about it.
//
// Identity is the canonical Key: two records with equal keys describe the
// same molecule, and the later write wins.
type Record struct {
	// Key is the canonical identifier (e.g. an InChI key). Required.
	Key string `json:"key"`

	// Identifier holds the molecule's string representations.
	Identifier Identifier `json:"identifier"`

	// Properties maps recipe name -> fidelity level -> value.
	Properties map[string]map[string]float64 `json:"properties,omitempty"`
}

// NewRecord builds a record from a molecule identifier string.
//
// The canonical key is derived from the identifier. Real deployments plug
// in a cheminformatics canonicalizer; the default normalizes whitespace
// and case so that equal strings produce equal keys.
func NewRecord(identifier string) (*Record, error) {
	key := CanonicalKey(identifier)
	if key == "" {
		return nil, fmt.Errorf("empty molecule identifier")
	}
	return &Record{
		Key:        key,
		Identifier: Identifier{SMILES: strings.TrimSpace(identifier)},
		Properties: make(map[string]map[string]float64),
	}, nil
}

// CanonicalKey derives the store key for a molecule identifier.
// SMILES are case-sensitive, so normalization is whitespace-only here;
// a cheminformatics canonicalizer slots in for real deployments.
func CanonicalKey(identifier string) string {
	return strings.TrimSpace(identifier)
}

// SetProperty records a property value at a fidelity level.
func (r *Record) SetProperty(name, level string, value float64) {
	if r.Properties == nil {
		r.Properties = make(map[string]map[string]float64)
	}
	if r.Properties[name] == nil {
		r.Properties[name] = make(map[string]float64)
	}
	r.Properties[name][level] = value
}

// Property looks up a property value at a fidelity level.
func (r *Record) Property(name, level string) (float64, bool) {
	levels, ok := r.Properties[name]
	if !ok {
		return 0, false
	}
	v, ok := levels[level]
	return v, ok
}

// MarshalLine serializes the record as a single NDJSON line (no newline).
func (r *Record) MarshalLine() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalLine parses one NDJSON line into a record.
func UnmarshalLine(line []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("parsing record line: %w", err)
	}
	if rec.Key == "" {
		return nil, fmt.Errorf("record line has no key")
	}
	return &rec, nil
}

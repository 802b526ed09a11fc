// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fingerprint computes stable digests of configuration objects.
//
// Digests are used as black-box equality surrogates for cache validity
// checks: two configurations with the same digest are treated as identical,
// and any field change that affects downstream artifacts must change the
// digest. Digests are never compared by reference, only by value.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotSerializable is returned when the input cannot be represented
// as JSON (channels, functions, cyclic structures).
var ErrNotSerializable = errors.New("configuration is not JSON-serializable")

// Digest computes a deterministic SHA-256 digest of a JSON-serializable value.
//
// The value is marshaled to JSON, decoded into generic maps, and re-encoded
// before hashing. The round trip forces map keys into sorted order and
// numbers into a single canonical formatting, so semantically identical
// inputs hash identically across runs and processes.
//
// Outputs:
//
//	string - Hex-encoded SHA-256 digest (64 chars).
//	error - ErrNotSerializable if the value cannot be marshaled.
func Digest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	// Round-trip through interface{} so struct field order stops mattering:
	// encoding/json emits map keys in sorted order.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

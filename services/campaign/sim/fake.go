// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"context"
	"hash/fnv"
)

// Fake is a deterministic stand-in simulator for tests and dry runs.
// The "energy" is a stable function of the identifier and method, so
// repeated campaigns over the same candidates reproduce exactly.
type Fake struct {
	// Err, if set, is returned from every call.
	Err error
}

// Optimize returns a synthetic relaxed structure with a deterministic
// pseudo-energy.
func (f Fake) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeOutcome, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(req.Identifier))
	h.Write([]byte(req.ConfigName))
	energy := -1.0 - float64(h.Sum64()%1000)/1000.0

	final := Result{
		ConfigName: req.ConfigName,
		Charge:     req.Charge,
		Solvent:    req.Solvent,
		XYZ:        req.Identifier, // placeholder geometry
		Energy:     &energy,
	}
	return &OptimizeOutcome{
		Final:      final,
		Trajectory: []Result{final},
		Metadata:   "fake",
	}, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sim defines the interface the campaign core uses to run
// quantum-chemistry calculations.
//
// Simulator numerics live outside this system; the core only submits
// optimization requests to worker pools and records the outcomes, so a
// simulator is a pluggable dependency injected at assembly time.
package sim

import "context"

// Result is one calculation outcome in a code-agnostic format.
type Result struct {
	// ConfigName names the computational method (e.g. "mopac_pm7").
	ConfigName string `json:"config_name"`

	// Charge is the charge on the molecule.
	Charge int `json:"charge"`

	// Solvent names the surrounding solvent, empty for gas phase.
	Solvent string `json:"solvent,omitempty"`

	// XYZ is the 3D geometry.
	XYZ string `json:"xyz"`

	// Energy is the energy in eV; nil when the calculation produced none.
	Energy *float64 `json:"energy,omitempty"`

	// Forces holds per-atom force vectors in eV/Å, when the code
	// reports them.
	Forces [][]float64 `json:"forces,omitempty"`
}

// OptimizeRequest asks for an energy-minimized structure.
type OptimizeRequest struct {
	// Identifier is the molecule's string form (e.g. SMILES).
	Identifier string

	// ConfigName names the method to run.
	ConfigName string

	// Charge on the molecule.
	Charge int

	// Solvent name, empty for gas phase.
	Solvent string
}

// OptimizeOutcome bundles a relaxation's final structure, the
// intermediate trajectory, and any metadata the code emitted.
type OptimizeOutcome struct {
	Final      Result
	Trajectory []Result
	Metadata   string
}

// Simulator runs common simulation operations.
type Simulator interface {
	// Optimize minimizes the energy of a structure.
	Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeOutcome, error)
}

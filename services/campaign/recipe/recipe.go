// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recipe names the molecular properties a campaign computes.
package recipe

import "fmt"

// PropertySpec identifies one property at one fidelity level, e.g.
// redox energy at mopac_pm7. Records store values under Name -> Level.
type PropertySpec struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Level string `json:"level" yaml:"level" validate:"required"`

	// Charge is the molecular charge the property is computed at.
	Charge int `json:"charge,omitempty" yaml:"charge,omitempty"`
}

// String renders the spec as name@level.
func (p PropertySpec) String() string {
	return fmt.Sprintf("%s@%s", p.Name, p.Level)
}

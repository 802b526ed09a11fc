// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/molsteer/services/campaign/config"
)

// runValidate loads the campaign file and reports what a run would
// assemble, without opening a database or starting any pool.
func runValidate(cmd *cobra.Command, args []string) error {
	c, err := config.Load(campaignFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "campaign file is invalid: %v\n", err)
		return err
	}

	fmt.Printf("campaign file %s is valid\n", campaignFile)
	fmt.Printf("  run dir:       %s\n", c.RunDir)
	fmt.Printf("  database:      %s\n", c.Database)
	fmt.Printf("  search space:  %d file(s)\n", len(c.SearchSpace))
	fmt.Printf("  solution:      %s (budget %d)\n", c.Solution.Kind, c.Solution.NumToRun)
	fmt.Printf("  executors:     %d\n", len(c.Compute.Executors))
	for _, ex := range c.Compute.Executors {
		label := ex.Label
		if label == "" {
			label = "(catch-all)"
		}
		fmt.Printf("    %-12s %d worker(s) @ %s\n", label, ex.Workers, ex.Address)
	}
	if len(c.Transport) > 0 {
		fmt.Printf("  transport:     %d object store(s)\n", len(c.Transport))
	}
	return nil
}

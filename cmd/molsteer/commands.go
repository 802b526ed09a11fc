// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import "github.com/spf13/cobra"

var (
	campaignFile  string
	logLevel      string
	simulatorKind string
	scorerKind    string

	rootCmd = &cobra.Command{
		Use:   "molsteer",
		Short: "A cli to run steered molecular-design campaigns",
		Long: `Molsteer assembles and runs active-learning campaigns over a
molecular search space: it wires the record database, the preprocessed
candidate list, the worker topology, and the steering loop from a single
campaign file.`,
		SilenceUsage: true,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check a campaign file without starting anything",
		RunE:  runValidate, // Defined in cmd_validate.go
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Assemble the campaign topology and steer it to completion",
		RunE:  runCampaign, // Defined in cmd_run.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&campaignFile, "campaign", "c", "campaign.yaml", "Path to the campaign file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the campaign file's log level (debug|info|warn|error)")

	runCmd.Flags().StringVar(&simulatorKind, "simulator", "fake", "Simulator backend (only 'fake' ships with the CLI)")
	runCmd.Flags().StringVar(&scorerKind, "scorer", "baseline", "Surrogate scorer for active-learning campaigns (only 'baseline' ships with the CLI)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/molsteer/pkg/logging"
	"github.com/AleutianAI/molsteer/services/campaign/config"
	"github.com/AleutianAI/molsteer/services/campaign/sim"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/specify"
)

// runCampaign assembles the topology from the campaign file and steers
// it until the budget is spent, the space is exhausted, or the process
// receives SIGINT/SIGTERM.
func runCampaign(cmd *cobra.Command, args []string) error {
	c, err := config.Load(campaignFile)
	if err != nil {
		return err
	}

	level := c.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, closeLogs := logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  c.Log.Dir,
		Service: "campaign",
		JSON:    c.Log.JSON,
		Quiet:   c.Log.Quiet,
	})
	defer closeLogs()

	simulator, err := buildSimulator(simulatorKind)
	if err != nil {
		return err
	}
	scorer, err := buildScorer(scorerKind, c.Solution.Kind)
	if err != nil {
		return err
	}

	spec, cleanup, err := c.Build(config.BuildOptions{
		Simulator: simulator,
		Scorer:    scorer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return spec.With(ctx, func(ctx context.Context, rt *specify.Runtime) error {
		if err := rt.Thinker.Run(ctx); err != nil {
			return err
		}
		logger.Info("campaign finished", "records", rt.Store.Len())
		return nil
	})
}

func buildSimulator(kind string) (sim.Simulator, error) {
	switch kind {
	case "fake":
		return sim.Fake{}, nil
	default:
		return nil, fmt.Errorf("unknown simulator %q (only 'fake' ships with the CLI)", kind)
	}
}

func buildScorer(kind, solutionKind string) (solution.Scorer, error) {
	if solutionKind != config.KindActiveLearning {
		return nil, nil
	}
	switch kind {
	case "baseline":
		return solution.BaselineScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q (only 'baseline' ships with the CLI)", kind)
	}
}

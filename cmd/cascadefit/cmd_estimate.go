// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascadefit/pkg/ux"
	"github.com/AleutianAI/cascadefit/services/cascade/estimate"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

type estimateFlags struct {
	socialNetwork     string
	input             string
	estimator         string
	maxIterations     int
	minDifference     float64
	chunks            int
	delayMultiplier   float64
	auxiliaryBasename string
	output            string
	actual            string
}

func newEstimateCmd(a *app) *cobra.Command {
	var f estimateFlags
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate arc probabilities from observed cascades",
		Long: `Estimate fits the probability of every arc of the social network with
Expectation Maximization over the observed cascades. The model is written
to --output, or to stdout. With --actual-probabilities the estimate is
compared against a known model.`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			return a.runEstimate(cmd, f)
		}),
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.socialNetwork, "social-network", "s", "", "Social network file")
	flags.StringVarP(&f.input, "input", "i", "", "Observation log")
	flags.StringVarP(&f.estimator, "estimator", "e", "", "Estimator: "+strings.Join(estimate.Names(), ", "))
	flags.IntVarP(&f.maxIterations, "max-iterations", "m", 0, "Maximum EM iterations per chunk, -1 for no bound")
	flags.Float64VarP(&f.minDifference, "min-difference", "d", 0, "Stop when the squared L2 change between iterations is below this")
	flags.IntVarP(&f.chunks, "number-of-chunks", "r", 0, "Number of node chunks estimated separately")
	flags.Float64VarP(&f.delayMultiplier, "delay-threshold-multiplier", "t", 0, "Delay threshold as a multiple of the mean repost waiting time")
	flags.StringVar(&f.auxiliaryBasename, "auxiliary-basename", "", "Load a stored auxiliary index instead of scanning the observations")
	flags.StringVarP(&f.output, "output-file", "o", "", "Write the model here instead of stdout")
	flags.StringVarP(&f.actual, "actual-probabilities", "a", "", "Known model to compare the estimate with")
	_ = cmd.MarkFlagRequired("social-network")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// apply copies the flags the user set over the configuration.
func (f estimateFlags) apply(cmd *cobra.Command, a *app) error {
	flags := cmd.Flags()
	e := &a.cfg.Estimate
	if flags.Changed("estimator") {
		e.Estimator = f.estimator
	}
	if flags.Changed("max-iterations") {
		e.MaxIterations = f.maxIterations
	}
	if flags.Changed("min-difference") {
		e.MinDifference = f.minDifference
	}
	if flags.Changed("number-of-chunks") {
		e.NumChunks = f.chunks
	}
	if flags.Changed("delay-threshold-multiplier") {
		e.DelayMultiplier = f.delayMultiplier
	}
	return a.cfg.Validate()
}

func (a *app) runEstimate(cmd *cobra.Command, f estimateFlags) error {
	ctx := cmd.Context()
	if err := f.apply(cmd, a); err != nil {
		return err
	}
	in, err := a.loadInputs(f.socialNetwork, f.input)
	if err != nil {
		return err
	}
	est, err := estimate.New(a.cfg.Estimate.Estimator, in.net, a.cfg.EstimateOptions(a.logger))
	if err != nil {
		return err
	}
	a.logger.Info("Estimation method",
		slog.String("estimator", est.Name()),
		slog.String("policy", est.Policy().Spec()))

	idx, err := a.index(ctx, in, est.Policy(), f.auxiliaryBasename)
	if err != nil {
		return err
	}
	actions, err := idx.NumActions(ctx)
	if err != nil {
		return err
	}

	var res *estimate.Result
	err = a.stage(ctx, telemetry.StageEstimate, func(ctx context.Context) error {
		var err error
		res, err = est.Estimate(ctx, idx)
		return err
	})
	if err != nil {
		return err
	}
	if err := a.writeModel(res.Model, f.output); err != nil {
		return err
	}

	if f.actual != "" {
		actual, err := a.loadModel(f.actual, in.net)
		if err != nil {
			return err
		}
		if err := compareModels(a, actual, res.Model, true); err != nil {
			return err
		}
	}

	var ll float64
	err = a.stage(ctx, telemetry.StageLikelihood, func(ctx context.Context) error {
		var err error
		ll, err = res.Model.LogLikelihood(ctx, idx)
		return err
	})
	if err != nil {
		return err
	}
	a.logger.Info("Estimated model",
		slog.Float64("log_likelihood", ll),
		slog.Int("non_zero_arcs", res.Model.Len()))

	a.summary(f.output == "" || f.actual != "").Summary("Estimate",
		ux.F("estimator", est.Name()),
		ux.F("policy", est.Policy().Spec()),
		ux.F("actions", actions),
		ux.F("chunks", len(res.Chunks)),
		ux.F("iterations", res.Iterations()),
		ux.F("non_zero_arcs", res.Model.Len()),
		ux.F("log_likelihood", ll),
		ux.F("run_id", a.runID),
	)
	return nil
}

// compareModels is shared by `estimate -a` and `model compare`.
func compareModels(a *app, original, alternative *icmodel.Model, printModel bool) error {
	return original.Compare(alternative).WriteComparison(a.stdout, original.Network().Table(), printModel)
}

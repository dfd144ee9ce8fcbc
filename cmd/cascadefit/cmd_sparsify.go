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
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascadefit/pkg/ux"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
	"github.com/AleutianAI/cascadefit/services/cascade/sparsify"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

type sparsifyFlags struct {
	socialNetwork     string
	probabilities     string
	input             string
	policy            string
	sparsifier        string
	k                 int
	chunks            int
	output            string
	measures          string
	withFraction      bool
	incremental       bool
	auxiliaryBasename string
}

func newSparsifyCmd(a *app) *cobra.Command {
	var f sparsifyFlags
	cmd := &cobra.Command{
		Use:   "sparsify",
		Short: "Select the k arcs of a model that best explain the cascades",
		Long: `Sparsify keeps at most k arcs of an estimated model, chosen to maximize
the log-likelihood of the observed cascades. k defaults to the number of
non-zero arcs of the model. Partial results for every k reached are
written to --measures-file basename when given.`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			return a.runSparsify(cmd, f)
		}),
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.socialNetwork, "social-network", "s", "", "Social network file")
	flags.StringVarP(&f.probabilities, "probabilities", "p", "", "Model to sparsify")
	flags.StringVarP(&f.input, "input", "i", "", "Observation log")
	flags.StringVarP(&f.policy, "candidate-selection-policy", "c", "", "Candidate selection policy spec (default from config)")
	flags.StringVarP(&f.sparsifier, "sparsifier", "f", "", "Sparsifier: "+strings.Join(sparsify.Names(), ", "))
	flags.IntVarP(&f.k, "sparse-model-size", "k", 0, "Target number of arcs")
	flags.IntVarP(&f.chunks, "number-of-chunks", "r", 0, "Number of node chunks of the greedy warm start")
	flags.StringVarP(&f.output, "output", "o", "", "Write the sparse model here instead of stdout")
	flags.StringVarP(&f.measures, "measures-file", "z", "", "Basename of the partial measures files")
	flags.BoolVarP(&f.withFraction, "with-fraction", "n", false, "Also measure the fraction of propagations explained")
	flags.BoolVar(&f.incremental, "incremental-likelihood", false, "Compute greedy gains incrementally")
	flags.StringVar(&f.auxiliaryBasename, "auxiliary-basename", "", "Load a stored auxiliary index instead of scanning the observations")
	for _, name := range []string{"social-network", "probabilities", "input"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// apply copies the flags the user set over the configuration.
func (f sparsifyFlags) apply(cmd *cobra.Command, a *app) error {
	flags := cmd.Flags()
	s := &a.cfg.Sparsify
	if flags.Changed("candidate-selection-policy") {
		a.cfg.Auxiliary.Policy = f.policy
	}
	if flags.Changed("sparsifier") {
		s.Sparsifier = f.sparsifier
	}
	if flags.Changed("number-of-chunks") {
		s.NumChunks = f.chunks
	}
	if flags.Changed("with-fraction") {
		s.WithFraction = f.withFraction
	}
	if flags.Changed("incremental-likelihood") {
		s.Incremental = f.incremental
	}
	if flags.Changed("sparse-model-size") && f.k < 0 {
		return fmt.Errorf("%w: sparse model size %d", sparsify.ErrConfig, f.k)
	}
	return a.cfg.Validate()
}

func (a *app) runSparsify(cmd *cobra.Command, f sparsifyFlags) error {
	ctx := cmd.Context()
	if err := f.apply(cmd, a); err != nil {
		return err
	}
	pol, err := policy.FromSpec(a.cfg.Auxiliary.Policy)
	if err != nil {
		return err
	}
	a.logger.Info("Candidate selection policy", slog.String("policy", pol.Spec()))

	in, err := a.loadInputs(f.socialNetwork, f.input)
	if err != nil {
		return err
	}
	original, err := a.loadModel(f.probabilities, in.net)
	if err != nil {
		return err
	}
	idx, err := a.index(ctx, in, pol, f.auxiliaryBasename)
	if err != nil {
		return err
	}

	name := a.cfg.Sparsify.Sparsifier
	opts := a.cfg.SparsifyOptions(a.logger)
	if opts.Incremental && name != sparsify.GreedyName {
		a.logger.Warn("This sparsifier does not compute likelihood incrementally, ignoring",
			slog.String("sparsifier", name))
		ux.NewPrinter(a.stderr).Warning("--incremental-likelihood ignored by " + name)
		opts.Incremental = false
	}
	if !opts.WithFraction {
		a.logger.Info("Fraction of propagations not measured")
	}
	s, err := sparsify.New(name, original, idx, opts)
	if err != nil {
		return err
	}
	a.logger.Info("Created sparsifier", slog.String("sparsifier", s.Name()))

	k := f.k
	if !cmd.Flags().Changed("sparse-model-size") {
		k = original.Len()
		a.logger.Info("Setting target number of arcs to number of arcs with non-zero probability in the original model",
			slog.Int("k", k))
	}

	var res *sparsify.RunResult
	err = a.stage(ctx, telemetry.StageSparsify, func(ctx context.Context) error {
		var err error
		res, err = sparsify.Run(ctx, s, original, idx, k, a.logger)
		return err
	})
	if err != nil {
		return err
	}

	var measureFiles []string
	if f.measures != "" {
		measureFiles, err = res.Measures.WriteMeasures(f.measures)
		if err != nil {
			return err
		}
		for _, path := range measureFiles {
			a.logger.Info("Wrote partial results", slog.String("path", path))
		}
	}
	if err := a.writeModel(res.Model, f.output); err != nil {
		return err
	}

	fields := []ux.Field{
		ux.F("sparsifier", s.Name()),
		ux.F("policy", pol.Spec()),
		ux.F("network_arcs", in.net.NumArcs()),
		ux.F("original_arcs", original.Len()),
		ux.F("k", k),
		ux.F("base_arcs", res.BaseArcs),
		ux.F("arcs", res.Model.Len()),
		ux.F("log_likelihood", res.SparsifiedLogL),
		ux.F("original_log_likelihood", res.OriginalLogL),
		ux.F("run_id", a.runID),
	}
	p := a.summary(f.output == "")
	p.Summary("Sparsify", fields...)
	if len(measureFiles) > 0 {
		p.List(measureFiles...)
	}
	return nil
}

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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascadefit/pkg/ux"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

// Waiting time kinds accepted by `model simulate --waiting`.
const (
	waitingConstant    = "constant"
	waitingExponential = "exponential"
)

// modelFlags are shared by every `model` subcommand.
type modelFlags struct {
	socialNetwork string
	probabilities string
}

func (f *modelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.socialNetwork, "social-network", "s", "", "Social network file")
	cmd.Flags().StringVarP(&f.probabilities, "probabilities", "p", "", "Model file")
	_ = cmd.MarkFlagRequired("social-network")
	_ = cmd.MarkFlagRequired("probabilities")
}

func (a *app) loadNetworkAndModel(f modelFlags) (*network.Network, *icmodel.Model, error) {
	net, err := a.loadNetwork(f.socialNetwork)
	if err != nil {
		return nil, nil, err
	}
	m, err := a.loadModel(f.probabilities, net)
	if err != nil {
		return nil, nil, err
	}
	return net, m, nil
}

func newModelCmd(a *app) *cobra.Command {
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Measure, inspect and simulate probability models",
	}
	modelCmd.AddCommand(
		newModelLikelihoodCmd(a),
		newModelDumpCmd(a),
		newModelStatsCmd(a),
		newModelCompareCmd(a),
		newModelSimulateCmd(a),
		newModelHighProbCmd(a),
	)
	return modelCmd
}

func newModelLikelihoodCmd(a *app) *cobra.Command {
	var (
		mf                modelFlags
		input             string
		policySpec        string
		auxiliaryBasename string
		fractions         bool
	)
	cmd := &cobra.Command{
		Use:   "likelihood",
		Short: "Log-likelihood of the observed cascades under a model",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("policy") {
				a.cfg.Auxiliary.Policy = policySpec
			}
			pol, err := policy.FromSpec(a.cfg.Auxiliary.Policy)
			if err != nil {
				return err
			}
			in, err := a.loadInputs(mf.socialNetwork, input)
			if err != nil {
				return err
			}
			m, err := a.loadModel(mf.probabilities, in.net)
			if err != nil {
				return err
			}
			idx, err := a.index(ctx, in, pol, auxiliaryBasename)
			if err != nil {
				return err
			}

			fields := []ux.Field{ux.F("non_zero_arcs", m.Len())}
			err = a.stage(ctx, telemetry.StageLikelihood, func(ctx context.Context) error {
				ll, err := m.LogLikelihood(ctx, idx)
				if err != nil {
					return err
				}
				fields = append(fields, ux.F("log_likelihood", ll))
				if !fractions {
					return nil
				}
				total, err := m.TotalFraction(ctx, in.src)
				if err != nil {
					return err
				}
				bfs, err := m.FractionBFS(ctx, in.src)
				if err != nil {
					return err
				}
				uninterrupted, err := m.FractionUninterrupted(ctx, in.src)
				if err != nil {
					return err
				}
				fields = append(fields,
					ux.F("fraction_total", total),
					ux.F("fraction_bfs", bfs),
					ux.F("fraction_uninterrupted", uninterrupted))
				return nil
			})
			if err != nil {
				return err
			}
			ux.NewPrinter(a.stdout).Summary("Likelihood", fields...)
			return nil
		}),
	}
	mf.register(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "", "Observation log")
	cmd.Flags().StringVarP(&policySpec, "policy", "c", "", "Candidate selection policy spec (default from config)")
	cmd.Flags().StringVar(&auxiliaryBasename, "auxiliary-basename", "", "Load a stored auxiliary index instead of scanning the observations")
	cmd.Flags().BoolVar(&fractions, "fractions", false, "Also report the fractions of propagations explained")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newModelDumpCmd(a *app) *cobra.Command {
	var (
		mf     modelFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Rewrite a model in canonical form",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			_, m, err := a.loadNetworkAndModel(mf)
			if err != nil {
				return err
			}
			return a.writeModel(m, output)
		}),
	}
	mf.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file instead of stdout")
	return cmd
}

func newModelStatsCmd(a *app) *cobra.Command {
	var (
		mf     modelFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summary statistics of the non-zero probabilities",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			net, m, err := a.loadNetworkAndModel(mf)
			if err != nil {
				return err
			}
			st := m.Stats()
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			ux.NewPrinter(a.stdout).Summary("Model",
				ux.F("network_arcs", net.NumArcs()),
				ux.F("non_zero_arcs", st.Count),
				ux.F("mean", st.Mean),
				ux.F("std_dev", st.StdDev),
				ux.F("min", st.Min),
				ux.F("max", st.Max),
			)
			return nil
		}),
	}
	mf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newModelCompareCmd(a *app) *cobra.Command {
	var (
		mf          modelFlags
		alternative string
		printModel  bool
	)
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare a model with an alternative over its non-zero arcs",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			net, m, err := a.loadNetworkAndModel(mf)
			if err != nil {
				return err
			}
			alt, err := a.loadModel(alternative, net)
			if err != nil {
				return err
			}
			return compareModels(a, m, alt, printModel)
		}),
	}
	mf.register(cmd)
	cmd.Flags().StringVarP(&alternative, "alternative", "a", "", "Model compared against --probabilities")
	cmd.Flags().BoolVar(&printModel, "print-model", false, "List every arc, not only the distance")
	_ = cmd.MarkFlagRequired("alternative")
	return cmd
}

func newModelSimulateCmd(a *app) *cobra.Command {
	var (
		mf      modelFlags
		count   int
		seed    uint64
		waiting string
		starts  []string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate cascades by running the Independent Cascade process",
		Long: `Simulate runs the Independent Cascade process --count times from the
--start nodes (default: the conventional start node) and writes the
cascades in observation log format.`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if count < 1 {
				return usageError(cmd.CommandPath(), fmt.Errorf("count must be positive, got %d", count))
			}
			net, m, err := a.loadNetworkAndModel(mf)
			if err != nil {
				return err
			}
			var sim *icmodel.Simulator
			switch waiting {
			case waitingConstant:
				sim = icmodel.NewConstantSimulator(m, seed)
			case waitingExponential:
				sim = icmodel.NewExponentialSimulator(m, seed)
			default:
				return usageError(cmd.CommandPath(), fmt.Errorf("unknown waiting time %q", waiting))
			}
			ids := []network.NodeID{net.Table().DefaultStart()}
			if len(starts) > 0 {
				ids = ids[:0]
				for _, name := range starts {
					id, ok := net.Table().Lookup(name)
					if !ok {
						return usageError(cmd.CommandPath(), fmt.Errorf("%w: %s", icmodel.ErrUnknownStartNode, name))
					}
					ids = append(ids, id)
				}
			}

			w, closeOut, err := a.output(output)
			if err != nil {
				return err
			}
			events := 0
			err = a.stage(ctx, telemetry.StageSimulate, func(ctx context.Context) error {
				for range count {
					h, err := sim.Run(ctx, ids...)
					if err != nil {
						return err
					}
					events += h.Len()
					if err := observation.WriteHistory(w, net.Table(), h); err != nil {
						return err
					}
				}
				return nil
			})
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			a.logger.Info("Simulation done",
				slog.Int("cascades", count),
				slog.Int("events", events),
				slog.String("waiting", waiting))
			return nil
		}),
	}
	mf.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of cascades")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&waiting, "waiting", waitingExponential, "Waiting time: constant or exponential")
	cmd.Flags().StringSliceVar(&starts, "start", nil, "Start node names (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file instead of stdout")
	return cmd
}

func newModelHighProbCmd(a *app) *cobra.Command {
	var (
		mf             modelFlags
		minProbability float64
		output         string
	)
	cmd := &cobra.Command{
		Use:   "highprob",
		Short: "Write the network of arcs whose probability exceeds --min",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if minProbability < 0 || minProbability > 1 {
				return usageError(cmd.CommandPath(), fmt.Errorf("--min must be in [0,1], got %v", minProbability))
			}
			_, m, err := a.loadNetworkAndModel(mf)
			if err != nil {
				return err
			}
			high := m.HighProbabilityNetwork(minProbability)
			a.logger.Info("High probability network",
				slog.Float64("min", minProbability),
				slog.Int("arcs", high.NumArcs()))
			w, closeOut, err := a.output(output)
			if err != nil {
				return err
			}
			_, err = high.WriteTo(w)
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			return err
		}),
	}
	mf.register(cmd)
	cmd.Flags().Float64Var(&minProbability, "min", 0.5, "Keep arcs with probability above this")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file instead of stdout")
	return cmd
}

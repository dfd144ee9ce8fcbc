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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascadefit/pkg/ux"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

type auxiliaryBuildFlags struct {
	socialNetwork string
	input         string
	output        string
	policy        string
	cacheDir      string
}

func newAuxiliaryCmd(a *app) *cobra.Command {
	auxCmd := &cobra.Command{
		Use:   "auxiliary",
		Short: "Build and store auxiliary indexes",
	}

	var f auxiliaryBuildFlags
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Scan the observations once and store the auxiliary index",
		Long: `Build classifies every (cascade, arc) pair as a positive or negative
candidate under the selected policy and writes the index as a set of
files sharing the --output basename. Estimation and sparsification can
then load it with --auxiliary-basename instead of rescanning.`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			return a.runAuxiliaryBuild(cmd, f)
		}),
	}
	flags := buildCmd.Flags()
	flags.StringVarP(&f.socialNetwork, "social-network", "s", "", "Social network file")
	flags.StringVarP(&f.input, "input", "i", "", "Observation log")
	flags.StringVarP(&f.output, "output", "o", "", "Basename of the index files")
	flags.StringVar(&f.policy, "policy", "", "Candidate selection policy spec (default from config)")
	flags.StringVar(&f.cacheDir, "cache", "", "Badger directory caching built indexes")
	for _, name := range []string{"social-network", "input", "output"} {
		_ = buildCmd.MarkFlagRequired(name)
	}

	auxCmd.AddCommand(buildCmd)
	return auxCmd
}

func (a *app) runAuxiliaryBuild(cmd *cobra.Command, f auxiliaryBuildFlags) error {
	ctx := cmd.Context()
	if cmd.Flags().Changed("policy") {
		a.cfg.Auxiliary.Policy = f.policy
	}
	if f.cacheDir != "" {
		a.cfg.Cache.Enabled = true
		a.cfg.Cache.Dir = f.cacheDir
	}
	pol, err := policy.FromSpec(a.cfg.Auxiliary.Policy)
	if err != nil {
		return err
	}

	in, err := a.loadInputs(f.socialNetwork, f.input)
	if err != nil {
		return err
	}
	idx, err := a.index(ctx, in, pol, "")
	if err != nil {
		return err
	}
	a.logger.Info("Writing auxiliary index", slog.String("base", f.output))
	if err := idx.Write(ctx, f.output); err != nil {
		return err
	}
	actions, err := idx.NumActions(ctx)
	if err != nil {
		return err
	}
	ux.NewPrinter(a.stdout).Summary("Auxiliary index",
		ux.F("policy", pol.Spec()),
		ux.F("actions", actions),
		ux.F("base", f.output),
		ux.F("run_id", a.runID),
	)
	return nil
}

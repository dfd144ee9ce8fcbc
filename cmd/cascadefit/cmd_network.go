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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascadefit/pkg/ux"
)

func newNetworkCmd(a *app) *cobra.Command {
	networkCmd := &cobra.Command{
		Use:   "network",
		Short: "Inspect social networks",
	}

	var socialNetwork string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print node and arc counts of a social network",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			net, err := a.loadNetwork(socialNetwork)
			if err != nil {
				return err
			}
			nodes, arcs := net.NumNodes(), net.NumArcs()
			var perNode float64
			if nodes > 0 {
				perNode = float64(arcs) / float64(nodes)
			}
			ux.NewPrinter(a.stdout).Summary("Social network",
				ux.F("path", socialNetwork),
				ux.F("nodes", nodes),
				ux.F("arcs", arcs),
				ux.F("arcs_per_node", perNode),
			)
			return nil
		}),
	}
	statsCmd.Flags().StringVarP(&socialNetwork, "social-network", "s", "", "Social network file (leader\\tfollower per line)")
	_ = statsCmd.MarkFlagRequired("social-network")

	networkCmd.AddCommand(statsCmd)
	return networkCmd
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package icmodel holds the Independent Cascade model: a propagation
// probability per arc, its log-likelihood against observed cascades, and a
// forward simulator.
package icmodel

import (
	"fmt"
	"maps"
	"math"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// Model is a sparse map of propagation probabilities over a network.
//
// Description:
//
//	Arcs that are not stored have probability 0. Storing 0 removes the arc,
//	so the stored arcs are exactly the non-zero ones.
//
// Thread Safety: Not safe for concurrent mutation. Concurrent reads are safe.
type Model struct {
	net   *network.Network
	probs map[network.Arc]float64
}

// New creates an all-zero model over net.
func New(net *network.Network) *Model {
	return &Model{net: net, probs: make(map[network.Arc]float64)}
}

// FromMap creates a model from arc probabilities, validating each.
func FromMap(net *network.Network, probs map[network.Arc]float64) (*Model, error) {
	m := New(net)
	for arc, p := range probs {
		if err := m.Set(arc, p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Network returns the network the model is bound to.
func (m *Model) Network() *network.Network {
	return m.net
}

// Probability returns p(u,v), 0 when absent.
func (m *Model) Probability(u, v network.NodeID) float64 {
	return m.probs[network.Arc{Leader: u, Follower: v}]
}

// ProbabilityOf returns the probability of arc.
func (m *Model) ProbabilityOf(arc network.Arc) float64 {
	return m.probs[arc]
}

// Set stores p for arc. p must be in [0,1].
func (m *Model) Set(arc network.Arc, p float64) error {
	if arc.Leader == network.NullID || arc.Follower == network.NullID || arc.Leader == arc.Follower {
		return fmt.Errorf("%w: arc %s cannot carry a probability", ErrValidation, arc)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: probability %v of %s outside [0,1]", ErrValidation, p, arc.Format(m.net.Table()))
	}
	if p == 0 {
		delete(m.probs, arc)
		return nil
	}
	m.probs[arc] = p
	return nil
}

// Len returns the number of non-zero arcs.
func (m *Model) Len() int {
	return len(m.probs)
}

// NonZeroArcs returns the non-zero arcs sorted by leader name, then follower name.
func (m *Model) NonZeroArcs() []network.Arc {
	arcs := make([]network.Arc, 0, len(m.probs))
	for a := range m.probs {
		arcs = append(arcs, a)
	}
	network.SortArcs(m.net.Table(), arcs)
	return arcs
}

// Probabilities returns a copy of the non-zero probabilities.
func (m *Model) Probabilities() map[network.Arc]float64 {
	return maps.Clone(m.probs)
}

// Clone returns an independent copy of m.
func (m *Model) Clone() *Model {
	return &Model{net: m.net, probs: maps.Clone(m.probs)}
}

// Merge copies every non-zero arc of other into m.
func (m *Model) Merge(other *Model) {
	maps.Copy(m.probs, other.probs)
}

// HighProbabilityNetwork returns the network made of the arcs whose
// probability exceeds minProbability.
func (m *Model) HighProbabilityNetwork(minProbability float64) *network.Network {
	out := network.New(m.net.Table())
	for _, a := range m.NonZeroArcs() {
		if m.probs[a] > minProbability {
			// Stored arcs are valid, non-null arcs.
			_, _ = out.AddArc(a.Leader, a.Follower)
		}
	}
	return out
}

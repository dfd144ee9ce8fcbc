// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package icmodel

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

var tracer = otel.Tracer("cascadefit.icmodel")

// ParentSet is a set of parents of one child.
type ParentSet map[network.NodeID]struct{}

// NewParentSet builds a set from ids.
func NewParentSet(ids ...network.NodeID) ParentSet {
	s := make(ParentSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s ParentSet) Has(id network.NodeID) bool {
	_, ok := s[id]
	return ok
}

// BlockLogLikelihood returns the log-likelihood of child v's block when
// only the parents in selected are considered.
//
// Description:
//
//	For every action in cPlus, the child activated and one of the selected
//	parents listed for that action must have succeeded:
//	log(1 - Π(1 - p(u,v))). For every action in cMinus, every selected
//	parent listed failed: Σ log(1 - p(u,v)). An action in cPlus with no
//	selected parent contributes log(0) = -Inf, which is a value and not an
//	error. Nil maps contribute nothing.
//
// Thread Safety: Safe for concurrent use on a model that is not being mutated.
func (m *Model) BlockLogLikelihood(v network.NodeID, cPlus, cMinus auxiliary.ActionParents, selected ParentSet) float64 {
	ll := 0.0
	for _, parents := range cPlus {
		notActivated := 1.0
		for _, u := range parents {
			if selected.Has(u) {
				notActivated *= 1.0 - m.Probability(u, v)
			}
		}
		ll += math.Log(1.0 - notActivated)
	}
	for _, parents := range cMinus {
		for _, u := range parents {
			if selected.Has(u) {
				ll += math.Log(1.0 - m.Probability(u, v))
			}
		}
	}
	return ll
}

// BlockLogLikelihoodIncrease returns how much v's block log-likelihood
// grows when parent x is added to selected.
//
// Only actions whose parent list contains x change. The result equals
// BlockLogLikelihood(selected ∪ {x}) - BlockLogLikelihood(selected), and is
// +Inf when adding x lifts the block out of -Inf.
func (m *Model) BlockLogLikelihoodIncrease(v network.NodeID, cPlus, cMinus auxiliary.ActionParents, selected ParentSet, x network.NodeID) float64 {
	increase := 0.0
	px := m.Probability(x, v)
	for _, parents := range cPlus {
		if !containsNode(parents, x) {
			continue
		}
		orig := 1.0
		for _, u := range parents {
			if u != x && selected.Has(u) {
				orig *= 1.0 - m.Probability(u, v)
			}
		}
		upd := orig * (1.0 - px)
		increase += math.Log(1.0-upd) - math.Log(1.0-orig)
	}
	for _, parents := range cMinus {
		if containsNode(parents, x) {
			increase += math.Log(1.0 - px)
		}
	}
	return increase
}

func containsNode(ids []network.NodeID, x network.NodeID) bool {
	for _, id := range ids {
		if id == x {
			return true
		}
	}
	return false
}

// ComputeBlockLogLikelihood returns v's block log-likelihood with every
// parent of v in cPlus or cMinus that has non-zero probability selected.
func (m *Model) ComputeBlockLogLikelihood(ctx context.Context, v network.NodeID, idx *auxiliary.Index) (float64, error) {
	cPlus, err := idx.CPlusOnline(ctx, v)
	if err != nil {
		return 0, err
	}
	cMinus, err := idx.CMinusOnline(ctx, v)
	if err != nil {
		return 0, err
	}
	return m.BlockLogLikelihood(v, cPlus, cMinus, m.NonZeroParents(v, cPlus, cMinus)), nil
}

// NonZeroParents returns the parents listed in cPlus or cMinus whose arc to
// v has non-zero probability.
func (m *Model) NonZeroParents(v network.NodeID, cPlus, cMinus auxiliary.ActionParents) ParentSet {
	selected := make(ParentSet)
	for _, c := range []auxiliary.ActionParents{cPlus, cMinus} {
		for _, parents := range c {
			for _, u := range parents {
				if m.Probability(u, v) > 0 {
					selected[u] = struct{}{}
				}
			}
		}
	}
	return selected
}

// LogLikelihood returns the sum of block log-likelihoods over every node
// activated in some cascade, ignoring which parent the log credits.
func (m *Model) LogLikelihood(ctx context.Context, idx *auxiliary.Index) (float64, error) {
	ctx, span := tracer.Start(ctx, "icmodel.Model.LogLikelihood")
	defer span.End()

	nodes, err := idx.ChildNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("log-likelihood: %w", err)
	}
	ll := 0.0
	for _, v := range nodes {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := m.ComputeBlockLogLikelihood(ctx, v, idx)
		if err != nil {
			return 0, fmt.Errorf("log-likelihood of block %d: %w", v, err)
		}
		ll += b
	}
	span.SetAttributes(attribute.Int("blocks", len(nodes)), attribute.Float64("log_likelihood", ll))
	return ll, nil
}

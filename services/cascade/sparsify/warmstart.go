// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sparsify

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/cascadefit/pkg/progress"
	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// block is the state of one child node during sparsification.
type block struct {
	v      network.NodeID
	cPlus  auxiliary.ActionParents
	cMinus auxiliary.ActionParents

	// selected are the parents kept so far and ll their block log-likelihood.
	selected icmodel.ParentSet
	ll       float64

	// remaining are candidate parents the warm start did not take.
	remaining []network.NodeID
}

// baseArcs returns the selected arcs sorted by leader id.
func (b *block) baseArcs() []network.Arc {
	parents := slices.Sorted(maps.Keys(b.selected))
	arcs := make([]network.Arc, len(parents))
	for i, u := range parents {
		arcs[i] = network.Arc{Leader: u, Follower: b.v}
	}
	return arcs
}

// warmStart lifts every block of nodes out of minus infinity.
//
// Description:
//
//	The candidate parents of v are those listed in cPlus(v) with non-zero
//	probability. Starting from no parents, the candidate covering the most
//	still-uncovered actions is added (ties go to the smaller id), its
//	actions are removed from the other candidates, and the block
//	log-likelihood is recomputed, until it is finite or no candidate is
//	left. A block without successes starts finite and takes no parent.
func warmStart(ctx context.Context, m *icmodel.Model, idx *auxiliary.Index, nodes []network.NodeID, logger *slog.Logger) ([]*block, error) {
	pl := progress.New(logger, "blocks", len(nodes))
	pl.Start("Warm start: avoiding zero likelihood")
	blocks := make([]*block, 0, len(nodes))
	arcs := 0
	for _, v := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := warmStartBlock(ctx, m, idx, v)
		if err != nil {
			return nil, fmt.Errorf("warm start of block %d: %w", v, err)
		}
		blocks = append(blocks, b)
		arcs += len(b.selected)
		pl.Update()
	}
	pl.Stop("Warm start done")
	logger.Debug("Warm start arcs", slog.Int("arcs", arcs))
	return blocks, nil
}

func warmStartBlock(ctx context.Context, m *icmodel.Model, idx *auxiliary.Index, v network.NodeID) (*block, error) {
	cPlus, err := idx.CPlusOnline(ctx, v)
	if err != nil {
		return nil, err
	}
	cMinus, err := idx.CMinusOnline(ctx, v)
	if err != nil {
		return nil, err
	}

	parentActions := make(map[network.NodeID]map[int32]struct{})
	for action, parents := range cPlus {
		for _, u := range parents {
			if m.Probability(u, v) <= 0 {
				continue
			}
			if parentActions[u] == nil {
				parentActions[u] = make(map[int32]struct{})
			}
			parentActions[u][action] = struct{}{}
		}
	}

	b := &block{v: v, cPlus: cPlus, cMinus: cMinus, selected: icmodel.NewParentSet()}
	b.ll = m.BlockLogLikelihood(v, cPlus, cMinus, b.selected)
	for math.IsInf(b.ll, -1) && len(parentActions) > 0 {
		u := mostActions(parentActions)
		b.selected[u] = struct{}{}
		b.ll = m.BlockLogLikelihood(v, cPlus, cMinus, b.selected)
		covered := parentActions[u]
		delete(parentActions, u)
		for _, actions := range parentActions {
			for a := range covered {
				delete(actions, a)
			}
		}
	}
	b.remaining = slices.Sorted(maps.Keys(parentActions))
	return b, nil
}

// mostActions returns the parent with the most actions, the smaller id on
// ties.
func mostActions(parentActions map[network.NodeID]map[int32]struct{}) network.NodeID {
	best, bestN := network.NullID, -1
	for u, actions := range parentActions {
		n := len(actions)
		if n > bestN || (n == bestN && u < best) {
			best, bestN = u, n
		}
	}
	return best
}

// warmStartChunks runs warmStart on every chunk concurrently and returns
// the blocks of all chunks.
func warmStartChunks(ctx context.Context, m *icmodel.Model, idx *auxiliary.Index, chunks [][]network.NodeID, limit int, logger *slog.Logger) ([]*block, error) {
	results := make([][]*block, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	if limit == 0 {
		limit = len(chunks)
	}
	g.SetLimit(max(limit, 1))
	for i, nodes := range chunks {
		g.Go(func() error {
			bs, err := warmStart(gctx, m, idx, nodes, logger.With(slog.Int("chunk", i)))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = bs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []*block
	for _, bs := range results {
		all = append(all, bs...)
	}
	return all, nil
}

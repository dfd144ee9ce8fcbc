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
	"cmp"
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/cascadefit/pkg/progress"
	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// maxReportPoints bounds how many partial results a naive run records.
const maxReportPoints = 30

// Order sorts the candidate arcs of a naive sparsifier in place.
type Order func(m *icmodel.Model, arcs []network.Arc)

// ByProbability orders arcs by decreasing probability, keeping the given
// order on ties.
func ByProbability(m *icmodel.Model, arcs []network.Arc) {
	slices.SortStableFunc(arcs, func(a, b network.Arc) int {
		return cmp.Compare(m.ProbabilityOf(b), m.ProbabilityOf(a))
	})
}

// ByArcHash orders arcs by a hash of their endpoints, zero-probability
// arcs last.
func ByArcHash(m *icmodel.Model, arcs []network.Arc) {
	slices.SortStableFunc(arcs, func(a, b network.Arc) int {
		za, zb := m.ProbabilityOf(a) == 0, m.ProbabilityOf(b) == 0
		if za != zb {
			if za {
				return 1
			}
			return -1
		}
		return cmp.Compare(ArcHash(a), ArcHash(b))
	})
}

// ArcHash is a stable pseudo-random hash of an arc.
func ArcHash(a network.Arc) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(a.Leader))
	binary.LittleEndian.PutUint32(buf[4:], uint32(a.Follower))
	return xxhash.Sum64(buf[:])
}

// Naive keeps the warm-start arcs and then adds the remaining non-zero arcs
// in a fixed order until k arcs are kept. Chunking options are ignored.
type Naive struct {
	common
	order Order
}

// NewNaive creates a naive sparsifier registered as name.
func NewNaive(name string, order Order, original *icmodel.Model, idx *auxiliary.Index, opts Options) (*Naive, error) {
	c, err := newCommon(name, original, idx, opts)
	if err != nil {
		return nil, err
	}
	return &Naive{common: c, order: order}, nil
}

// reportEvery returns how many arcs separate two partial results: about
// sqrt(arcsToGo), with at most maxReportPoints points.
func reportEvery(arcsToGo int) int {
	arcsToGo = max(arcsToGo, 1)
	every := int(math.Sqrt(float64(arcsToGo)))
	if every > 0 && float64(arcsToGo)/float64(every) > maxReportPoints {
		every = arcsToGo / maxReportPoints
	}
	return max(every, 1)
}

// Sparsify implements Sparsifier.
func (n *Naive) Sparsify(ctx context.Context, k int) (*Result, error) {
	ctx, span := tracer.Start(ctx, "sparsify.Naive.Sparsify")
	defer span.End()
	logger := n.opts.logger().With(slog.String("sparsifier", n.name))

	children, err := n.idx.ChildNodes(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := warmStart(ctx, n.original, n.idx, children, logger)
	if err != nil {
		return nil, err
	}

	res := &Result{Model: icmodel.New(n.original.Network()), Measures: make(Measures)}
	initial := make(map[network.Arc]struct{})
	for _, b := range blocks {
		for _, arc := range b.baseArcs() {
			if err := res.Model.Set(arc, n.original.ProbabilityOf(arc)); err != nil {
				return nil, err
			}
			initial[arc] = struct{}{}
		}
	}
	res.BaseArcs = len(initial)
	logger.Info("Naive 1/3: warm-start arcs added", slog.Int("arcs", res.BaseArcs))
	if err := n.storeLogL(ctx, res.Measures, res.BaseArcs, res.Model); err != nil {
		return nil, err
	}

	var queue []network.Arc
	for _, arc := range n.original.NonZeroArcs() {
		if _, ok := initial[arc]; !ok {
			queue = append(queue, arc)
		}
	}
	n.order(n.original, queue)
	logger.Info("Naive 2/3: remaining arcs ordered", slog.Int("arcs", len(queue)))

	every := reportEvery(k - res.BaseArcs + 1)
	pl := progress.New(logger, "arcs", max(k-res.BaseArcs, 0))
	pl.Start("Naive 3/3: adding arcs")
	i := res.BaseArcs + 1
	for ; i <= k && len(queue) > 0; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		arc := queue[0]
		queue = queue[1:]
		if err := res.Model.Set(arc, n.original.ProbabilityOf(arc)); err != nil {
			return nil, err
		}
		arcsSelected.WithLabelValues(n.name).Inc()
		if i%every == 0 {
			if err := n.storeLogL(ctx, res.Measures, i, res.Model); err != nil {
				return nil, err
			}
			if err := n.storeFraction(ctx, res.Measures, i, res.Model); err != nil {
				return nil, err
			}
		}
		pl.Update()
	}
	pl.Stop("Naive 3/3 done")
	if err := n.storeLogL(ctx, res.Measures, i-1, res.Model); err != nil {
		return nil, err
	}
	if err := n.storeFraction(ctx, res.Measures, i-1, res.Model); err != nil {
		return nil, err
	}
	return res, nil
}

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
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cascadefit/pkg/progress"
	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/chunk"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

var tracer = otel.Tracer("cascadefit.sparsify")

// Greedy adds, one arc at a time, the arc with the largest log-likelihood
// gain over all blocks.
//
// Description:
//
//	After a chunked warm start, each block keeps a heap of its remaining
//	candidate parents keyed by their last known gain, starting at
//	+MaxFloat. To pick a block's next parent, candidates are scanned by
//	decreasing stale gain and only re-evaluated while their stale gain is
//	at least the best exact gain found so far; gains never grow as parents
//	are added, so the skipped ones cannot win. Each block offers its best
//	arc to a global heap, and the budget loop pops k minus the warm-start
//	size arcs from it.
//
// Thread Safety: Sparsify may be called concurrently on distinct sparsifiers.
type Greedy struct {
	common
}

// NewGreedy creates a greedy sparsifier of original over idx.
func NewGreedy(original *icmodel.Model, idx *auxiliary.Index, opts Options) (*Greedy, error) {
	c, err := newCommon(GreedyName, original, idx, opts)
	if err != nil {
		return nil, err
	}
	return &Greedy{common: c}, nil
}

type greedyBlock struct {
	*block
	cands *candidateHeap
}

// Sparsify implements Sparsifier.
func (g *Greedy) Sparsify(ctx context.Context, k int) (*Result, error) {
	ctx, span := tracer.Start(ctx, "sparsify.Greedy.Sparsify")
	defer span.End()
	logger := g.opts.logger()

	children, err := g.idx.ChildNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("sparsify: %w", err)
	}
	chunks := chunk.Partition(chunk.Shuffle(children, g.opts.Seed), g.opts.NumChunks)
	span.SetAttributes(attribute.Int("k", k), attribute.Int("blocks", len(children)), attribute.Int("chunks", len(chunks)))

	logger.Info("Greedy 1/3: warm start", slog.Int("chunks", len(chunks)))
	blocks, err := warmStartChunks(ctx, g.original, g.idx, chunks, g.opts.Concurrency, logger)
	if err != nil {
		return nil, err
	}

	res := &Result{Model: icmodel.New(g.original.Network()), Measures: make(Measures)}
	total := 0.0
	byNode := make(map[network.NodeID]*greedyBlock, len(blocks))
	for _, b := range blocks {
		byNode[b.v] = &greedyBlock{block: b, cands: newCandidateHeap(b.remaining, math.MaxFloat64)}
		total += b.ll
		for _, arc := range b.baseArcs() {
			if err := res.Model.Set(arc, g.original.ProbabilityOf(arc)); err != nil {
				return nil, err
			}
			res.BaseArcs++
		}
	}
	if g.opts.ReportPartial {
		res.Measures.Store(LogL, res.BaseArcs, total)
	}
	if err := g.storeFraction(ctx, res.Measures, res.BaseArcs, res.Model); err != nil {
		return nil, err
	}
	if res.BaseArcs > k {
		logger.Warn("Warm start needs more arcs than the budget", slog.Int("base_arcs", res.BaseArcs), slog.Int("k", k))
	}

	pl := progress.New(logger, "blocks", len(children))
	pl.Start("Greedy 2/3: best parent per block")
	global := &choiceHeap{}
	for _, v := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g.offerNext(byNode[v], global)
		pl.Update()
	}
	pl.Stop("Greedy 2/3 done")

	toAdd := k - res.BaseArcs
	pl = progress.New(logger, "arcs", max(toAdd, 0))
	pl.Start("Greedy 3/3: adding arcs")
	for i := 0; i < toAdd && global.Len() > 0; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := heap.Pop(global).(choice)
		total += c.gain
		if err := res.Model.Set(c.arc, g.original.ProbabilityOf(c.arc)); err != nil {
			return nil, err
		}
		arcsSelected.WithLabelValues(g.name).Inc()
		if g.opts.ReportPartial {
			res.Measures.Store(LogL, res.BaseArcs+i+1, total)
		}
		g.offerNext(byNode[c.arc.Follower], global)
		if err := g.storeFraction(ctx, res.Measures, res.BaseArcs+i+1, res.Model); err != nil {
			return nil, err
		}
		pl.Update()
	}
	pl.Stop("Greedy 3/3 done")

	span.SetAttributes(attribute.Int("arcs", res.Model.Len()), attribute.Float64("log_likelihood", total))
	logger.Info("Greedy sparsification done",
		slog.Int("base_arcs", res.BaseArcs),
		slog.Int("arcs", res.Model.Len()),
		slog.Float64("log_likelihood", total))
	return res, nil
}

// offerNext picks b's best next parent, commits it to the block and pushes
// the arc to global.
func (g *Greedy) offerNext(b *greedyBlock, global *choiceHeap) {
	if b == nil || b.cands.Len() == 0 {
		return
	}
	best := math.Inf(-1)
	for _, c := range b.cands.Live() {
		if c.gain < best {
			continue
		}
		gain := g.gain(b.block, c.parent)
		if gain > best {
			best = gain
		}
		b.cands.Update(c.parent, gain)
	}
	c, ok := b.cands.Pop()
	if !ok {
		return
	}
	heap.Push(global, choice{arc: network.Arc{Leader: c.parent, Follower: b.v}, gain: best})
	b.selected[c.parent] = struct{}{}
	b.ll += best
}

// gain is the block log-likelihood increase of adding parent x to b.
func (g *Greedy) gain(b *block, x network.NodeID) float64 {
	gainEvaluations.WithLabelValues(gainMode(g.opts.Incremental)).Inc()
	var d float64
	if g.opts.Incremental {
		d = g.original.BlockLogLikelihoodIncrease(b.v, b.cPlus, b.cMinus, b.selected, x)
	} else {
		with := make(icmodel.ParentSet, len(b.selected)+1)
		for u := range b.selected {
			with[u] = struct{}{}
		}
		with[x] = struct{}{}
		d = g.original.BlockLogLikelihood(b.v, b.cPlus, b.cMinus, with) - b.ll
	}
	if math.IsNaN(d) {
		return 0
	}
	return d
}

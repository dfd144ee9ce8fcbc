// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package estimate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/cascadefit/pkg/progress"
	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/chunk"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

// InitialProbability is the starting value of every arc with a success.
const InitialProbability = 1.0

var tracer = otel.Tracer("cascadefit.estimate")

// EM estimates probabilities by Expectation-Maximization, without knowing
// which parent activated each node.
//
// Description:
//
//	Every arc (u,v) with at least one action in A+ starts at
//	InitialProbability. Each iteration replaces p(u,v) by
//
//	    p(u,v) * Σ_{a ∈ A+(u,v)} 1/pAlpha(a,v) / (|A+(u,v)| + |A-(u,v)|)
//
//	where pAlpha(a,v) = 1 - Π_{w ∈ B+(a,v)} (1 - p(w,v)) is the chance
//	that some candidate parent activated v in action a. Iteration stops
//	when the squared L2 change is below MinDifference, keeping the last
//	accepted values, or after MaxIterations.
//
//	Nodes are shuffled and split into chunks; each chunk owns the inlinks
//	of its nodes and is estimated on its own goroutine. The chunk
//	estimates are merged after all of them finish.
//
// Thread Safety: Estimate may be called concurrently on distinct indexes.
type EM struct {
	name string
	net  *network.Network
	pol  policy.Policy
	opts Options
}

// NewEM creates an EM estimator using TimePrecedence.
func NewEM(net *network.Network, opts Options) (*EM, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &EM{name: EMName, net: net, pol: policy.TimePrecedence{}, opts: opts}, nil
}

// NewEMWithDelayThreshold creates an EM estimator whose policy treats a
// parent as failed when the child waited longer than
// DelayThreshold(opts.DelayMultiplier).
func NewEMWithDelayThreshold(net *network.Network, opts Options) (*EM, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &EM{
		name: EMWithDelayThresholdName,
		net:  net,
		pol:  policy.TimePrecedenceWithDelay{Delay: DelayThreshold(opts.DelayMultiplier)},
		opts: opts,
	}, nil
}

// Name implements Estimator.
func (e *EM) Name() string { return e.name }

// Policy implements Estimator.
func (e *EM) Policy() policy.Policy { return e.pol }

// Estimate implements Estimator.
//
// Outputs:
//
//	*Result - The merged model and per-chunk convergence.
//	error - ErrConfig when idx was built with another policy, or the first
//	chunk error (including ctx's error).
func (e *EM) Estimate(ctx context.Context, idx *auxiliary.Index) (*Result, error) {
	ctx, span := tracer.Start(ctx, "estimate.EM.Estimate")
	defer span.End()
	logger := e.opts.logger()

	if idx.Policy() == nil || idx.Policy().Spec() != e.pol.Spec() {
		got := "none"
		if idx.Policy() != nil {
			got = idx.Policy().Spec()
		}
		err := fmt.Errorf("%w: %w: index has %q, %s needs %q", ErrConfig, auxiliary.ErrPolicyMismatch, got, e.name, e.pol.Spec())
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy mismatch")
		return nil, err
	}

	aPlus, err := idx.APlus(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate: %w", err)
	}
	aMinus, err := idx.AMinus(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate: %w", err)
	}
	bPlus, err := idx.BPlus(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate: %w", err)
	}

	chunks := chunk.Split(e.net, e.opts.NumChunks, e.opts.Seed)
	span.SetAttributes(
		attribute.String("estimator", e.name),
		attribute.Int("chunks", len(chunks)),
		attribute.Int("nodes", e.net.NumNodes()),
	)
	logger.Info("Estimating probabilities",
		slog.String("estimator", e.name),
		slog.Int("chunks", len(chunks)),
		slog.Int("max_iterations", e.opts.MaxIterations),
		slog.Float64("min_difference", e.opts.MinDifference))

	probs := make([]map[network.Arc]float64, len(chunks))
	stats := make([]ChunkResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	limit := e.opts.Concurrency
	if limit == 0 {
		limit = len(chunks)
	}
	g.SetLimit(max(limit, 1))
	for i, nodes := range chunks {
		g.Go(func() error {
			p, st, err := e.runChunk(gctx, i, nodes, aPlus, aMinus, bPlus)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			probs[i], stats[i] = p, st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m := icmodel.New(e.net)
	for _, p := range probs {
		for arc, v := range p {
			if err := m.Set(arc, min(v, 1)); err != nil {
				return nil, fmt.Errorf("estimate: %w", err)
			}
		}
	}
	res := &Result{Model: m, Chunks: stats}
	span.SetAttributes(attribute.Int("arcs", m.Len()), attribute.Int("iterations", res.Iterations()))
	logger.Info("Estimation done",
		slog.String("estimator", e.name),
		slog.Int("non_zero_arcs", m.Len()),
		slog.Int("iterations", res.Iterations()))
	return res, nil
}

// chunkArcs returns the inlinks of nodes that have at least one success.
func chunkArcs(net *network.Network, nodes []network.NodeID, aPlus map[network.Arc][]int32) []network.Arc {
	var arcs []network.Arc
	for _, v := range nodes {
		for _, u := range net.Leaders(v) {
			arc := network.Arc{Leader: u, Follower: v}
			if len(aPlus[arc]) > 0 {
				arcs = append(arcs, arc)
			}
		}
	}
	network.SortArcs(net.Table(), arcs)
	return arcs
}

func (e *EM) runChunk(
	ctx context.Context,
	i int,
	nodes []network.NodeID,
	aPlus, aMinus map[network.Arc][]int32,
	bPlus []map[network.NodeID][]network.NodeID,
) (map[network.Arc]float64, ChunkResult, error) {
	_, span := tracer.Start(ctx, "estimate.EM.chunk")
	defer span.End()
	start := time.Now()
	logger := e.opts.logger().With(slog.Int("chunk", i))

	arcs := chunkArcs(e.net, nodes, aPlus)
	st := ChunkResult{Nodes: len(nodes), Arcs: len(arcs)}
	span.SetAttributes(attribute.Int("chunk", i), attribute.Int("arcs", len(arcs)))
	if len(arcs) == 0 {
		st.Converged = true
		return nil, st, nil
	}

	pos := make(map[network.Arc]int, len(arcs))
	cur := make([]float64, len(arcs))
	for j, a := range arcs {
		pos[a] = j
		cur[j] = InitialProbability
	}
	next := make([]float64, len(arcs))
	diff := make([]float64, len(arcs))

	pl := progress.New(logger, "iterations", e.opts.MaxIterations)
	pl.Start("Iterating EM")
	for it := 0; e.opts.MaxIterations == -1 || it < e.opts.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, st, err
		}
		for j, arc := range arcs {
			plus := aPlus[arc]
			if len(plus) == 0 {
				next[j] = 0
				continue
			}
			sum := 0.0
			for _, a := range plus {
				sum += 1.0 / pAlpha(arc.Follower, bPlus[a][arc.Follower], cur, pos)
			}
			next[j] = cur[j] / float64(len(plus)+len(aMinus[arc])) * sum
		}
		st.Iterations++
		emIterations.WithLabelValues(e.name).Inc()
		pl.Update()

		if e.opts.MinDifference > 0 {
			l2sq := icmodel.SquaredDistanceTo(diff, cur, next)
			if l2sq < e.opts.MinDifference {
				logger.Debug("EM converged", slog.Float64("l2sq", l2sq), slog.Int("iterations", st.Iterations))
				st.Converged = true
				break
			}
		}
		cur, next = next, cur
	}
	pl.Stop("EM done")
	emChunks.WithLabelValues(e.name, chunkOutcome(st.Converged)).Inc()
	emChunkDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())

	out := make(map[network.Arc]float64, len(arcs))
	for j, a := range arcs {
		if cur[j] > 0 {
			out[a] = cur[j]
		}
	}
	return out, st, nil
}

// pAlpha is the probability that at least one candidate parent activated v.
func pAlpha(v network.NodeID, parents []network.NodeID, cur []float64, pos map[network.Arc]int) float64 {
	notActivated := 1.0
	for _, w := range parents {
		if j, ok := pos[network.Arc{Leader: w, Follower: v}]; ok {
			notActivated *= 1.0 - cur[j]
		}
	}
	return 1.0 - notActivated
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auxiliary builds the per-edge and per-action index that the
// estimators and sparsifiers read instead of rescanning the observation log.
//
// For every arc (u,v) of the network the index records the actions in which
// u could have activated v (A+) and those in which u certainly failed to
// (A-). For every action and child it records the parents that could have
// activated the child (B+). The candidate selection policy decides which
// bucket an (action, u, v) triple falls into.
package auxiliary

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/cascadefit/pkg/progress"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

var tracer = otel.Tracer("cascadefit.auxiliary")

// ActionParents maps an action to the parents of one child that belong to
// A+ (or A-) of that action.
type ActionParents map[int32][]network.NodeID

// Parents returns the distinct parents appearing in any action, sorted by id.
func (c ActionParents) Parents() []network.NodeID {
	seen := make(map[network.NodeID]struct{})
	for _, ps := range c {
		for _, p := range ps {
			seen[p] = struct{}{}
		}
	}
	out := make([]network.NodeID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Index is the auxiliary index over one network and one observation source.
//
// Description:
//
//	Every field is computed lazily on first access and memoized. Action ids
//	are positions in the observation source. The default start node is never
//	a key of NodeActions. A+ and A- lists have exactly the capacity they
//	need, and hold action ids in increasing order.
//
// Thread Safety: Safe for concurrent readers. Clear must not run
// concurrently with any other method.
type Index struct {
	net    *network.Network
	src    observation.Source
	pol    policy.Policy
	logger *slog.Logger

	mu             sync.Mutex
	nActions       int
	nodeActions    map[network.NodeID]map[int32]struct{}
	activationTime []observation.ActivationTimes
	aPlus          map[network.Arc][]int32
	aMinus         map[network.Arc][]int32
	bPlus          []map[network.NodeID][]network.NodeID
	aPlusParents   map[network.NodeID][]network.NodeID
	aMinusParents  map[network.NodeID][]network.NodeID

	cPlusCache  sync.Map
	cMinusCache sync.Map
	group       singleflight.Group
}

// New creates an empty index. pol may be nil when the index will be loaded
// with Read; computing A+ without a policy fails with ErrConfig.
func New(net *network.Network, src observation.Source, pol policy.Policy, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		net:      net,
		src:      src,
		pol:      pol,
		logger:   logger,
		nActions: -1,
	}
}

// Network returns the network the index was built over.
func (x *Index) Network() *network.Network {
	return x.net
}

// Source returns the observation source.
func (x *Index) Source() observation.Source {
	return x.src
}

// Policy returns the candidate selection policy, possibly nil.
func (x *Index) Policy() policy.Policy {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pol
}

// NumNodes returns the number of nodes of the underlying network.
func (x *Index) NumNodes() int {
	return x.net.NumNodes()
}

// =============================================================================
// Lazy accessors
// =============================================================================

// NumActions returns the number of distinct actions with at least one event.
func (x *Index) NumActions(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureNodeActions(ctx); err != nil {
		return 0, err
	}
	return x.nActions, nil
}

// NodeActions returns, for every activated node other than the default
// start node, the set of actions that activated it.
func (x *Index) NodeActions(ctx context.Context) (map[network.NodeID]map[int32]struct{}, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureNodeActions(ctx); err != nil {
		return nil, err
	}
	return x.nodeActions, nil
}

// ChildNodes returns the keys of NodeActions sorted by id.
func (x *Index) ChildNodes(ctx context.Context) ([]network.NodeID, error) {
	na, err := x.NodeActions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]network.NodeID, 0, len(na))
	for v := range na {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// ActivationTimes returns the activation times of every action, indexed by
// action id.
func (x *Index) ActivationTimes(ctx context.Context) ([]observation.ActivationTimes, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureActivationTimes(ctx); err != nil {
		return nil, err
	}
	return x.activationTime, nil
}

// APlus returns arc → actions in which the leader could have activated the follower.
func (x *Index) APlus(ctx context.Context) (map[network.Arc][]int32, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureA(ctx); err != nil {
		return nil, err
	}
	return x.aPlus, nil
}

// AMinus returns arc → actions in which the leader certainly failed.
func (x *Index) AMinus(ctx context.Context) (map[network.Arc][]int32, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureA(ctx); err != nil {
		return nil, err
	}
	return x.aMinus, nil
}

// BPlus returns, per action, child → parents u such that the action is in A+(u,child).
func (x *Index) BPlus(ctx context.Context) ([]map[network.NodeID][]network.NodeID, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureA(ctx); err != nil {
		return nil, err
	}
	return x.bPlus, nil
}

// Build computes every lazy field.
func (x *Index) Build(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "auxiliary.Index.Build")
	defer span.End()

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureA(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	if err := x.ensureParentsOfChild(); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("actions", x.nActions),
		attribute.Int("aplus_arcs", len(x.aPlus)),
		attribute.Int("aminus_arcs", len(x.aMinus)),
	)
	return nil
}

// Clear drops the heavy fields. The number of actions and the policy are
// kept; the other fields are recomputed from the source on next access.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nodeActions = nil
	x.activationTime = nil
	x.aPlus = nil
	x.aMinus = nil
	x.bPlus = nil
	x.aPlusParents = nil
	x.aMinusParents = nil
	x.cPlusCache.Clear()
	x.cMinusCache.Clear()
}

// =============================================================================
// Computation (x.mu held)
// =============================================================================

func (x *Index) ensureNodeActions(ctx context.Context) error {
	if x.nodeActions != nil {
		return nil
	}
	if x.src == nil {
		return fmt.Errorf("%w: no observation source", ErrConfig)
	}
	_, span := tracer.Start(ctx, "auxiliary.Index.computeNodeActions")
	defer span.End()

	nodeActions := make(map[network.NodeID]map[int32]struct{})
	distinct := make(map[int32]struct{})
	err := x.src.ForEach(ctx, func(action int, h *observation.History) error {
		a := int32(action)
		for _, e := range h.Events() {
			set, ok := nodeActions[e.Follower]
			if !ok {
				set = make(map[int32]struct{})
				nodeActions[e.Follower] = set
			}
			set[a] = struct{}{}
			distinct[a] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("computing node actions: %w", err)
	}

	delete(nodeActions, x.net.Table().DefaultStart())
	x.nodeActions = nodeActions
	x.nActions = len(distinct)
	span.SetAttributes(attribute.Int("actions", x.nActions), attribute.Int("nodes", len(nodeActions)))
	return nil
}

func (x *Index) ensureActivationTimes(ctx context.Context) error {
	if x.activationTime != nil {
		return nil
	}
	if err := x.ensureNodeActions(ctx); err != nil {
		return err
	}

	pl := progress.New(x.logger, "actions", x.nActions)
	pl.Start("begin computing activation time per action")
	times := make([]observation.ActivationTimes, 0, x.nActions)
	err := x.src.ForEach(ctx, func(action int, h *observation.History) error {
		pl.Update()
		for len(times) < action {
			times = append(times, observation.ActivationTimes{})
		}
		times = append(times, h.ActivationTimes())
		return nil
	})
	if err != nil {
		return fmt.Errorf("computing activation times: %w", err)
	}
	x.activationTime = times
	pl.Stop("done computing activation time per action")
	return nil
}

// ensureA computes A+, A- and B+ in three passes over the source: sizing
// (with B+), allocation of exact-capacity lists, and fill.
func (x *Index) ensureA(ctx context.Context) error {
	if x.aPlus != nil {
		return nil
	}
	if x.pol == nil {
		return fmt.Errorf("%w: cannot compute A+ and A- without a candidate selection policy", ErrConfig)
	}
	if err := x.ensureActivationTimes(ctx); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "auxiliary.Index.computeA",
		trace.WithAttributes(attribute.String("policy", x.pol.Spec())),
	)
	defer span.End()

	// Sizing.
	plusSize := make(map[network.Arc]int)
	minusSize := make(map[network.Arc]int)
	bPlus := make([]map[network.NodeID][]network.NodeID, len(x.activationTime))

	pl := progress.New(x.logger, "actions", x.nActions)
	pl.Start("begin computing sizes of A+ and A-, and B+, using " + x.pol.Spec())
	err := x.walk(ctx, func(action int32, arc network.Arc, ct policy.CandidateType) {
		switch ct {
		case policy.CouldHaveActivated:
			plusSize[arc]++
			b := bPlus[action]
			if b == nil {
				b = make(map[network.NodeID][]network.NodeID)
				bPlus[action] = b
			}
			b[arc.Follower] = append(b[arc.Follower], arc.Leader)
		case policy.FailedToActivate:
			minusSize[arc]++
		}
	}, pl.Update)
	if err != nil {
		return fmt.Errorf("sizing A+ and A-: %w", err)
	}
	for _, b := range bPlus {
		for _, parents := range b {
			slices.Sort(parents)
		}
	}
	pl.Stop("done computing sizes")
	x.logger.Info("auxiliary sizes",
		slog.Int("aplus_arcs", len(plusSize)),
		slog.Int("aminus_arcs", len(minusSize)),
		slog.Int("bplus_actions", len(bPlus)),
	)

	// Allocation.
	aPlus := make(map[network.Arc][]int32, len(plusSize))
	for arc, n := range plusSize {
		aPlus[arc] = make([]int32, 0, n)
	}
	aMinus := make(map[network.Arc][]int32, len(minusSize))
	for arc, n := range minusSize {
		aMinus[arc] = make([]int32, 0, n)
	}

	// Fill.
	pl = progress.New(x.logger, "actions", x.nActions)
	pl.Start("begin computing A+ and A- using " + x.pol.Spec())
	err = x.walk(ctx, func(action int32, arc network.Arc, ct policy.CandidateType) {
		switch ct {
		case policy.CouldHaveActivated:
			aPlus[arc] = append(aPlus[arc], action)
		case policy.FailedToActivate:
			aMinus[arc] = append(aMinus[arc], action)
		}
	}, pl.Update)
	if err != nil {
		return fmt.Errorf("filling A+ and A-: %w", err)
	}
	pl.Stop("done computing A+ and A-")

	x.aPlus = aPlus
	x.aMinus = aMinus
	x.bPlus = bPlus
	return nil
}

// walk classifies every (event follower, network child) pair of every action.
func (x *Index) walk(ctx context.Context, fn func(action int32, arc network.Arc, ct policy.CandidateType), tick func()) error {
	return x.src.ForEach(ctx, func(action int, h *observation.History) error {
		tick()
		a := int32(action)
		times := x.activationTime[action]
		for _, e := range h.Events() {
			parent := e.Follower
			for _, child := range x.net.Followers(parent) {
				ct := x.pol.Decide(times, parent, child)
				if ct == policy.Other {
					continue
				}
				fn(a, network.Arc{Leader: parent, Follower: child}, ct)
			}
		}
		return nil
	})
}

func (x *Index) ensureParentsOfChild() error {
	if x.aPlusParents == nil {
		x.aPlusParents = parentsOfChild(x.aPlus)
	}
	if x.aMinusParents == nil {
		x.aMinusParents = parentsOfChild(x.aMinus)
	}
	return nil
}

// parentsOfChild maps each follower to the leaders of its arcs with a
// non-empty action list.
func parentsOfChild(a map[network.Arc][]int32) map[network.NodeID][]network.NodeID {
	out := make(map[network.NodeID][]network.NodeID)
	for arc, actions := range a {
		if len(actions) == 0 {
			continue
		}
		out[arc.Follower] = append(out[arc.Follower], arc.Leader)
	}
	for _, ps := range out {
		slices.Sort(ps)
	}
	return out
}

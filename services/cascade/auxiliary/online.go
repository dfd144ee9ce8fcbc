// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auxiliary

import (
	"context"
	"strconv"
	"sync"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// CPlusOnline returns action → parents u of v such that the action is in
// A+(u,v). It returns nil when v has no incoming A+ arc.
//
// Description:
//
//	The map is built on first request from A+ and the parents-of-child
//	index, then memoized. Concurrent callers asking for the same node share
//	one computation.
//
// Thread Safety: Safe for concurrent use. The returned map must not be
// modified.
func (x *Index) CPlusOnline(ctx context.Context, v network.NodeID) (ActionParents, error) {
	return x.online(ctx, v, "+", &x.cPlusCache, func() (map[network.Arc][]int32, map[network.NodeID][]network.NodeID) {
		return x.aPlus, x.aPlusParents
	})
}

// CMinusOnline is CPlusOnline over A-.
func (x *Index) CMinusOnline(ctx context.Context, v network.NodeID) (ActionParents, error) {
	return x.online(ctx, v, "-", &x.cMinusCache, func() (map[network.Arc][]int32, map[network.NodeID][]network.NodeID) {
		return x.aMinus, x.aMinusParents
	})
}

// APlusParentsOf returns the parents of v with a non-empty A+ list.
func (x *Index) APlusParentsOf(ctx context.Context, v network.NodeID) ([]network.NodeID, error) {
	if err := x.ensureOnline(ctx); err != nil {
		return nil, err
	}
	return x.aPlusParents[v], nil
}

// AMinusParentsOf returns the parents of v with a non-empty A- list.
func (x *Index) AMinusParentsOf(ctx context.Context, v network.NodeID) ([]network.NodeID, error) {
	if err := x.ensureOnline(ctx); err != nil {
		return nil, err
	}
	return x.aMinusParents[v], nil
}

func (x *Index) ensureOnline(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureA(ctx); err != nil {
		return err
	}
	return x.ensureParentsOfChild()
}

func (x *Index) online(
	ctx context.Context,
	v network.NodeID,
	tag string,
	cache *sync.Map,
	source func() (map[network.Arc][]int32, map[network.NodeID][]network.NodeID),
) (ActionParents, error) {
	if cached, ok := cache.Load(v); ok {
		return cached.(ActionParents), nil
	}
	if err := x.ensureOnline(ctx); err != nil {
		return nil, err
	}

	key := tag + strconv.Itoa(int(v))
	res, err, _ := x.group.Do(key, func() (any, error) {
		if cached, ok := cache.Load(v); ok {
			return cached, nil
		}
		a, parents := source()
		c := actionParents(a, parents[v], v)
		cache.Store(v, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(ActionParents), nil
}

// actionParents inverts the lists of arcs (u,v), u in parents, into
// action → parents. It returns nil when there is nothing to invert.
func actionParents(a map[network.Arc][]int32, parents []network.NodeID, v network.NodeID) ActionParents {
	if len(parents) == 0 {
		return nil
	}
	out := make(ActionParents)
	size := 0
	for _, u := range parents {
		for _, action := range a[network.Arc{Leader: u, Follower: v}] {
			out[action] = append(out[action], u)
			size++
		}
	}
	if size == 0 {
		return nil
	}
	return out
}

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
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

// ArcActions is one A+ or A- entry in a Snapshot.
type ArcActions struct {
	Leader   string  `json:"leader"`
	Follower string  `json:"follower"`
	Actions  []int32 `json:"actions"`
}

// Snapshot is a name-based value form of a built index, independent of any
// node table. It is what the index cache stores.
type Snapshot struct {
	Policy          string                `json:"policy"`
	NumActions      int                   `json:"n_actions"`
	NodeActions     map[string][]int32    `json:"node_actions"`
	ActivationTimes []map[string]int64    `json:"activation_times"`
	APlus           []ArcActions          `json:"aplus"`
	AMinus          []ArcActions          `json:"aminus"`
	BPlus           []map[string][]string `json:"bplus"`
}

// Snapshot builds the index if needed and returns its value form.
func (x *Index) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := x.Build(ctx); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	t := x.net.Table()
	s := &Snapshot{
		Policy:          x.pol.Spec(),
		NumActions:      x.nActions,
		NodeActions:     make(map[string][]int32, len(x.nodeActions)),
		ActivationTimes: make([]map[string]int64, len(x.activationTime)),
		APlus:           arcActions(t, x.aPlus),
		AMinus:          arcActions(t, x.aMinus),
		BPlus:           make([]map[string][]string, len(x.bPlus)),
	}
	for v, set := range x.nodeActions {
		s.NodeActions[t.MustName(v)] = sortedActions(set)
	}
	for a, at := range x.activationTime {
		m := make(map[string]int64, len(at))
		for v, ts := range at {
			m[t.MustName(v)] = ts
		}
		s.ActivationTimes[a] = m
	}
	for a, byChild := range x.bPlus {
		if byChild == nil {
			continue
		}
		m := make(map[string][]string, len(byChild))
		for v, ps := range byChild {
			names := make([]string, len(ps))
			for i, u := range ps {
				names[i] = t.MustName(u)
			}
			m[t.MustName(v)] = names
		}
		s.BPlus[a] = m
	}
	return s, nil
}

func arcActions(t *network.NodeTable, a map[network.Arc][]int32) []ArcActions {
	arcs := make([]network.Arc, 0, len(a))
	for arc := range a {
		arcs = append(arcs, arc)
	}
	network.SortArcs(t, arcs)
	out := make([]ArcActions, len(arcs))
	for i, arc := range arcs {
		out[i] = ArcActions{
			Leader:   t.MustName(arc.Leader),
			Follower: t.MustName(arc.Follower),
			Actions:  slices.Clone(a[arc]),
		}
	}
	return out
}

// FromSnapshot rebuilds an index from s, interning names into the network's
// table. When requested is non-nil its spec must match s.Policy.
func FromSnapshot(s *Snapshot, net *network.Network, src observation.Source, requested policy.Policy, logger *slog.Logger) (*Index, error) {
	stored, err := policy.FromSpec(s.Policy)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if requested != nil && requested.Spec() != stored.Spec() {
		return nil, fmt.Errorf("%w: stored %q, requested %q", ErrPolicyMismatch, stored.Spec(), requested.Spec())
	}

	t := net.Table()
	x := New(net, src, stored, logger)
	x.nActions = s.NumActions

	x.nodeActions = make(map[network.NodeID]map[int32]struct{}, len(s.NodeActions))
	for name, actions := range s.NodeActions {
		v, err := t.Intern(name)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		set := make(map[int32]struct{}, len(actions))
		for _, a := range actions {
			set[a] = struct{}{}
		}
		x.nodeActions[v] = set
	}
	delete(x.nodeActions, t.DefaultStart())

	x.activationTime = make([]observation.ActivationTimes, len(s.ActivationTimes))
	for a, m := range s.ActivationTimes {
		at := make(observation.ActivationTimes, len(m))
		for name, ts := range m {
			v, err := t.Intern(name)
			if err != nil {
				return nil, fmt.Errorf("snapshot: %w", err)
			}
			at[v] = ts
		}
		x.activationTime[a] = at
	}

	if x.aPlus, err = arcMap(t, s.APlus); err != nil {
		return nil, err
	}
	if x.aMinus, err = arcMap(t, s.AMinus); err != nil {
		return nil, err
	}

	x.bPlus = make([]map[network.NodeID][]network.NodeID, len(s.BPlus))
	for a, m := range s.BPlus {
		if m == nil {
			continue
		}
		byChild := make(map[network.NodeID][]network.NodeID, len(m))
		for childName, parentNames := range m {
			v, err := t.Intern(childName)
			if err != nil {
				return nil, fmt.Errorf("snapshot: %w", err)
			}
			ps := make([]network.NodeID, 0, len(parentNames))
			for _, pn := range parentNames {
				u, err := t.Intern(pn)
				if err != nil {
					return nil, fmt.Errorf("snapshot: %w", err)
				}
				ps = append(ps, u)
			}
			slices.Sort(ps)
			byChild[v] = ps
		}
		x.bPlus[a] = byChild
	}
	return x, nil
}

func arcMap(t *network.NodeTable, entries []ArcActions) (map[network.Arc][]int32, error) {
	out := make(map[network.Arc][]int32, len(entries))
	for _, e := range entries {
		u, err := t.Intern(e.Leader)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		v, err := t.Intern(e.Follower)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		out[network.Arc{Leader: u, Follower: v}] = slices.Clip(slices.Clone(e.Actions))
	}
	return out, nil
}

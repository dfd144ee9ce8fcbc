// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"cmp"
	"fmt"
	"slices"
)

// Arc is a directed edge from a leader (parent) to a follower (child).
type Arc struct {
	Leader   NodeID
	Follower NodeID
}

// NewArc builds a validated arc. Both endpoints null, or equal, is an error.
func NewArc(leader, follower NodeID) (Arc, error) {
	if leader == NullID && follower == NullID {
		return Arc{}, fmt.Errorf("%w: both endpoints are null", ErrInvalidArc)
	}
	if leader == follower {
		return Arc{}, fmt.Errorf("%w: self-loop on %d", ErrInvalidArc, leader)
	}
	return Arc{Leader: leader, Follower: follower}, nil
}

// HasNullLeader reports whether the arc is a cascade root activation.
func (a Arc) HasNullLeader() bool {
	return a.Leader == NullID
}

// String renders the arc by ids.
func (a Arc) String() string {
	return fmt.Sprintf("(%d,%d)", a.Leader, a.Follower)
}

// Format renders the arc by names.
func (a Arc) Format(t *NodeTable) string {
	return "(" + t.MustName(a.Leader) + "," + t.MustName(a.Follower) + ")"
}

// CompareByName orders arcs by leader name, then follower name.
func CompareByName(t *NodeTable, a, b Arc) int {
	if c := cmp.Compare(t.MustName(a.Leader), t.MustName(b.Leader)); c != 0 {
		return c
	}
	return cmp.Compare(t.MustName(a.Follower), t.MustName(b.Follower))
}

// SortArcs sorts arcs in place by leader name, then follower name.
func SortArcs(t *NodeTable, arcs []Arc) {
	slices.SortFunc(arcs, func(a, b Arc) int {
		return CompareByName(t, a, b)
	})
}

// SortNodes sorts ids in place by name.
func SortNodes(t *NodeTable, ids []NodeID) {
	slices.SortFunc(ids, func(a, b NodeID) int {
		return cmp.Compare(t.MustName(a), t.MustName(b))
	})
}

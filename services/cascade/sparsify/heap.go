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
	"container/heap"
	"slices"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// candidate is a possible parent of a block with its last known gain.
type candidate struct {
	parent  network.NodeID
	gain    float64
	version uint32
}

// candidateHeap is a max-heap of candidate parents with lazy deletion.
//
// Updating a parent pushes a new entry and bumps the parent's version;
// entries with an old version are tombstones and are skipped on Pop.
type candidateHeap struct {
	items   candidateItems
	version map[network.NodeID]uint32
	live    map[network.NodeID]struct{}
}

func newCandidateHeap(parents []network.NodeID, gain float64) *candidateHeap {
	h := &candidateHeap{
		items:   make(candidateItems, 0, len(parents)),
		version: make(map[network.NodeID]uint32, len(parents)),
		live:    make(map[network.NodeID]struct{}, len(parents)),
	}
	for _, u := range parents {
		h.items = append(h.items, candidate{parent: u, gain: gain})
		h.version[u] = 0
		h.live[u] = struct{}{}
	}
	heap.Init(&h.items)
	return h
}

// Len returns the number of live candidates.
func (h *candidateHeap) Len() int {
	return len(h.live)
}

// Update replaces the gain of parent, adding it if absent.
func (h *candidateHeap) Update(parent network.NodeID, gain float64) {
	v := h.version[parent] + 1
	h.version[parent] = v
	h.live[parent] = struct{}{}
	heap.Push(&h.items, candidate{parent: parent, gain: gain, version: v})
	h.compact()
}

// Remove tombstones parent.
func (h *candidateHeap) Remove(parent network.NodeID) {
	if _, ok := h.live[parent]; !ok {
		return
	}
	delete(h.live, parent)
	h.version[parent]++
}

// Pop removes and returns the live candidate with the highest gain; ties go
// to the smaller parent id.
func (h *candidateHeap) Pop() (candidate, bool) {
	for h.items.Len() > 0 {
		c := heap.Pop(&h.items).(candidate)
		heapPops.Inc()
		if h.valid(c) {
			delete(h.live, c.parent)
			h.version[c.parent]++
			return c, true
		}
	}
	return candidate{}, false
}

// Live returns the live candidates by decreasing gain.
func (h *candidateHeap) Live() []candidate {
	out := make([]candidate, 0, len(h.live))
	for _, c := range h.items {
		if h.valid(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, compareCandidates)
	return out
}

func (h *candidateHeap) valid(c candidate) bool {
	_, ok := h.live[c.parent]
	return ok && h.version[c.parent] == c.version
}

// compact drops tombstones once they outnumber live entries.
func (h *candidateHeap) compact() {
	if len(h.items) <= 2*len(h.live)+16 {
		return
	}
	kept := h.items[:0]
	for _, c := range h.items {
		if h.valid(c) {
			kept = append(kept, c)
		}
	}
	h.items = kept
	heap.Init(&h.items)
}

func compareCandidates(a, b candidate) int {
	if c := cmp.Compare(b.gain, a.gain); c != 0 {
		return c
	}
	return cmp.Compare(a.parent, b.parent)
}

type candidateItems []candidate

func (s candidateItems) Len() int           { return len(s) }
func (s candidateItems) Less(i, j int) bool { return compareCandidates(s[i], s[j]) < 0 }
func (s candidateItems) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s *candidateItems) Push(x any)        { *s = append(*s, x.(candidate)) }
func (s *candidateItems) Pop() any {
	old := *s
	n := len(old)
	x := old[n-1]
	*s = old[:n-1]
	return x
}

// choice is the best next arc of one block.
type choice struct {
	arc  network.Arc
	gain float64
}

// choiceHeap orders blocks' next arcs by decreasing gain, then by arc ids.
type choiceHeap []choice

func (s choiceHeap) Len() int { return len(s) }
func (s choiceHeap) Less(i, j int) bool {
	if s[i].gain != s[j].gain {
		return s[i].gain > s[j].gain
	}
	if s[i].arc.Follower != s[j].arc.Follower {
		return s[i].arc.Follower < s[j].arc.Follower
	}
	return s[i].arc.Leader < s[j].arc.Leader
}
func (s choiceHeap) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s *choiceHeap) Push(x any)   { *s = append(*s, x.(choice)) }
func (s *choiceHeap) Pop() any {
	old := *s
	n := len(old)
	x := old[n-1]
	*s = old[:n-1]
	return x
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunk splits the nodes of a network into groups that can be
// processed independently.
package chunk

import (
	"math/rand/v2"
	"slices"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// DefaultSeed seeds RandomOrder when the caller does not pick one.
const DefaultSeed uint64 = 20110627

// RandomOrder returns the nodes of net in a pseudo-random order that only
// depends on seed and the node ids.
func RandomOrder(net *network.Network, seed uint64) []network.NodeID {
	return Shuffle(net.Nodes(), seed)
}

// Shuffle returns a shuffled copy of nodes.
func Shuffle(nodes []network.NodeID, seed uint64) []network.NodeID {
	out := slices.Clone(nodes)
	r := rand.New(rand.NewPCG(seed, ^seed))
	r.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Partition splits nodes into k contiguous chunks.
//
// Description:
//
//	Each chunk gets len(nodes)/k nodes and the first len(nodes)%k chunks get
//	one more. When k exceeds len(nodes) every node is its own chunk. k < 1
//	is treated as 1. The chunks share the backing array of nodes.
//
// Outputs:
//
//	[][]network.NodeID - Non-empty chunks whose concatenation is nodes.
func Partition(nodes []network.NodeID, k int) [][]network.NodeID {
	n := len(nodes)
	if n == 0 {
		return nil
	}
	k = max(k, 1)
	size := n / k
	if size == 0 {
		k, size = n, 1
	}
	extra := n - size*k

	chunks := make([][]network.NodeID, 0, k)
	start := 0
	for i := range k {
		end := start + size
		if i < extra {
			end++
		}
		chunks = append(chunks, slices.Clip(nodes[start:end]))
		start = end
	}
	return chunks
}

// Split is RandomOrder followed by Partition.
func Split(net *network.Network, k int, seed uint64) [][]network.NodeID {
	return Partition(RandomOrder(net, seed), k)
}

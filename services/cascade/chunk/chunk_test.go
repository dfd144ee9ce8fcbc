// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

func ids(n int) []network.NodeID {
	out := make([]network.NodeID, n)
	for i := range out {
		out[i] = network.NodeID(i + 2)
	}
	return out
}

func TestPartition_Sizes(t *testing.T) {
	tests := []struct {
		n, k  int
		sizes []int
	}{
		{n: 10, k: 3, sizes: []int{4, 3, 3}},
		{n: 9, k: 3, sizes: []int{3, 3, 3}},
		{n: 3, k: 5, sizes: []int{1, 1, 1}},
		{n: 4, k: 1, sizes: []int{4}},
		{n: 4, k: 0, sizes: []int{4}},
		{n: 7, k: 4, sizes: []int{2, 2, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,k=%d", tt.n, tt.k), func(t *testing.T) {
			nodes := ids(tt.n)
			chunks := Partition(nodes, tt.k)
			var got []int
			var flat []network.NodeID
			for _, c := range chunks {
				got = append(got, len(c))
				flat = append(flat, c...)
			}
			assert.Equal(t, tt.sizes, got)
			assert.Equal(t, nodes, flat)
		})
	}
	assert.Nil(t, Partition(nil, 3))
}

func TestRandomOrder_Deterministic(t *testing.T) {
	tbl := network.NewNodeTable()
	net := network.New(tbl)
	for i := range 20 {
		_, err := net.AddArcByName(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1))
		require.NoError(t, err)
	}

	a := RandomOrder(net, 1)
	b := RandomOrder(net, 1)
	c := RandomOrder(net, 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.ElementsMatch(t, net.Nodes(), a)

	in := ids(8)
	shuffled := Shuffle(in, 9)
	assert.Equal(t, ids(8), in)
	assert.ElementsMatch(t, in, shuffled)

	chunks := Split(net, 4, DefaultSeed)
	require.Len(t, chunks, 4)
	total := 0
	for _, ch := range chunks {
		total += len(ch)
	}
	assert.Equal(t, net.NumNodes(), total)
}

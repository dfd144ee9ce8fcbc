// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package icmodel

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

func TestSimulator_CertainArcs(t *testing.T) {
	f := newFixture(t)
	m := f.uniform(t, 1)
	h, err := NewConstantSimulator(m, 7).Run(context.Background(), f.id(t, "a"))
	require.NoError(t, err)

	// a reaches b and c in round 1, d in round 2.
	evs := h.Events()
	require.Len(t, evs, 4)
	assert.Equal(t, network.NullID, evs[0].Leader)
	assert.Equal(t, f.id(t, "a"), evs[0].Follower)
	assert.Equal(t, int64(0), evs[0].Timestamp)
	assert.Equal(t, f.arc(t, "a", "b"), evs[1].Arc)
	assert.Equal(t, f.arc(t, "a", "c"), evs[2].Arc)
	assert.Equal(t, f.arc(t, "c", "d"), evs[3].Arc)
	assert.Equal(t, int64(2), evs[3].Timestamp)
}

func TestSimulator_ZeroModel(t *testing.T) {
	f := newFixture(t)
	h, err := NewExponentialSimulator(New(f.net), 1).Run(context.Background(), f.id(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())
}

func TestSimulator_ExponentialCascadesAreValid(t *testing.T) {
	f := newFixture(t)
	m := f.uniform(t, 0.6)
	sim := NewExponentialSimulator(m, 42)
	for range 50 {
		h, err := sim.Run(context.Background(), f.id(t, "a"))
		require.NoError(t, err)
		prev := int64(0)
		for _, e := range h.Events()[1:] {
			assert.True(t, f.net.HasArc(e.Arc))
			assert.GreaterOrEqual(t, e.Timestamp, prev)
			prev = e.Timestamp
		}
	}
}

func TestSimulator_UnknownStart(t *testing.T) {
	f := newFixture(t)
	ghost, err := f.net.Table().Intern("ghost")
	require.NoError(t, err)
	_, err = NewConstantSimulator(New(f.net), 1).Run(context.Background(), ghost)
	assert.ErrorIs(t, err, ErrUnknownStartNode)
}

func TestExponentialWaitingTime_Mean(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	w := ExponentialWaitingTime{Mean: 60}
	sum := 0.0
	const n = 20000
	for range n {
		s := w.Sample(r)
		require.GreaterOrEqual(t, s, int64(0))
		sum += float64(s)
	}
	// Truncation lowers the mean by about one half.
	assert.InDelta(t, 59.5, sum/n, 2.5)
}

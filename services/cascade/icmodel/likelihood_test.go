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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

func TestModel_LogLikelihood(t *testing.T) {
	f := newFixture(t)
	m := f.uniform(t, 0.5)
	idx := auxiliary.New(f.net, f.src, policy.Default(), nil)

	ll, err := m.LogLikelihood(context.Background(), idx)
	require.NoError(t, err)
	// b: 2 log .5, c: log .75 + log .5, d: 2 log .5, a has no parents.
	assert.InDelta(t, 5*math.Log(0.5)+math.Log(0.75), ll, 1e-12)
}

func TestModel_LogLikelihoodUnexplained(t *testing.T) {
	f := newFixture(t)
	m := New(f.net)
	require.NoError(t, m.Set(f.arc(t, "a", "b"), 0.5))
	idx := auxiliary.New(f.net, f.src, policy.Default(), nil)

	ll, err := m.LogLikelihood(context.Background(), idx)
	require.NoError(t, err)
	assert.True(t, math.IsInf(ll, -1))
}

func TestModel_BlockLogLikelihoodIncrease(t *testing.T) {
	f := newFixture(t)
	m := f.uniform(t, 0.5)
	idx := auxiliary.New(f.net, f.src, policy.Default(), nil)
	ctx := context.Background()
	c := f.id(t, "c")

	cPlus, err := idx.CPlusOnline(ctx, c)
	require.NoError(t, err)
	cMinus, err := idx.CMinusOnline(ctx, c)
	require.NoError(t, err)

	a, b := f.id(t, "a"), f.id(t, "b")
	withA := NewParentSet(a)
	withAB := NewParentSet(a, b)

	before := m.BlockLogLikelihood(c, cPlus, cMinus, withA)
	after := m.BlockLogLikelihood(c, cPlus, cMinus, withAB)
	inc := m.BlockLogLikelihoodIncrease(c, cPlus, cMinus, withA, b)
	assert.InDelta(t, after-before, inc, 1e-12)
	assert.InDelta(t, math.Log(1.5), inc, 1e-12)

	// Leaving the -Inf region is an infinite gain.
	empty := NewParentSet()
	assert.True(t, math.IsInf(m.BlockLogLikelihood(c, cPlus, cMinus, empty), -1))
	assert.True(t, math.IsInf(m.BlockLogLikelihoodIncrease(c, cPlus, cMinus, empty, b), 1))

	full, err := m.ComputeBlockLogLikelihood(ctx, c, idx)
	require.NoError(t, err)
	assert.InDelta(t, after, full, 1e-12)
}

func TestModel_BlockLogLikelihoodNilMaps(t *testing.T) {
	f := newFixture(t)
	m := f.uniform(t, 0.5)
	assert.Zero(t, m.BlockLogLikelihood(f.id(t, "a"), nil, nil, NewParentSet()))
}

func TestModel_Fractions(t *testing.T) {
	f := newFixture(t)
	m := New(f.net)
	require.NoError(t, m.Set(f.arc(t, "a", "b"), 0.5))
	require.NoError(t, m.Set(f.arc(t, "c", "d"), 0.5))
	ctx := context.Background()

	total, err := m.TotalFraction(ctx, f.src)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/6.0, total, 1e-12)

	bfs, err := m.FractionBFS(ctx, f.src)
	require.NoError(t, err)
	assert.InDelta(t, 5.0/6.0, bfs, 1e-12)

	un, err := m.FractionUninterrupted(ctx, f.src)
	require.NoError(t, err)
	assert.InDelta(t, 2.5/3.0, un, 1e-12)
}

func TestModel_FractionsRejectRootless(t *testing.T) {
	f := newFixture(t)
	m := f.uniform(t, 0.5)
	empty, err := observation.NewHistory("", nil)
	require.NoError(t, err)
	src := observation.SliceSource{empty}
	ctx := context.Background()

	_, err = m.TotalFraction(ctx, src)
	assert.ErrorIs(t, err, ErrInvalidHistory)
	_, err = m.FractionBFS(ctx, src)
	assert.ErrorIs(t, err, ErrInvalidHistory)
	_, err = m.FractionUninterrupted(ctx, src)
	assert.ErrorIs(t, err, ErrInvalidHistory)
}

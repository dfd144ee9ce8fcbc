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
	"context"
	"io"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/estimate"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	fixtureNetwork = "a\tb\na\tc\nb\tc\nc\td\nb\td\na\td\n"
	fixtureLog     = "\ta\t1\na\tb\t2\nb\tc\t3\nc\td\t4\n" +
		"\ta\t1\na\tc\t2\nc\td\t5\n" +
		"\tb\t1\nb\td\t3\n" +
		"\ta\t1\na\tb\t2\n" +
		"\tb\t1\nb\tc\t2\n" +
		"\ta\t1\n"
)

type fixture struct {
	net   *network.Network
	src   observation.SliceSource
	idx   *auxiliary.Index
	model *icmodel.Model
}

// newFixture fits an EM model on the fixture cascades.
func newFixture(t *testing.T) fixture {
	t.Helper()
	tbl := network.NewNodeTable()
	net, err := network.Parse(strings.NewReader(fixtureNetwork), tbl, quiet)
	require.NoError(t, err)
	var src observation.SliceSource
	err = observation.Scan(context.Background(), strings.NewReader(fixtureLog), tbl, func(_ int, h *observation.History) error {
		src = append(src, h)
		return nil
	})
	require.NoError(t, err)

	idx := auxiliary.New(net, src, policy.Default(), quiet)
	opts := estimate.DefaultOptions()
	opts.Logger = quiet
	em, err := estimate.NewEM(net, opts)
	require.NoError(t, err)
	res, err := em.Estimate(context.Background(), idx)
	require.NoError(t, err)
	return fixture{net: net, src: src, idx: idx, model: res.Model}
}

func testOptions() Options {
	o := DefaultOptions()
	o.Logger = quiet
	return o
}

func sparsify(t *testing.T, f fixture, name string, opts Options, k int) *Result {
	t.Helper()
	s, err := New(name, f.model, f.idx, opts)
	require.NoError(t, err)
	res, err := s.Sparsify(context.Background(), k)
	require.NoError(t, err)
	return res
}

func logLikelihood(t *testing.T, f fixture, m *icmodel.Model) float64 {
	t.Helper()
	ll, err := m.LogLikelihood(context.Background(), f.idx)
	require.NoError(t, err)
	return ll
}

func TestGreedy_FullBudgetReproducesOriginal(t *testing.T) {
	f := newFixture(t)
	want := logLikelihood(t, f, f.model)
	require.False(t, math.IsInf(want, -1))

	res := sparsify(t, f, GreedyName, testOptions(), f.model.Len()+5)
	assert.Equal(t, f.model.Probabilities(), res.Model.Probabilities())
	assert.InDelta(t, want, logLikelihood(t, f, res.Model), 1e-9)

	ks := res.Measures.Ks(LogL)
	last, ok := res.Measures.Get(LogL, ks[len(ks)-1])
	require.True(t, ok)
	assert.InDelta(t, want, last, 1e-9)
}

func TestGreedy_WarmStartBudget(t *testing.T) {
	f := newFixture(t)
	full := sparsify(t, f, GreedyName, testOptions(), f.model.Len())
	require.Positive(t, full.BaseArcs)

	base := sparsify(t, f, GreedyName, testOptions(), full.BaseArcs)
	assert.Equal(t, full.BaseArcs, base.Model.Len())
	assert.Equal(t, []int{full.BaseArcs}, base.Measures.Ks(LogL))

	warm, ok := base.Measures.Get(LogL, full.BaseArcs)
	require.True(t, ok)
	assert.InDelta(t, warm, logLikelihood(t, f, base.Model), 1e-9)
	assert.False(t, math.IsInf(warm, -1))

	// Every warm-start arc survives in the larger model.
	for arc := range base.Model.Probabilities() {
		assert.Positive(t, full.Model.ProbabilityOf(arc))
	}
}

func TestSparsify_BudgetBelowWarmStart(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{GreedyName, NaiveByProbabilityName} {
		t.Run(name, func(t *testing.T) {
			base := sparsify(t, f, name, testOptions(), f.model.Len())
			require.Positive(t, base.BaseArcs)
			warm := sparsify(t, f, name, testOptions(), base.BaseArcs)

			for _, k := range []int{0, base.BaseArcs - 1} {
				res := sparsify(t, f, name, testOptions(), k)
				assert.Equal(t, base.BaseArcs, res.BaseArcs, "k=%d", k)
				assert.Greater(t, res.Model.Len(), k, "k=%d", k)
				assert.Equal(t, warm.Model.Probabilities(), res.Model.Probabilities(), "k=%d", k)
				assert.False(t, math.IsInf(logLikelihood(t, f, res.Model), -1), "k=%d", k)
			}
		})
	}
}

func TestGreedy_PartialLogLikelihoodMatchesModel(t *testing.T) {
	f := newFixture(t)
	for k := 1; k <= f.model.Len(); k++ {
		res := sparsify(t, f, GreedyName, testOptions(), k)
		ks := res.Measures.Ks(LogL)
		last, _ := res.Measures.Get(LogL, ks[len(ks)-1])
		assert.InDelta(t, logLikelihood(t, f, res.Model), last, 1e-9, "k=%d", k)
	}
}

func TestGreedy_IncrementalAgreesWithFull(t *testing.T) {
	f := newFixture(t)
	full := sparsify(t, f, GreedyName, testOptions(), f.model.Len())

	opts := testOptions()
	opts.Incremental = true
	inc := sparsify(t, f, GreedyName, opts, f.model.Len())

	assert.Equal(t, full.Model.Probabilities(), inc.Model.Probabilities())
	ks := full.Measures.Ks(LogL)
	require.Equal(t, ks, inc.Measures.Ks(LogL))
	for _, k := range []int{ks[0], ks[len(ks)-1]} {
		a, _ := full.Measures.Get(LogL, k)
		b, _ := inc.Measures.Get(LogL, k)
		assert.InDelta(t, a, b, 1e-9, "k=%d", k)
	}
}

func TestGreedy_GainModesAgreePerCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	children, err := f.idx.ChildNodes(ctx)
	require.NoError(t, err)

	fullG := &Greedy{common: common{original: f.model, idx: f.idx, opts: testOptions()}}
	incOpts := testOptions()
	incOpts.Incremental = true
	incG := &Greedy{common: common{original: f.model, idx: f.idx, opts: incOpts}}

	for _, v := range children {
		b, err := warmStartBlock(ctx, f.model, f.idx, v)
		require.NoError(t, err)
		for _, u := range b.remaining {
			assert.InDelta(t, fullG.gain(b, u), incG.gain(b, u), 1e-9, "block %d parent %d", v, u)
		}
	}
}

func TestGreedy_ChunkedWarmStart(t *testing.T) {
	f := newFixture(t)
	one := sparsify(t, f, GreedyName, testOptions(), f.model.Len())

	opts := testOptions()
	opts.NumChunks = 3
	opts.Concurrency = 2
	many := sparsify(t, f, GreedyName, opts, f.model.Len())

	assert.Equal(t, one.BaseArcs, many.BaseArcs)
	assert.Equal(t, one.Model.Probabilities(), many.Model.Probabilities())
}

func TestGreedy_WithFraction(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.WithFraction = true
	res := sparsify(t, f, GreedyName, opts, f.model.Len())

	ks := res.Measures.Ks(FractionOfPropagations)
	require.NotEmpty(t, ks)
	assert.Equal(t, res.BaseArcs, ks[0])
	for _, k := range ks {
		v, _ := res.Measures.Get(FractionOfPropagations, k)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}

	noSource := auxiliary.New(f.net, nil, policy.Default(), quiet)
	_, err := NewGreedy(f.model, noSource, opts)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNaive_FullBudget(t *testing.T) {
	f := newFixture(t)
	want := logLikelihood(t, f, f.model)
	for _, name := range []string{NaiveByProbabilityName, NaiveByRandomName} {
		t.Run(name, func(t *testing.T) {
			res := sparsify(t, f, name, testOptions(), f.model.Len())
			assert.Equal(t, f.model.Probabilities(), res.Model.Probabilities())

			ks := res.Measures.Ks(LogL)
			assert.Equal(t, res.BaseArcs, ks[0])
			assert.Equal(t, f.model.Len(), ks[len(ks)-1])
			last, _ := res.Measures.Get(LogL, ks[len(ks)-1])
			assert.InDelta(t, want, last, 1e-9)
		})
	}
}

func TestNaive_WarmStartBudget(t *testing.T) {
	f := newFixture(t)
	greedy := sparsify(t, f, GreedyName, testOptions(), 0)
	res := sparsify(t, f, NaiveByProbabilityName, testOptions(), greedy.BaseArcs)
	assert.Equal(t, greedy.Model.Probabilities(), res.Model.Probabilities())
}

func TestNaive_ByProbabilityTakesLargestFirst(t *testing.T) {
	f := newFixture(t)
	greedy := sparsify(t, f, GreedyName, testOptions(), 0)
	res := sparsify(t, f, NaiveByProbabilityName, testOptions(), greedy.BaseArcs+1)

	var added []network.Arc
	for arc := range res.Model.Probabilities() {
		if greedy.Model.ProbabilityOf(arc) == 0 {
			added = append(added, arc)
		}
	}
	if len(added) == 0 {
		// Every non-zero arc was already in the warm start.
		assert.Equal(t, f.model.Len(), greedy.Model.Len())
		return
	}
	require.Len(t, added, 1)
	for arc, p := range f.model.Probabilities() {
		if greedy.Model.ProbabilityOf(arc) == 0 {
			assert.LessOrEqual(t, p, f.model.ProbabilityOf(added[0]))
		}
	}
}

func TestOrders(t *testing.T) {
	tbl := network.NewNodeTable()
	net := network.New(tbl)
	m := icmodel.New(net)
	var arcs []network.Arc
	for i, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "e"}} {
		_, err := net.AddArcByName(pair[0], pair[1])
		require.NoError(t, err)
		l, _ := tbl.Lookup(pair[0])
		r, _ := tbl.Lookup(pair[1])
		arc := network.Arc{Leader: l, Follower: r}
		arcs = append(arcs, arc)
		if i < 3 {
			require.NoError(t, m.Set(arc, 0.1*float64(i+1)))
		}
	}

	byP := slices.Clone(arcs)
	ByProbability(m, byP)
	assert.Equal(t, []network.Arc{arcs[2], arcs[1], arcs[0], arcs[3]}, byP)

	byH := slices.Clone(arcs)
	ByArcHash(m, byH)
	assert.Equal(t, arcs[3], byH[3], "zero-probability arc goes last")
	again := slices.Clone(arcs)
	slices.Reverse(again)
	ByArcHash(m, again)
	assert.Equal(t, byH, again)
}

func TestReportEvery(t *testing.T) {
	tests := []struct{ arcsToGo, want int }{
		{0, 1}, {1, 1}, {4, 2}, {100, 10}, {10000, 333},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reportEvery(tt.arcsToGo), "arcsToGo=%d", tt.arcsToGo)
	}
}

func TestMostActions(t *testing.T) {
	pa := map[network.NodeID]map[int32]struct{}{
		5: {1: {}, 2: {}},
		3: {1: {}, 4: {}},
		7: {9: {}},
	}
	assert.Equal(t, network.NodeID(3), mostActions(pa))
	assert.Equal(t, network.NullID, mostActions(nil))
}

func TestWarmStartBlock_NoSuccesses(t *testing.T) {
	f := newFixture(t)
	a, ok := f.net.Table().Lookup("a")
	require.True(t, ok)
	b, err := warmStartBlock(context.Background(), f.model, f.idx, a)
	require.NoError(t, err)
	assert.Zero(t, b.ll)
	assert.Empty(t, b.selected)
	assert.Empty(t, b.remaining)
}

func TestMeasures_Write(t *testing.T) {
	ms := make(Measures)
	ms.Store(LogL, 5, -1.5)
	ms.Store(LogL, 2, math.Inf(-1))
	ms.Store(FractionOfPropagations, 2, 0.25)

	base := filepath.Join(t.TempDir(), "measures")
	written, err := ms.WriteMeasures(base)
	require.NoError(t, err)
	assert.Equal(t, []string{base + ".logL", base + ".frac"}, written)

	logL, err := os.ReadFile(base + ".logL")
	require.NoError(t, err)
	assert.Equal(t, "#k\tLOG_L\n2\t-Inf\n5\t-1.5\n", string(logL))
	frac, err := os.ReadFile(base + ".frac")
	require.NoError(t, err)
	assert.Equal(t, "#k\tFRACTION_OF_PROPAGATIONS\n2\t0.25\n", string(frac))
}

func TestRegistryAndPolicy(t *testing.T) {
	assert.Equal(t, []string{GreedyName, NaiveByProbabilityName, NaiveByRandomName}, Names())

	f := newFixture(t)
	_, err := New("Nope", f.model, f.idx, testOptions())
	assert.ErrorIs(t, err, ErrConfig)

	bad := testOptions()
	bad.NumChunks = 0
	_, err = New(GreedyName, f.model, f.idx, bad)
	assert.ErrorIs(t, err, ErrConfig)

	assert.NoError(t, CheckPolicy(f.idx, policy.Default()))
	err = CheckPolicy(f.idx, policy.TimePrecedenceWithDelay{Delay: 3})
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, auxiliary.ErrPolicyMismatch)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	s, err := New(GreedyName, f.model, f.idx, testOptions())
	require.NoError(t, err)
	rr, err := Run(context.Background(), s, f.model, f.idx, f.model.Len(), quiet)
	require.NoError(t, err)
	assert.InDelta(t, rr.OriginalLogL, rr.SparsifiedLogL, 1e-9)
	assert.Equal(t, f.model.Len(), rr.Model.Len())
}

func TestCandidateHeap_LazyDeletion(t *testing.T) {
	h := newCandidateHeap([]network.NodeID{4, 2, 3}, math.MaxFloat64)
	assert.Equal(t, 3, h.Len())

	h.Update(4, 1.0)
	h.Update(3, 5.0)
	h.Update(2, 5.0)
	h.Remove(3)
	assert.Equal(t, 2, h.Len())

	live := h.Live()
	require.Len(t, live, 2)
	assert.Equal(t, network.NodeID(2), live[0].parent)
	assert.Equal(t, network.NodeID(4), live[1].parent)

	c, ok := h.Pop()
	require.True(t, ok)
	assert.Equal(t, network.NodeID(2), c.parent)
	c, ok = h.Pop()
	require.True(t, ok)
	assert.Equal(t, network.NodeID(4), c.parent)
	_, ok = h.Pop()
	assert.False(t, ok)

	// Stale entries are dropped once they pile up.
	for i := range 100 {
		h.Update(9, float64(i))
	}
	assert.LessOrEqual(t, len(h.items), 2*h.Len()+17)
	c, ok = h.Pop()
	require.True(t, ok)
	assert.Equal(t, 99.0, c.gain)
	assert.Empty(t, slices.Collect(maps.Keys(h.live)))
}

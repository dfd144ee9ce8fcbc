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
	"bufio"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// ComparisonRow pairs the probability of one arc in two models.
type ComparisonRow struct {
	Arc         network.Arc
	Original    float64
	Alternative float64
}

// Comparison is the result of Compare.
type Comparison struct {
	Rows []ComparisonRow

	// L2SqOverE is Σ (original - alternative)² over the original's non-zero
	// arcs, divided by their number.
	L2SqOverE float64
}

// Compare lines up every non-zero arc of m with its probability in alt.
func (m *Model) Compare(alt *Model) Comparison {
	arcs := m.NonZeroArcs()
	orig := make([]float64, len(arcs))
	other := make([]float64, len(arcs))
	rows := make([]ComparisonRow, len(arcs))
	for i, a := range arcs {
		orig[i] = m.probs[a]
		other[i] = alt.ProbabilityOf(a)
		rows[i] = ComparisonRow{Arc: a, Original: orig[i], Alternative: other[i]}
	}
	c := Comparison{Rows: rows}
	if len(arcs) == 0 {
		c.L2SqOverE = math.NaN()
		return c
	}
	c.L2SqOverE = SquaredDistance(orig, other) / float64(len(arcs))
	return c
}

// WriteComparison writes the comparison report. With printModel the rows
// are listed as `leader\tfollower\toriginal\talternative`.
func (c Comparison) WriteComparison(w io.Writer, t *network.NodeTable, printModel bool) error {
	bw := bufio.NewWriter(w)
	if printModel {
		fmt.Fprintln(bw, "#Comparison of probabilities (original, alternative)")
		for _, r := range c.Rows {
			fmt.Fprintf(bw, "%s\t%s\t%.2g\t%.2g\n", t.MustName(r.Arc.Leader), t.MustName(r.Arc.Follower), r.Original, r.Alternative)
		}
	} else {
		fmt.Fprintln(bw, "#Comparison of probabilities")
		fmt.Fprintf(bw, "#Model omitted, |E| = %d\n", len(c.Rows))
	}
	fmt.Fprintf(bw, "#L2 Squared over |E| = %v\n", c.L2SqOverE)
	return bw.Flush()
}

// Stats summarizes the non-zero probabilities of a model.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Stats returns summary statistics of the non-zero probabilities.
func (m *Model) Stats() Stats {
	if len(m.probs) == 0 {
		return Stats{}
	}
	ps := make([]float64, 0, len(m.probs))
	for _, a := range m.NonZeroArcs() {
		ps = append(ps, m.probs[a])
	}
	s := Stats{
		Count: len(ps),
		Min:   floats.Min(ps),
		Max:   floats.Max(ps),
	}
	s.Mean, s.StdDev = stat.MeanStdDev(ps, nil)
	if len(ps) == 1 {
		s.StdDev = 0
	}
	return s
}

// L2Squared returns Σ (a - b)² over the union of both models' non-zero arcs.
func L2Squared(a, b *Model) float64 {
	union := make(map[network.Arc]struct{}, len(a.probs)+len(b.probs))
	for arc := range a.probs {
		union[arc] = struct{}{}
	}
	for arc := range b.probs {
		union[arc] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	x := make([]float64, 0, len(union))
	y := make([]float64, 0, len(union))
	for arc := range union {
		x = append(x, a.probs[arc])
		y = append(y, b.probs[arc])
	}
	return SquaredDistance(x, y)
}

// SquaredDistance returns Σ (x[i] - y[i])², summed directly so that exact
// differences stay exact.
func SquaredDistance(x, y []float64) float64 {
	return SquaredDistanceTo(make([]float64, len(x)), x, y)
}

// SquaredDistanceTo is SquaredDistance using diff as scratch space; diff
// must have the length of x.
func SquaredDistanceTo(diff, x, y []float64) float64 {
	floats.SubTo(diff, x, y)
	return floats.Dot(diff, diff)
}

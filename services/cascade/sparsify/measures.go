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
	"bufio"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
)

// Measure is a quantity recorded for partial sparse models.
type Measure int

const (
	// LogL is the log-likelihood of the partial model.
	LogL Measure = iota

	// FractionOfPropagations is the total fraction of propagations the
	// partial model explains.
	FractionOfPropagations
)

// String returns the name used in measures file headers.
func (m Measure) String() string {
	switch m {
	case LogL:
		return "LOG_L"
	case FractionOfPropagations:
		return "FRACTION_OF_PROPAGATIONS"
	default:
		return fmt.Sprintf("Measure(%d)", int(m))
	}
}

// Suffix returns the file suffix of the measure.
func (m Measure) Suffix() string {
	if m == FractionOfPropagations {
		return ".frac"
	}
	return ".logL"
}

// Measures maps a measure to its value for each number of arcs k.
type Measures map[Measure]map[int]float64

// Store records value for measure m at k, replacing any earlier value.
func (ms Measures) Store(m Measure, k int, value float64) {
	byK, ok := ms[m]
	if !ok {
		byK = make(map[int]float64)
		ms[m] = byK
	}
	byK[k] = value
}

// Get returns the value of m at k.
func (ms Measures) Get(m Measure, k int) (float64, bool) {
	v, ok := ms[m][k]
	return v, ok
}

// Ks returns the sorted k values recorded for m.
func (ms Measures) Ks(m Measure) []int {
	return slices.Sorted(maps.Keys(ms[m]))
}

// WriteMeasures writes one file per recorded measure, named base plus the
// measure's suffix, with a `#k\t<MEASURE>` header and rows sorted by k.
func (ms Measures) WriteMeasures(base string) ([]string, error) {
	var written []string
	for _, m := range []Measure{LogL, FractionOfPropagations} {
		if _, ok := ms[m]; !ok {
			continue
		}
		path := base + m.Suffix()
		if err := ms.writeMeasure(path, m); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func (ms Measures) writeMeasure(path string, m Measure) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "#k\t%s\n", m)
	for _, k := range ms.Ks(m) {
		fmt.Fprintf(w, "%d\t%s\n", k, strconv.FormatFloat(ms[m][k], 'g', -1, 64))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// gainEvaluations counts exact marginal gain computations.
	// Labels: mode (incremental, full)
	gainEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cascadefit",
		Subsystem: "sparsify",
		Name:      "gain_evaluations_total",
		Help:      "Total exact marginal gain evaluations by the greedy sparsifier",
	}, []string{"mode"})

	// heapPops counts entries popped from candidate heaps, tombstones included.
	heapPops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cascadefit",
		Subsystem: "sparsify",
		Name:      "heap_pops_total",
		Help:      "Total candidate heap pops including stale entries",
	})

	// arcsSelected counts arcs added to sparse models.
	// Labels: sparsifier
	arcsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cascadefit",
		Subsystem: "sparsify",
		Name:      "arcs_selected_total",
		Help:      "Total arcs added to sparse models",
	}, []string{"sparsifier"})
)

func gainMode(incremental bool) string {
	if incremental {
		return "incremental"
	}
	return "full"
}

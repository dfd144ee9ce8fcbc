// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package estimate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// emIterations counts EM iterations over all chunks.
	// Labels: estimator
	emIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cascadefit",
		Subsystem: "estimate",
		Name:      "iterations_total",
		Help:      "Total EM iterations",
	}, []string{"estimator"})

	// emChunks counts finished chunks.
	// Labels: estimator, outcome (converged, max_iterations)
	emChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cascadefit",
		Subsystem: "estimate",
		Name:      "chunks_total",
		Help:      "Total EM chunks estimated",
	}, []string{"estimator", "outcome"})

	// emChunkDuration measures the time to estimate one chunk.
	emChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cascadefit",
		Subsystem: "estimate",
		Name:      "chunk_duration_seconds",
		Help:      "Time to estimate one chunk",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"estimator"})
)

func chunkOutcome(converged bool) string {
	if converged {
		return "converged"
	}
	return "max_iterations"
}

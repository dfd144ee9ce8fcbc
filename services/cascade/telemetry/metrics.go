// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage names recorded by Metrics.ObserveStage.
const (
	StageAuxiliary  = "auxiliary"
	StageEstimate   = "estimate"
	StageSparsify   = "sparsify"
	StageLikelihood = "likelihood"
	StageSimulate   = "simulate"
)

// Metrics holds the OTel instruments shared by the CLI and the HTTP API.
//
// Description:
//
//	Package-level Prometheus collectors count the inner loops (EM
//	iterations, gain evaluations). Metrics covers the outer surface: how
//	long whole pipeline stages take and how the API is used. All names
//	carry the "cascadefit_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records API request latency in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// StageDuration records pipeline stage duration in seconds by stage and status.
	StageDuration metric.Float64Histogram

	// SparsifyRunsTotal counts sparsification runs started through the API.
	SparsifyRunsTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
//
// Inputs:
//
//	meter - Usually otel.Meter("cascadefit"). A no-op meter is fine.
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if an instrument cannot be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"cascadefit_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"cascadefit_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.StageDuration, err = meter.Float64Histogram(
		"cascadefit_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_duration: %w", err)
	}

	m.SparsifyRunsTotal, err = meter.Int64Counter(
		"cascadefit_sparsify_runs_total",
		metric.WithDescription("Sparsification runs started through the API"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sparsify_runs_total: %w", err)
	}

	return m, nil
}

// ObserveStage records how long a stage that started at start took.
// A nil receiver is a no-op.
func (m *Metrics) ObserveStage(ctx context.Context, stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

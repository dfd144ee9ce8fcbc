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
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/chunk"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

const (
	// EMName is the registry name of the EM estimator.
	EMName = "EM"

	// EMWithDelayThresholdName is the registry name of the EM estimator
	// whose policy rejects parents that waited too long.
	EMWithDelayThresholdName = "EMWithDelayThreshold"

	// DefaultMaxIterations bounds EM iterations per chunk.
	DefaultMaxIterations = 100000

	// DefaultMinDifference stops EM once the squared L2 change of the
	// probabilities drops below it.
	DefaultMinDifference = 1e-9

	// DefaultDelayMultiplier times MeanRepostWaitingTime gives the delay
	// threshold of EMWithDelayThreshold.
	DefaultDelayMultiplier = 2.0
)

// Estimator turns an auxiliary index into a probability model.
type Estimator interface {
	// Name is the registry name.
	Name() string

	// Policy is the candidate selection policy the index must be built with.
	Policy() policy.Policy

	// Estimate fits a model on idx's network.
	Estimate(ctx context.Context, idx *auxiliary.Index) (*Result, error)
}

// Options configures an estimator.
type Options struct {
	// MaxIterations per chunk; -1 means unbounded.
	MaxIterations int

	// MinDifference stops iterating when the squared L2 distance between
	// two iterations falls below it; 0 disables the check.
	MinDifference float64

	// NumChunks is the number of node groups estimated separately.
	NumChunks int

	// Concurrency bounds how many chunks run at once; 0 means NumChunks.
	Concurrency int

	// Seed drives the random node order used to build chunks.
	Seed uint64

	// DelayMultiplier is used by EMWithDelayThreshold.
	DelayMultiplier float64

	Logger *slog.Logger
}

// DefaultOptions returns the reference configuration: one chunk.
func DefaultOptions() Options {
	return Options{
		MaxIterations:   DefaultMaxIterations,
		MinDifference:   DefaultMinDifference,
		NumChunks:       1,
		Seed:            chunk.DefaultSeed,
		DelayMultiplier: DefaultDelayMultiplier,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	switch {
	case o.MaxIterations < -1:
		return fmt.Errorf("%w: max iterations %d", ErrConfig, o.MaxIterations)
	case o.MinDifference < 0:
		return fmt.Errorf("%w: min difference %v", ErrConfig, o.MinDifference)
	case o.NumChunks < 1:
		return fmt.Errorf("%w: number of chunks %d", ErrConfig, o.NumChunks)
	case o.Concurrency < 0:
		return fmt.Errorf("%w: concurrency %d", ErrConfig, o.Concurrency)
	case o.DelayMultiplier <= 0:
		return fmt.Errorf("%w: delay multiplier %v", ErrConfig, o.DelayMultiplier)
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// ChunkResult describes how one chunk converged.
type ChunkResult struct {
	Nodes      int
	Arcs       int
	Iterations int
	Converged  bool
}

// Result is the outcome of an estimation.
type Result struct {
	Model  *icmodel.Model
	Chunks []ChunkResult
}

// Iterations returns the largest iteration count over chunks.
func (r *Result) Iterations() int {
	n := 0
	for _, c := range r.Chunks {
		n = max(n, c.Iterations)
	}
	return n
}

type factory func(net *network.Network, opts Options) (Estimator, error)

var registry = map[string]factory{
	EMName: func(net *network.Network, opts Options) (Estimator, error) {
		return NewEM(net, opts)
	},
	EMWithDelayThresholdName: func(net *network.Network, opts Options) (Estimator, error) {
		return NewEMWithDelayThreshold(net, opts)
	},
}

// New creates the estimator registered under name.
func New(name string, net *network.Network, opts Options) (Estimator, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown estimator %q (known: %v)", ErrConfig, name, Names())
	}
	return f(net, opts)
}

// Names lists registered estimators.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DelayThreshold converts a multiplier into the time threshold used by
// TimePrecedenceWithDelay.
func DelayThreshold(multiplier float64) int64 {
	return int64(multiplier * icmodel.MeanRepostWaitingTime)
}

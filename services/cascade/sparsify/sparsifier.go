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
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/chunk"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

const (
	// GreedyName is the registry name of the greedy sparsifier.
	GreedyName = "GreedySparsifier"

	// NaiveByProbabilityName is the registry name of the sparsifier adding
	// arcs by decreasing probability.
	NaiveByProbabilityName = "NaiveByProbabilitySparsifier"

	// NaiveByRandomName is the registry name of the sparsifier adding arcs
	// in a fixed pseudo-random order.
	NaiveByRandomName = "NaiveByRandomSparsifier"
)

// Sparsifier builds a model with at most k non-zero arcs from an original
// model.
type Sparsifier interface {
	// Name is the registry name.
	Name() string

	// Sparsify selects the arcs. The result may have more than k arcs when
	// the warm start alone needs more.
	Sparsify(ctx context.Context, k int) (*Result, error)
}

// Options configures a sparsifier.
type Options struct {
	// NumChunks splits the warm start of the greedy sparsifier.
	NumChunks int

	// Concurrency bounds how many chunks run at once; 0 means NumChunks.
	Concurrency int

	// Seed drives the random node order used to build chunks.
	Seed uint64

	// Incremental computes marginal gains without recomputing whole blocks.
	Incremental bool

	// ReportPartial records measures of partial models.
	ReportPartial bool

	// WithFraction adds FractionOfPropagations to the partial measures; it
	// needs an index with an observation source.
	WithFraction bool

	Logger *slog.Logger
}

// DefaultOptions returns one chunk with partial log-likelihood reporting.
func DefaultOptions() Options {
	return Options{
		NumChunks:     1,
		Seed:          chunk.DefaultSeed,
		ReportPartial: true,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	switch {
	case o.NumChunks < 1:
		return fmt.Errorf("%w: number of chunks %d", ErrConfig, o.NumChunks)
	case o.Concurrency < 0:
		return fmt.Errorf("%w: concurrency %d", ErrConfig, o.Concurrency)
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Result is the outcome of a sparsification.
type Result struct {
	Model *icmodel.Model

	// BaseArcs is the number of arcs chosen by the warm start.
	BaseArcs int

	// Measures holds partial results when Options.ReportPartial is set.
	Measures Measures
}

type factory func(original *icmodel.Model, idx *auxiliary.Index, opts Options) (Sparsifier, error)

var registry = map[string]factory{
	GreedyName: func(original *icmodel.Model, idx *auxiliary.Index, opts Options) (Sparsifier, error) {
		return NewGreedy(original, idx, opts)
	},
	NaiveByProbabilityName: func(original *icmodel.Model, idx *auxiliary.Index, opts Options) (Sparsifier, error) {
		return NewNaive(NaiveByProbabilityName, ByProbability, original, idx, opts)
	},
	NaiveByRandomName: func(original *icmodel.Model, idx *auxiliary.Index, opts Options) (Sparsifier, error) {
		return NewNaive(NaiveByRandomName, ByArcHash, original, idx, opts)
	},
}

// New creates the sparsifier registered under name.
func New(name string, original *icmodel.Model, idx *auxiliary.Index, opts Options) (Sparsifier, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sparsifier %q (known: %v)", ErrConfig, name, Names())
	}
	return f(original, idx, opts)
}

// Names lists registered sparsifiers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CheckPolicy fails when idx was built with a policy other than want.
func CheckPolicy(idx *auxiliary.Index, want policy.Policy) error {
	got := idx.Policy()
	if got == nil || got.Spec() != want.Spec() {
		spec := "none"
		if got != nil {
			spec = got.Spec()
		}
		return fmt.Errorf("%w: %w: index has %q, requested %q", ErrConfig, auxiliary.ErrPolicyMismatch, spec, want.Spec())
	}
	return nil
}

// common holds what every sparsifier shares.
type common struct {
	name     string
	original *icmodel.Model
	idx      *auxiliary.Index
	opts     Options
}

func newCommon(name string, original *icmodel.Model, idx *auxiliary.Index, opts Options) (common, error) {
	if err := opts.Validate(); err != nil {
		return common{}, err
	}
	if opts.WithFraction && idx.Source() == nil {
		return common{}, fmt.Errorf("%w: fraction of propagations needs the observations", ErrConfig)
	}
	return common{name: name, original: original, idx: idx, opts: opts}, nil
}

// Name implements Sparsifier.
func (c common) Name() string { return c.name }

func (c common) storeLogL(ctx context.Context, ms Measures, k int, m *icmodel.Model) error {
	if !c.opts.ReportPartial {
		return nil
	}
	ll, err := m.LogLikelihood(ctx, c.idx)
	if err != nil {
		return err
	}
	ms.Store(LogL, k, ll)
	return nil
}

func (c common) storeFraction(ctx context.Context, ms Measures, k int, m *icmodel.Model) error {
	if !c.opts.ReportPartial || !c.opts.WithFraction {
		return nil
	}
	f, err := m.TotalFraction(ctx, c.idx.Source())
	if err != nil {
		return err
	}
	ms.Store(FractionOfPropagations, k, f)
	return nil
}

// RunResult reports a sparsification together with the log-likelihood of
// both models.
type RunResult struct {
	*Result
	SparsifiedLogL float64
	OriginalLogL   float64
}

// Run sparsifies to k arcs and measures the sparse and original models on
// idx.
func Run(ctx context.Context, s Sparsifier, original *icmodel.Model, idx *auxiliary.Index, k int, logger *slog.Logger) (*RunResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	net := original.Network()
	logger.Info("Sparsifying",
		slog.String("sparsifier", s.Name()),
		slog.Int("network_arcs", net.NumArcs()),
		slog.Int("non_zero_arcs", original.Len()),
		slog.Int("k", k))

	res, err := s.Sparsify(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	sparse, err := res.Model.LogLikelihood(ctx, idx)
	if err != nil {
		return nil, err
	}
	orig, err := original.LogLikelihood(ctx, idx)
	if err != nil {
		return nil, err
	}
	logger.Info("Sparsified model measured",
		slog.Int("arcs", res.Model.Len()),
		slog.Float64("sparsified_log_likelihood", sparse),
		slog.Float64("original_log_likelihood", orig))
	return &RunResult{Result: res, SparsifiedLogL: sparse, OriginalLogL: orig}, nil
}

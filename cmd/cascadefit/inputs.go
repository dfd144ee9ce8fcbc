// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/cascadefit/pkg/ux"
	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
	cachestore "github.com/AleutianAI/cascadefit/services/cascade/storage/badger"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

// inputs are the files most commands start from.
type inputs struct {
	netPath string
	obsPath string
	net     *network.Network
	src     *observation.Reader
}

// loadNetwork reads the social network into a fresh node table.
func (a *app) loadNetwork(path string) (*network.Network, error) {
	net, err := network.Load(path, network.NewNodeTable(), a.logger)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Social network loaded",
		slog.String("path", path),
		slog.Int("nodes", net.NumNodes()),
		slog.Int("arcs", net.NumArcs()))
	return net, nil
}

// loadInputs reads the network and opens the observation log against its
// node table.
func (a *app) loadInputs(netPath, obsPath string) (*inputs, error) {
	net, err := a.loadNetwork(netPath)
	if err != nil {
		return nil, err
	}
	src, err := observation.NewReader(obsPath, net.Table())
	if err != nil {
		return nil, err
	}
	a.logger.Info("Observations opened",
		slog.String("path", obsPath),
		slog.Int("cascades", src.Size()))
	return &inputs{netPath: netPath, obsPath: obsPath, net: net, src: src}, nil
}

// loadModel reads a probabilities file over net.
func (a *app) loadModel(path string, net *network.Network) (*icmodel.Model, error) {
	m, err := icmodel.Load(path, net)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Model loaded", slog.String("path", path), slog.Int("non_zero_arcs", m.Len()))
	return m, nil
}

// index returns a built auxiliary index for in under pol.
//
// Description:
//
//	A non-empty basename loads a stored index and fails when it was built
//	under another policy. Otherwise the index is looked up in the badger
//	cache when caching is enabled, and built from the observations as a
//	last resort.
func (a *app) index(ctx context.Context, in *inputs, pol policy.Policy, basename string) (*auxiliary.Index, error) {
	var idx *auxiliary.Index
	err := a.stage(ctx, telemetry.StageAuxiliary, func(ctx context.Context) error {
		var err error
		switch {
		case basename != "":
			a.logger.Info("Loading pre-computed auxiliary variables", slog.String("base", basename))
			idx, err = auxiliary.Read(ctx, basename, in.net, in.src, pol, a.logger)
		case a.cfg.Cache.Enabled:
			idx, err = a.cachedIndex(ctx, in, pol)
		default:
			a.logger.Info("Computing auxiliary variables", slog.String("policy", pol.Spec()))
			idx = auxiliary.New(in.net, in.src, pol, a.logger)
			err = idx.Build(ctx)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	n, err := idx.NumActions(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Auxiliary index ready",
		slog.String("policy", idx.Policy().Spec()),
		slog.Int("actions", n))
	return idx, nil
}

func (a *app) cachedIndex(ctx context.Context, in *inputs, pol policy.Policy) (*auxiliary.Index, error) {
	dbCfg := cachestore.DefaultConfig(a.cfg.Cache.Dir)
	dbCfg.Logger = a.logger
	db, err := cachestore.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open index cache: %w", err)
	}
	defer db.Close()

	key, err := cachestore.FingerprintFiles(pol.Spec(), in.netPath, in.obsPath)
	if err != nil {
		return nil, err
	}
	idx, hit, err := cachestore.NewIndexCache(db, 0, a.logger).Load(ctx, key, in.net, in.src, pol)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Index cache consulted",
		slog.String("dir", a.cfg.Cache.Dir),
		slog.String("key", key.String()),
		slog.Bool("hit", hit))
	return idx, nil
}

// writeModel writes m to path, or to stdout when path is empty.
func (a *app) writeModel(m *icmodel.Model, path string) error {
	if path == "" {
		_, err := m.WriteTo(a.stdout)
		return err
	}
	a.logger.Info("Writing model", slog.String("path", path), slog.Int("arcs", m.Len()))
	return m.Save(path)
}

// output opens path for writing, or returns stdout when path is empty.
func (a *app) output(path string) (io.Writer, func() error, error) {
	if path == "" {
		return a.stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// summary returns a printer for end-of-run summaries. They go to stdout
// when stdout does not carry the primary output.
func (a *app) summary(primaryOnStdout bool) *ux.Printer {
	if primaryOnStdout {
		return ux.NewPrinter(a.stderr)
	}
	return ux.NewPrinter(a.stdout)
}

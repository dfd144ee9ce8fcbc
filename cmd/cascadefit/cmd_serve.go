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
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascadefit/services/cascade/api"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

type serveFlags struct {
	socialNetwork     string
	probabilities     string
	input             string
	policy            string
	auxiliaryBasename string
	addr              string
}

func newServeCmd(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a model and its cascades over HTTP",
		Long: `Serve loads a model, its social network and the observed cascades, and
exposes them under /v1/cascade along with Prometheus metrics on /metrics.
SIGINT and SIGTERM shut the server down gracefully.`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd, f)
		}),
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.socialNetwork, "social-network", "s", "", "Social network file")
	flags.StringVarP(&f.probabilities, "probabilities", "p", "", "Model to serve")
	flags.StringVarP(&f.input, "input", "i", "", "Observation log")
	flags.StringVarP(&f.policy, "candidate-selection-policy", "c", "", "Candidate selection policy spec (default from config)")
	flags.StringVar(&f.auxiliaryBasename, "auxiliary-basename", "", "Load a stored auxiliary index instead of scanning the observations")
	flags.StringVar(&f.addr, "addr", "", "Listen address (default from config)")
	for _, name := range []string{"social-network", "probabilities", "input"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, f serveFlags) error {
	if cmd.Flags().Changed("candidate-selection-policy") {
		a.cfg.Auxiliary.Policy = f.policy
	}
	if cmd.Flags().Changed("addr") {
		a.cfg.Server.Addr = f.addr
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	pol, err := policy.FromSpec(a.cfg.Auxiliary.Policy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := a.loadInputs(f.socialNetwork, f.input)
	if err != nil {
		return err
	}
	m, err := a.loadModel(f.probabilities, in.net)
	if err != nil {
		return err
	}
	idx, err := a.index(ctx, in, pol, f.auxiliaryBasename)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	h := api.NewHandlers(m, idx, a.cfg.SparsifyOptions(a.logger), a.metrics, a.logger)
	srv := api.NewServer(a.cfg.Server.Addr, api.NewRouter(h, a.cfg.Telemetry.ServiceName),
		a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down HTTP server", slog.Duration("timeout", a.cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

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
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/cascadefit/pkg/logging"
	"github.com/AleutianAI/cascadefit/pkg/ux"
	"github.com/AleutianAI/cascadefit/services/cascade/config"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

// Telemetry modes accepted by --telemetry.
const (
	telemetryNone       = "none"
	telemetryStdout     = "stdout"
	telemetryOTLP       = "otlp"
	telemetryPrometheus = "prometheus"
)

const shutdownTimeout = 5 * time.Second

// app is the state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// Global flags.
	configPath    string
	logLevel      string
	logDir        string
	telemetryMode string

	cfg               config.Config
	log               *logging.Logger
	logger            *slog.Logger
	metrics           *telemetry.Metrics
	shutdownTelemetry func(context.Context) error
	runID             string
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = WrapCommandError(cerr, root.Name())
	}
	if err != nil {
		ux.NewPrinter(stderr).Error(err.Error())
		return exitCode(err)
	}
	return ExitOK
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cascadefit",
		Short: "Estimate and sparsify Independent Cascade models",
		Long: `cascadefit learns the arc probabilities of an Independent Cascade
model from observed propagations on a social network, and selects the
k arcs that best explain those propagations.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultFileName, "YAML configuration file (missing file means defaults)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.logDir, "log-dir", "", "Directory receiving a JSON log file per run")
	root.PersistentFlags().StringVar(&a.telemetryMode, "telemetry", "", "Telemetry exporters: none, stdout, otlp or prometheus")

	root.AddCommand(
		newNetworkCmd(a),
		newAuxiliaryCmd(a),
		newEstimateCmd(a),
		newSparsifyCmd(a),
		newModelCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads the configuration, applies the global flags and starts
// logging and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	name := cmd.CommandPath()
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return WrapCommandError(err, name)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-dir") {
		cfg.Logging.Dir = a.logDir
	}
	if flags.Changed("telemetry") {
		if err := applyTelemetryMode(&cfg.Telemetry, a.telemetryMode); err != nil {
			return usageError(name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return WrapCommandError(err, name)
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return usageError(name, err)
	}
	a.log, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		Stderr:  a.stderr,
	})
	if err != nil {
		return WrapCommandError(err, name)
	}
	a.runID = uuid.NewString()
	a.logger = a.log.Slog().With(
		slog.String("run_id", a.runID),
		slog.String("command", name),
	)

	a.cfg.Telemetry.StdoutWriter = a.stderr
	a.shutdownTelemetry, err = telemetry.Init(cmd.Context(), a.cfg.Telemetry)
	if err != nil {
		return WrapCommandError(err, name)
	}
	a.metrics, err = telemetry.NewMetrics(otel.Meter(cfg.Telemetry.ServiceName))
	if err != nil {
		return WrapCommandError(err, name)
	}
	return nil
}

// applyTelemetryMode maps --telemetry onto the exporter settings. "none"
// and "stdout" set both exporters; "otlp" only concerns traces and
// "prometheus" only metrics.
func applyTelemetryMode(cfg *telemetry.Config, mode string) error {
	switch mode {
	case telemetryNone:
		cfg.TraceExporter = telemetry.ExporterNone
		cfg.MetricExporter = telemetry.ExporterNone
	case telemetryStdout:
		cfg.TraceExporter = telemetry.ExporterStdout
		cfg.MetricExporter = telemetry.ExporterStdout
	case telemetryOTLP:
		cfg.TraceExporter = telemetry.ExporterOTLP
	case telemetryPrometheus:
		cfg.MetricExporter = telemetry.ExporterPrometheus
	default:
		return fmt.Errorf("%w: %q", telemetry.ErrUnknownExporter, mode)
	}
	return nil
}

// close flushes telemetry and closes the log file. It is safe to call
// when setup did not run.
func (a *app) close() error {
	var errs []error
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.shutdownTelemetry(ctx))
		cancel()
		a.shutdownTelemetry = nil
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// stage runs fn as a named pipeline stage: it is timed into the stage
// histogram and logged with its outcome.
func (a *app) stage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	a.metrics.ObserveStage(ctx, stage, start, err)
	if err != nil {
		a.logger.Error("stage failed",
			slog.String("stage", stage),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return err
	}
	a.logger.Debug("stage done",
		slog.String("stage", stage),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// runE adapts a command body so its errors carry an exit code.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return WrapCommandError(fn(cmd, args), cmd.CommandPath())
	}
}

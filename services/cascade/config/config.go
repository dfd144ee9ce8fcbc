// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the cascadefit YAML configuration file.
//
// Every section has defaults, so a missing file is not an error. Command
// line flags are applied on top of the loaded values by the CLI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cascadefit/services/cascade/chunk"
	"github.com/AleutianAI/cascadefit/services/cascade/estimate"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
	"github.com/AleutianAI/cascadefit/services/cascade/sparsify"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

// DefaultFileName is the configuration file looked up when --config is unset.
const DefaultFileName = "cascadefit.yaml"

// ErrInvalidConfig is returned when a file cannot be parsed or a value is
// out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the whole configuration file.
type Config struct {
	Estimate  EstimateConfig   `yaml:"estimate"`
	Sparsify  SparsifyConfig   `yaml:"sparsify"`
	Auxiliary AuxiliaryConfig  `yaml:"auxiliary"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Cache     CacheConfig      `yaml:"cache"`
	Server    ServerConfig     `yaml:"server"`
}

// EstimateConfig holds the EM settings.
type EstimateConfig struct {
	Estimator       string  `yaml:"estimator" validate:"required"`
	MaxIterations   int     `yaml:"max_iterations" validate:"gte=-1"`
	MinDifference   float64 `yaml:"min_difference" validate:"gte=0"`
	NumChunks       int     `yaml:"num_chunks" validate:"gte=1"`
	Concurrency     int     `yaml:"concurrency" validate:"gte=0"`
	DelayMultiplier float64 `yaml:"delay_multiplier" validate:"gt=0"`
	Seed            uint64  `yaml:"seed"`
}

// SparsifyConfig holds the sparsifier settings.
type SparsifyConfig struct {
	Sparsifier   string `yaml:"sparsifier" validate:"required"`
	NumChunks    int    `yaml:"num_chunks" validate:"gte=1"`
	Concurrency  int    `yaml:"concurrency" validate:"gte=0"`
	Incremental  bool   `yaml:"incremental"`
	WithFraction bool   `yaml:"with_fraction"`
	Seed         uint64 `yaml:"seed"`
}

// AuxiliaryConfig selects the candidate policy used to build indexes.
type AuxiliaryConfig struct {
	Policy string `yaml:"policy" validate:"required"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir receives a JSON log file per run when set.
	Dir string `yaml:"dir"`
}

// CacheConfig configures the auxiliary index cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

// ServerConfig configures `cascadefit serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	em := estimate.DefaultOptions()
	sp := sparsify.DefaultOptions()
	tel := telemetry.DefaultConfig()
	return Config{
		Estimate: EstimateConfig{
			Estimator:       estimate.EMName,
			MaxIterations:   em.MaxIterations,
			MinDifference:   em.MinDifference,
			NumChunks:       em.NumChunks,
			DelayMultiplier: em.DelayMultiplier,
			Seed:            em.Seed,
		},
		Sparsify: SparsifyConfig{
			Sparsifier: sparsify.GreedyName,
			NumChunks:  sp.NumChunks,
			Seed:       sp.Seed,
		},
		Auxiliary: AuxiliaryConfig{Policy: policy.Default().Spec()},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: tel,
		Cache:     CacheConfig{Dir: filepath.Join(os.TempDir(), "cascadefit-cache")},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path, or a path that does not
// exist, yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes Default() to path, creating its directory.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and that the named estimator, sparsifier
// and policy exist.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !slices.Contains(estimate.Names(), c.Estimate.Estimator) {
		return fmt.Errorf("%w: unknown estimator %q", ErrInvalidConfig, c.Estimate.Estimator)
	}
	if !slices.Contains(sparsify.Names(), c.Sparsify.Sparsifier) {
		return fmt.Errorf("%w: unknown sparsifier %q", ErrInvalidConfig, c.Sparsify.Sparsifier)
	}
	if _, err := policy.FromSpec(c.Auxiliary.Policy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// EstimateOptions converts the estimate section.
func (c Config) EstimateOptions(logger *slog.Logger) estimate.Options {
	return estimate.Options{
		MaxIterations:   c.Estimate.MaxIterations,
		MinDifference:   c.Estimate.MinDifference,
		NumChunks:       c.Estimate.NumChunks,
		Concurrency:     c.Estimate.Concurrency,
		Seed:            c.Estimate.Seed,
		DelayMultiplier: c.Estimate.DelayMultiplier,
		Logger:          logger,
	}
}

// SparsifyOptions converts the sparsify section. Partial results are
// always reported.
func (c Config) SparsifyOptions(logger *slog.Logger) sparsify.Options {
	seed := c.Sparsify.Seed
	if seed == 0 {
		seed = chunk.DefaultSeed
	}
	return sparsify.Options{
		NumChunks:     c.Sparsify.NumChunks,
		Concurrency:   c.Sparsify.Concurrency,
		Seed:          seed,
		Incremental:   c.Sparsify.Incremental,
		ReportPartial: true,
		WithFraction:  c.Sparsify.WithFraction,
		Logger:        logger,
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads planner configuration from defaults, a YAML or JSON
// file and XPLAN_ environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/explore"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	xbadger "github.com/AleutianAI/AleutianXPlan/services/xplan/storage/badger"
)

// ErrInvalidConfig indicates a configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XPLAN_"

var validate = validator.New()

// Config contains all planner configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Compile       CompileConfig       `json:"compile" yaml:"compile"`
	Solver        SolverConfig        `json:"solver" yaml:"solver"`
	Explorer      ExplorerConfig      `json:"explorer" yaml:"explorer"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Checker       CheckerConfig       `json:"checker" yaml:"checker"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// CompileConfig controls explicit model construction.
type CompileConfig struct {
	Enumeration   string  `json:"enumeration" yaml:"enumeration" validate:"oneof=all reachable"`
	ComputeOffset float64 `json:"compute_offset" yaml:"compute_offset" validate:"gte=0"`
}

// SolverConfig controls the LP/MIP solver.
type SolverConfig struct {
	Criterion            string  `json:"criterion" yaml:"criterion" validate:"oneof=total ssp average"`
	DiscountFactor       float64 `json:"discount_factor" yaml:"discount_factor" validate:"gt=0,lt=1"`
	FeasibilityTolerance float64 `json:"feasibility_tolerance" yaml:"feasibility_tolerance" validate:"gt=0"`
	StrictEpsilon        float64 `json:"strict_epsilon" yaml:"strict_epsilon" validate:"gt=0"`
	PWLSamples           int     `json:"pwl_samples" yaml:"pwl_samples" validate:"gte=2"`
	TransientBound       float64 `json:"transient_bound" yaml:"transient_bound" validate:"gte=0"`
	SimplexTolerance     float64 `json:"simplex_tolerance" yaml:"simplex_tolerance" validate:"gt=0"`
	IntegralityTolerance float64 `json:"integrality_tolerance" yaml:"integrality_tolerance" validate:"gt=0,lt=0.5"`
	NodeLimit            int     `json:"node_limit" yaml:"node_limit" validate:"gte=0"`

	// TimeLimit bounds the branch-and-bound search of one solve. The
	// result then carries the best policy found with status node_limit.
	TimeLimit time.Duration `json:"time_limit" yaml:"time_limit" validate:"gte=0"`
}

// ExplorerConfig controls the alternative-policy explorer.
type ExplorerConfig struct {
	Mode          string  `json:"mode" yaml:"mode" validate:"oneof=hard soft"`
	Significance  string  `json:"significance" yaml:"significance" validate:"oneof=tolerance_band strict"`
	Percent       float64 `json:"percent" yaml:"percent" validate:"gte=0,lt=1"`
	Demotion      float64 `json:"demotion" yaml:"demotion" validate:"gt=1"`
	PenaltyWeight float64 `json:"penalty_weight" yaml:"penalty_weight" validate:"gt=0"`
	Parallelism   int     `json:"parallelism" yaml:"parallelism" validate:"gte=0"`
}

// StorageConfig controls the solution store.
type StorageConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Path       string        `json:"path" yaml:"path"`
	InMemory   bool          `json:"in_memory" yaml:"in_memory"`
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
}

// CheckerConfig controls the external model checker.
type CheckerConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Path    string        `json:"path" yaml:"path"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// ObservabilityConfig controls tracing, metrics and logging.
type ObservabilityConfig struct {
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	LogLevel       string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDir         string `json:"log_dir" yaml:"log_dir"`

	// TraceExporter and MetricExporter select the OpenTelemetry exporters
	// (see telemetry.Init).
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `json:"otlp_insecure" yaml:"otlp_insecure"`

	// MetricsFile receives the Prometheus text exposition of the planner
	// metrics when a command finishes.
	MetricsFile string `json:"metrics_file" yaml:"metrics_file"`
}

// Default returns the default configuration.
func Default() Config {
	lpc := lp.DefaultConfig()
	ec := explore.DefaultConfig()
	return Config{
		Compile: CompileConfig{Enumeration: compile.EnumerateAll.String()},
		Solver: SolverConfig{
			Criterion:            lp.TotalCost.String(),
			DiscountFactor:       lpc.DiscountFactor,
			FeasibilityTolerance: lpc.FeasibilityTolerance,
			StrictEpsilon:        lpc.StrictEpsilon,
			PWLSamples:           lpc.PWLSamples,
			TransientBound:       lpc.TransientBound,
			SimplexTolerance:     lpc.SimplexTolerance,
			IntegralityTolerance: lpc.IntegralityTolerance,
			NodeLimit:            lpc.NodeLimit,
			TimeLimit:            lpc.TimeLimit,
		},
		Explorer: ExplorerConfig{
			Mode:          ec.Mode.String(),
			Significance:  ec.Significance.String(),
			Percent:       ec.Percent,
			Demotion:      ec.Demotion,
			PenaltyWeight: ec.PenaltyWeight,
			Parallelism:   ec.Parallelism,
		},
		Storage: StorageConfig{
			InMemory:   true,
			GCInterval: 5 * time.Minute,
		},
		Checker: CheckerConfig{
			Path:    "prism",
			Timeout: 2 * time.Minute,
		},
		Observability: ObservabilityConfig{
			TracingEnabled: true,
			MetricsEnabled: true,
			LogLevel:       "info",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing files leave the defaults.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: File parse errors, or ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// envSetter applies one environment value.
type envSetter func(cfg *Config, v string) error

func str(dst func(*Config) *string) envSetter {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func float(dst func(*Config) *float64) envSetter {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func integer(dst func(*Config) *int) envSetter {
	return func(cfg *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = i
		return nil
	}
}

func boolean(dst func(*Config) *bool) envSetter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) envSetter {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

var envVars = map[string]envSetter{
	"ENUMERATION":            str(func(c *Config) *string { return &c.Compile.Enumeration }),
	"COMPUTE_OFFSET":         float(func(c *Config) *float64 { return &c.Compile.ComputeOffset }),
	"CRITERION":              str(func(c *Config) *string { return &c.Solver.Criterion }),
	"DISCOUNT_FACTOR":        float(func(c *Config) *float64 { return &c.Solver.DiscountFactor }),
	"FEASIBILITY_TOLERANCE":  float(func(c *Config) *float64 { return &c.Solver.FeasibilityTolerance }),
	"STRICT_EPSILON":         float(func(c *Config) *float64 { return &c.Solver.StrictEpsilon }),
	"PWL_SAMPLES":            integer(func(c *Config) *int { return &c.Solver.PWLSamples }),
	"TRANSIENT_BOUND":        float(func(c *Config) *float64 { return &c.Solver.TransientBound }),
	"SIMPLEX_TOLERANCE":      float(func(c *Config) *float64 { return &c.Solver.SimplexTolerance }),
	"INTEGRALITY_TOLERANCE":  float(func(c *Config) *float64 { return &c.Solver.IntegralityTolerance }),
	"NODE_LIMIT":             integer(func(c *Config) *int { return &c.Solver.NodeLimit }),
	"TIME_LIMIT":             duration(func(c *Config) *time.Duration { return &c.Solver.TimeLimit }),
	"EXPLORER_MODE":          str(func(c *Config) *string { return &c.Explorer.Mode }),
	"SIGNIFICANCE":           str(func(c *Config) *string { return &c.Explorer.Significance }),
	"SIGNIFICANCE_PERCENT":   float(func(c *Config) *float64 { return &c.Explorer.Percent }),
	"EXPLORER_PARALLELISM":   integer(func(c *Config) *int { return &c.Explorer.Parallelism }),
	"STORE_ENABLED":          boolean(func(c *Config) *bool { return &c.Storage.Enabled }),
	"STORE_PATH":             str(func(c *Config) *string { return &c.Storage.Path }),
	"STORE_IN_MEMORY":        boolean(func(c *Config) *bool { return &c.Storage.InMemory }),
	"STORE_GC_INTERVAL":      duration(func(c *Config) *time.Duration { return &c.Storage.GCInterval }),
	"CHECKER_ENABLED":        boolean(func(c *Config) *bool { return &c.Checker.Enabled }),
	"CHECKER_PATH":           str(func(c *Config) *string { return &c.Checker.Path }),
	"CHECKER_TIMEOUT":        duration(func(c *Config) *time.Duration { return &c.Checker.Timeout }),
	"TRACING_ENABLED":        boolean(func(c *Config) *bool { return &c.Observability.TracingEnabled }),
	"METRICS_ENABLED":        boolean(func(c *Config) *bool { return &c.Observability.MetricsEnabled }),
	"LOG_LEVEL":              str(func(c *Config) *string { return &c.Observability.LogLevel }),
	"LOG_DIR":                str(func(c *Config) *string { return &c.Observability.LogDir }),
	"TRACE_EXPORTER":         str(func(c *Config) *string { return &c.Observability.TraceExporter }),
	"METRIC_EXPORTER":        str(func(c *Config) *string { return &c.Observability.MetricExporter }),
	"OTLP_ENDPOINT":          str(func(c *Config) *string { return &c.Observability.OTLPEndpoint }),
	"OTLP_INSECURE":          boolean(func(c *Config) *bool { return &c.Observability.OTLPInsecure }),
	"METRICS_FILE":           str(func(c *Config) *string { return &c.Observability.MetricsFile }),
}

func loadEnv(cfg *Config) error {
	for name, set := range envVars {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, name, v, err)
		}
	}
	return nil
}

// Validate checks field ranges and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Storage.Enabled && !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required for a persistent store", ErrInvalidConfig)
	}
	if c.Observability.TraceExporter == "otlp" && c.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("%w: observability.otlp_endpoint is required for the otlp exporter", ErrInvalidConfig)
	}
	if c.Checker.Enabled && c.Checker.Path == "" {
		return fmt.Errorf("%w: checker.path is required when the checker is enabled", ErrInvalidConfig)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

// Options returns the compile options. Goals are absorbing for total cost.
func (c Config) Options() compile.Options {
	opts := compile.Options{Enumeration: compile.EnumerateAll, ComputeOffset: c.Compile.ComputeOffset}
	if c.Compile.Enumeration == compile.EnumerateReachable.String() {
		opts.Enumeration = compile.EnumerateReachable
	}
	criterion, err := lp.ParseCriterion(c.Solver.Criterion)
	opts.AbsorbingGoals = err != nil || criterion == lp.TotalCost
	return opts
}

// ParsedCriterion returns the optimization criterion.
func (c SolverConfig) ParsedCriterion() (lp.Criterion, error) {
	return lp.ParseCriterion(c.Criterion)
}

// LPConfig returns the solver configuration.
func (c SolverConfig) LPConfig() lp.Config {
	return lp.Config{
		DiscountFactor:       c.DiscountFactor,
		FeasibilityTolerance: c.FeasibilityTolerance,
		StrictEpsilon:        c.StrictEpsilon,
		PWLSamples:           c.PWLSamples,
		TransientBound:       c.TransientBound,
		SimplexTolerance:     c.SimplexTolerance,
		IntegralityTolerance: c.IntegralityTolerance,
		NodeLimit:            c.NodeLimit,
		TimeLimit:            c.TimeLimit,
	}
}

// ExploreConfig returns the explorer configuration.
func (c ExplorerConfig) ExploreConfig() (explore.Config, error) {
	mode, err := explore.ParseMode(c.Mode)
	if err != nil {
		return explore.Config{}, err
	}
	sig, err := explore.ParseSignificance(c.Significance)
	if err != nil {
		return explore.Config{}, err
	}
	return explore.Config{
		Mode:          mode,
		Significance:  sig,
		Percent:       c.Percent,
		Demotion:      c.Demotion,
		PenaltyWeight: c.PenaltyWeight,
		Parallelism:   c.Parallelism,
	}, nil
}

// BadgerConfig returns the database configuration of the store.
func (c StorageConfig) BadgerConfig(logger *slog.Logger) xbadger.Config {
	if c.InMemory {
		cfg := xbadger.InMemoryConfig()
		cfg.Logger = logger
		return cfg
	}
	cfg := xbadger.DefaultConfig(c.Path)
	cfg.GCInterval = c.GCInterval
	cfg.Logger = logger
	return cfg
}

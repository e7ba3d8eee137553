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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianXPlan/pkg/logging"
	"github.com/AleutianAI/AleutianXPlan/services/xplan"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/config"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/modelspec"
	xbadger "github.com/AleutianAI/AleutianXPlan/services/xplan/storage/badger"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/store"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/telemetry"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

// app holds the state shared by the subcommands of one invocation.
type app struct {
	configPath string
	jsonOutput bool
	logLevel   string

	hard        []string
	soft        []string
	softWeight  float64
	softMax     float64
	mode        string
	enumeration string

	stdout, stderr io.Writer
	cfg            config.Config
	logger         *logging.Logger
	metrics        *telemetry.Metrics
	closers        []func() error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "xplan",
		Short:         "Plan with explainable MDPs",
		Long:          "xplan compiles factored MDP models, solves them for cost-optimal policies under\nquality attribute constraints, and explains the tradeoffs behind a policy.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML or JSON config file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Write JSON instead of text")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.enumeration, "enumeration", "", "Override state enumeration (all, reachable)")

	compileCmd := &cobra.Command{
		Use:   "compile <model.yaml>",
		Short: "Write the PRISM translation of a model",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runCompile,
	}

	solveCmd := &cobra.Command{
		Use:   "solve <model.yaml>",
		Short: "Find the cost-optimal policy",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runSolve,
	}
	a.constraintFlags(solveCmd)

	explainCmd := &cobra.Command{
		Use:   "explain <model.yaml>",
		Short: "Find the optimal policy and the alternatives that trade cost for single attributes",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runExplain,
	}
	a.constraintFlags(explainCmd)
	explainCmd.Flags().StringVar(&a.mode, "mode", "", "Override the explorer mode (hard, soft)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput {
				return writeJSON(a.stdout, map[string]string{"version": version})
			}
			_, err := fmt.Fprintln(a.stdout, "xplan", version)
			return err
		},
	}

	root.AddCommand(compileCmd, solveCmd, explainCmd, versionCmd)
	return root
}

func (a *app) constraintFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&a.hard, "bound", "b", nil, "Hard bound on an attribute, e.g. 'risk<=1' (repeatable)")
	cmd.Flags().StringArrayVar(&a.soft, "soft", nil, "Soft bound on an attribute, e.g. 'time<2' (repeatable)")
	cmd.Flags().Float64Var(&a.softWeight, "soft-weight", 1, "Penalty weight of soft bounds")
	cmd.Flags().Float64Var(&a.softMax, "soft-max-violation", 1, "Largest allowed violation of a soft bound")
}

// setup loads the configuration, applies flag overrides and opens the
// logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Observability.LogLevel = a.logLevel
	}
	if a.enumeration != "" {
		cfg.Compile.Enumeration = a.enumeration
	}
	if a.mode != "" {
		cfg.Explorer.Mode = a.mode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return err
	}
	a.logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Observability.LogDir,
		Service: "xplan",
		Output:  a.stderr,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.logger.Close)
	return a.setupTelemetry()
}

// setupTelemetry installs the OpenTelemetry providers and the planner
// metrics. Stdout exporters write to the error stream.
func (a *app) setupTelemetry() error {
	obs := a.cfg.Observability
	pc := telemetry.ProviderConfig{
		ServiceName:    "xplan",
		ServiceVersion: version,
		TraceExporter:  obs.TraceExporter,
		MetricExporter: obs.MetricExporter,
		OTLPEndpoint:   obs.OTLPEndpoint,
		OTLPInsecure:   obs.OTLPInsecure,
		Writer:         a.stderr,
	}
	if obs.MetricsEnabled {
		a.metrics = telemetry.NewMetrics()
		pc.Registerer = a.metrics.Registry()
	}
	shutdown, err := telemetry.Init(context.Background(), pc)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if obs.MetricsFile != "" && a.metrics != nil {
		reg := a.metrics.Registry()
		a.closers = append(a.closers, func() error {
			return prometheus.WriteToTextfile(obs.MetricsFile, reg)
		})
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// planner builds a Planner from the loaded configuration, opening the
// solution store when it is enabled.
func (a *app) planner() (*xplan.Planner, error) {
	log := a.logger.Slog()
	opts := []xplan.Option{xplan.WithLogger(log)}
	if a.metrics != nil {
		opts = append(opts, xplan.WithMetrics(a.metrics))
	}
	if a.cfg.Storage.Enabled {
		db, err := xbadger.Open(a.cfg.Storage.BadgerConfig(log))
		if err != nil {
			return nil, fmt.Errorf("open solution store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		opts = append(opts, xplan.WithStore(store.NewSolutionStore(db, log)))
	}
	return xplan.NewPlanner(a.cfg, opts...)
}

func (a *app) request() (xplan.Request, error) {
	var req xplan.Request
	for _, s := range a.hard {
		b, err := xplan.ParseBound(s)
		if err != nil {
			return req, err
		}
		req.Hard = append(req.Hard, b)
	}
	for _, s := range a.soft {
		b, err := xplan.ParseBound(s)
		if err != nil {
			return req, err
		}
		req.Soft = append(req.Soft, xplan.SoftBound{
			Bound:        b,
			Penalty:      lp.LinearPenalty,
			MaxViolation: a.softMax,
			Weight:       a.softWeight,
		})
	}
	return req, nil
}

func (a *app) load(path string) (*model.XMDP, error) {
	x, err := modelspec.LoadFile(path)
	if err != nil {
		return nil, err
	}
	a.logger.Slog().Debug("model loaded", slog.String("path", path), slog.Int("states", x.States().Size()))
	return x, nil
}

// emit writes data as a CommandResult in JSON mode, or calls text
// otherwise.
func (a *app) emit(cmd *cobra.Command, start time.Time, data any, text func(io.Writer)) error {
	if a.jsonOutput {
		return writeJSON(a.stdout, CommandResult{
			APIVersion: apiVersion,
			Command:    cmd.Name(),
			Timestamp:  start.UTC(),
			DurationMs: time.Since(start).Milliseconds(),
			Success:    true,
			Data:       data,
		})
	}
	text(a.stdout)
	return nil
}

// -----------------------------------------------------------------------------
// Subcommands
// -----------------------------------------------------------------------------

func (a *app) runCompile(cmd *cobra.Command, args []string) error {
	start := time.Now()
	x, err := a.load(args[0])
	if err != nil {
		return err
	}
	p, err := a.planner()
	if err != nil {
		return err
	}
	c, err := p.Compile(cmdContext(cmd), x)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := compile.WritePRISM(&buf, c.Explicit); err != nil {
		return err
	}
	view := compileView{
		Chains:  len(c.Flat.Chains),
		States:  c.Explicit.NumStates(),
		Choices: c.Explicit.NumChoices(),
		PRISM:   buf.String(),
	}
	return a.emit(cmd, start, view, func(w io.Writer) {
		_, _ = w.Write(buf.Bytes())
	})
}

func (a *app) runSolve(cmd *cobra.Command, args []string) error {
	start := time.Now()
	sol, _, err := a.solve(cmd, args[0])
	if err != nil {
		return err
	}
	view := newSolveView(sol)
	return a.emit(cmd, start, view, func(w io.Writer) { printSolve(w, view) })
}

func (a *app) runExplain(cmd *cobra.Command, args []string) error {
	start := time.Now()
	sol, p, err := a.solve(cmd, args[0])
	if err != nil {
		return err
	}
	view := explainView{solveView: newSolveView(sol)}
	if sol.Feasible() {
		alts, err := p.Explain(cmdContext(cmd), sol)
		if err != nil {
			return err
		}
		view = newExplainView(sol, alts)
	}
	return a.emit(cmd, start, view, func(w io.Writer) { printExplain(w, view) })
}

func (a *app) solve(cmd *cobra.Command, path string) (*xplan.Solution, *xplan.Planner, error) {
	req, err := a.request()
	if err != nil {
		return nil, nil, err
	}
	x, err := a.load(path)
	if err != nil {
		return nil, nil, err
	}
	p, err := a.planner()
	if err != nil {
		return nil, nil, err
	}
	sol, err := p.Solve(cmdContext(cmd), x, req)
	if err != nil {
		return nil, nil, err
	}
	return sol, p, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

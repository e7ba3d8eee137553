// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package xplan plans with explainable MDPs: it compiles a factored model,
// solves for a cost-optimal deterministic policy under quality attribute
// constraints, and finds alternative policies that improve single
// attributes at a higher cost.
package xplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/checker"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/config"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/explore"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/mathprog"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/policy"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/store"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/telemetry"
)

// ErrNilModel is returned when a nil XMDP or compiled model is passed.
var ErrNilModel = errors.New("nil model")

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option customizes a Planner.
type Option func(*Planner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// WithTracer replaces the tracer built from the observability config.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Planner) { p.tracer = t }
}

// WithMetrics replaces the metrics built from the observability config.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// WithStore enables the persistent solution store.
func WithStore(s *store.SolutionStore) Option {
	return func(p *Planner) { p.store = s }
}

// WithChecker evaluates policies with a model checker instead of reading
// attribute values from the occupancy measure.
func WithChecker(c checker.Checker) Option {
	return func(p *Planner) { p.checker = c }
}

// WithMathSolver replaces the branch-and-bound MIP solver.
func WithMathSolver(mp mathprog.Solver) Option {
	return func(p *Planner) { p.mp = mp }
}

// -----------------------------------------------------------------------------
// Planner
// -----------------------------------------------------------------------------

// Compiled is an XMDP together with its flat and explicit forms.
//
// Thread Safety: Safe for concurrent use.
type Compiled struct {
	XMDP     *model.XMDP
	Flat     *compile.FlatModel
	Explicit *compile.ExplicitModel

	infos *policy.InfoCache
}

// CacheStats reports the policy info cache of c.
func (c *Compiled) CacheStats() policy.CacheStats {
	return c.infos.Stats()
}

// Solution is the outcome of one Solve.
type Solution struct {
	RunID    string
	Compiled *Compiled
	Result   *lp.Result

	// Info is nil when no policy satisfies the request.
	Info *policy.Info

	// Cached is true when Result came from the solution store.
	Cached bool
}

// Feasible reports whether a policy was found.
func (s *Solution) Feasible() bool {
	return s.Info != nil
}

// Planner compiles, solves and explains XMDPs.
//
// Description:
//
//	Solve compiles the model, solves it with the LP/MIP solver (or reads
//	the result from the store) and evaluates the policy into a
//	policy.Info. Explain re-solves the compiled model through the
//	alternative-policy explorer. Every invocation gets a run id that is
//	attached to its logs and trace span.
//
// Thread Safety: Safe for concurrent use.
type Planner struct {
	cfg        config.Config
	criterion  lp.Criterion
	exploreCfg explore.Config
	options    compile.Options

	logger  *slog.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	store   *store.SolutionStore
	checker checker.Checker
	mp      mathprog.Solver
	solver  *lp.Solver
}

// NewPlanner creates a Planner.
//
// Description:
//
//	Without WithTracer/WithMetrics, tracing and metrics follow
//	cfg.Observability. Without WithChecker, an enabled cfg.Checker
//	creates a checker.PrismCLI.
//
// Outputs:
//   - *Planner: The planner.
//   - error: config.ErrInvalidConfig for an invalid cfg.
func NewPlanner(cfg config.Config, opts ...Option) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	criterion, err := cfg.Solver.ParsedCriterion()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	exploreCfg, err := cfg.Explorer.ExploreConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	p := &Planner{cfg: cfg, criterion: criterion, exploreCfg: exploreCfg, options: cfg.Options()}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = telemetry.NewTracer(p.logger, cfg.Observability.TracingEnabled)
	}
	if p.metrics == nil && cfg.Observability.MetricsEnabled {
		p.metrics = telemetry.NewMetrics()
	}
	if p.checker == nil && cfg.Checker.Enabled {
		p.checker = &checker.PrismCLI{Path: cfg.Checker.Path, Timeout: cfg.Checker.Timeout, Logger: p.logger}
	}
	p.solver = lp.NewSolver(p.mp, cfg.Solver.LPConfig(), p.logger)
	return p, nil
}

// Metrics returns the planner metrics, or nil when metrics are disabled.
func (p *Planner) Metrics() *telemetry.Metrics {
	return p.metrics
}

// Criterion returns the optimization criterion.
func (p *Planner) Criterion() lp.Criterion {
	return p.criterion
}

// Compile flattens x and enumerates its explicit model.
func (p *Planner) Compile(ctx context.Context, x *model.XMDP) (*Compiled, error) {
	if x == nil {
		return nil, ErrNilModel
	}
	_, span := p.tracer.StartCompile(ctx, p.options.Enumeration.String())

	fm, err := compile.Flatten(x)
	if err != nil {
		p.tracer.EndCompile(span, 0, 0, 0, err)
		return nil, err
	}
	em, err := compile.BuildExplicitModel(fm, nil, p.options)
	if err != nil {
		p.tracer.EndCompile(span, len(fm.Chains), 0, 0, err)
		return nil, err
	}
	p.tracer.EndCompile(span, len(fm.Chains), em.NumStates(), em.NumChoices(), nil)
	if p.metrics != nil {
		p.metrics.RecordModel(len(fm.Chains), em.NumStates(), em.NumChoices())
	}
	p.logger.Debug("model compiled",
		slog.Int("chains", len(fm.Chains)),
		slog.Int("states", em.NumStates()),
		slog.Int("choices", em.NumChoices()))
	return &Compiled{XMDP: x, Flat: fm, Explicit: em, infos: policy.NewInfoCache()}, nil
}

// Solve compiles x and finds its cost-optimal deterministic policy under
// req.
//
// Outputs:
//   - *Solution: Info is nil when req is infeasible.
//   - error: Compile errors, unknown attributes in req, solver errors and
//     evaluator errors.
func (p *Planner) Solve(ctx context.Context, x *model.XMDP, req Request) (sol *Solution, err error) {
	runID := uuid.NewString()
	logger := p.logger.With(slog.String("run_id", runID))
	ctx, span := p.tracer.StartRun(ctx, runID, "solve")
	defer func() { p.tracer.EndRun(span, err) }()

	c, err := p.Compile(ctx, x)
	if err != nil {
		return nil, err
	}
	return p.solveCompiled(ctx, runID, logger, c, req)
}

// SolveCompiled solves an already compiled model under req.
func (p *Planner) SolveCompiled(ctx context.Context, c *Compiled, req Request) (sol *Solution, err error) {
	if c == nil {
		return nil, ErrNilModel
	}
	runID := uuid.NewString()
	ctx, span := p.tracer.StartRun(ctx, runID, "solve")
	defer func() { p.tracer.EndRun(span, err) }()
	return p.solveCompiled(ctx, runID, p.logger.With(slog.String("run_id", runID)), c, req)
}

func (p *Planner) solveCompiled(ctx context.Context, runID string, logger *slog.Logger, c *Compiled, req Request) (*Solution, error) {
	hard, soft, err := req.constraints(c.Explicit)
	if err != nil {
		return nil, err
	}
	r, em, cached, err := p.solve(ctx, logger, c, nil, hard, soft)
	if err != nil {
		return nil, err
	}
	sol := &Solution{RunID: runID, Compiled: c, Result: r, Cached: cached}
	if r.Feasible {
		if sol.Info, err = p.info(ctx, c, em, r); err != nil {
			return nil, err
		}
	}
	logger.Info("solve finished",
		slog.String("status", r.Status.String()),
		slog.Float64("objective", r.Objective),
		slog.Bool("cached", cached))
	return sol, nil
}

// Explain finds the alternatives of a feasible solution.
//
// Outputs:
//   - []*explore.Alternative: One alternative per attribute that could be
//     improved, without duplicate policies.
//   - error: policy.ErrNoPolicy for an infeasible solution, explorer and
//     solver errors otherwise.
func (p *Planner) Explain(ctx context.Context, sol *Solution) (alts []*explore.Alternative, err error) {
	if sol == nil || sol.Compiled == nil {
		return nil, ErrNilModel
	}
	if sol.Info == nil {
		return nil, policy.ErrNoPolicy
	}
	logger := p.logger.With(slog.String("run_id", sol.RunID))
	ctx, run := p.tracer.StartRun(ctx, sol.RunID, "explain")
	defer func() { p.tracer.EndRun(run, err) }()

	ctx, span := p.tracer.StartExplore(ctx, p.exploreCfg.Mode.String())
	e, err := explore.NewExplorer(&session{p: p, c: sol.Compiled, logger: logger}, p.exploreCfg, logger)
	if err != nil {
		p.tracer.EndExplore(span, 0, err)
		return nil, err
	}
	alts, err = e.Alternatives(ctx, sol.Info)
	p.tracer.EndExplore(span, len(alts), err)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordAlternatives(len(alts))
	}
	return alts, nil
}

// solve runs one LP/MIP solve of c under objective (nil for the model's
// cost function). The returned explicit model carries that objective.
func (p *Planner) solve(ctx context.Context, logger *slog.Logger, c *Compiled, objective *model.CostFunction, hard []lp.Constraint, soft []lp.SoftConstraint) (*lp.Result, *compile.ExplicitModel, bool, error) {
	em := c.Explicit
	if objective != nil && objective != c.XMDP.Cost() {
		var err error
		if em, err = em.WithObjective(objective, p.options.ComputeOffset); err != nil {
			return nil, nil, false, err
		}
	}
	req := lp.Request{Criterion: p.criterion, ObjectiveIndex: compile.ObjectiveSlot, Hard: hard, Soft: soft}

	ctx, span := p.tracer.StartSolve(ctx, p.criterion.String(), len(hard), len(soft))
	var key string
	if p.store != nil {
		key = store.Key(em.Model, req, p.solver.Config())
		r, err := p.store.Get(ctx, key)
		switch {
		case err == nil:
			if p.metrics != nil {
				p.metrics.RecordStoreLookup(true)
			}
			p.tracer.EndSolve(span, r.Status.String(), r.Objective, r.Nodes, true, nil)
			return r, em, true, nil
		case errors.Is(err, store.ErrNotFound):
			if p.metrics != nil {
				p.metrics.RecordStoreLookup(false)
			}
		default:
			logger.Warn("solution store read failed", slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	r, err := p.solver.Solve(ctx, em.Model, req)
	if err != nil {
		p.tracer.EndSolve(span, "error", 0, 0, false, err)
		return nil, nil, false, err
	}
	if p.metrics != nil {
		p.metrics.RecordSolve(p.criterion.String(), r.Status.String(), time.Since(start))
	}
	p.tracer.EndSolve(span, r.Status.String(), r.Objective, r.Nodes, false, nil)

	if p.store != nil && (r.Status == lp.StatusOptimal || r.Status == lp.StatusInfeasible) {
		if err := p.store.Put(ctx, key, r); err != nil {
			logger.Warn("solution store write failed", slog.String("error", err.Error()))
		}
	}
	return r, em, false, nil
}

// info evaluates the policy of r under the model's own cost function,
// once per distinct policy.
func (p *Planner) info(ctx context.Context, c *Compiled, em *compile.ExplicitModel, r *lp.Result) (*policy.Info, error) {
	pol, err := policy.FromResult(em, r)
	if err != nil {
		return nil, err
	}
	computed := false
	info, err := c.infos.GetOrCompute(ctx, pol, func(ctx context.Context, pol *policy.Policy) (*policy.Info, error) {
		computed = true
		return policy.NewInfo(ctx, c.XMDP, nil, pol, p.evaluator(c, em, r))
	})
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordCacheLookup(!computed)
	}
	return info, nil
}

// evaluator prefers the model checker. Without one, total-cost values
// from the occupancy measure are verified on the induced chain.
func (p *Planner) evaluator(c *Compiled, em *compile.ExplicitModel, r *lp.Result) policy.Evaluator {
	if p.checker != nil {
		return checker.Evaluator{Checker: p.checker, Model: c.Explicit, LongRun: p.criterion == lp.AverageCost}
	}
	measured := policy.MeasureEvaluator{Model: em, Result: r}
	if p.criterion == lp.AverageCost {
		return measured
	}
	return policy.CrossCheckEvaluator{Primary: measured, Chain: policy.ChainEvaluator{Model: em}, Logger: p.logger}
}

// -----------------------------------------------------------------------------
// Explorer session
// -----------------------------------------------------------------------------

// session re-solves one compiled model for the explorer.
type session struct {
	p      *Planner
	c      *Compiled
	logger *slog.Logger
}

func (s *session) Slot(attribute string) (int, error) {
	return s.c.Explicit.QASlot(attribute)
}

func (s *session) SolveWith(ctx context.Context, objective *model.CostFunction, hard []lp.Constraint, soft []lp.SoftConstraint) (*policy.Info, error) {
	r, em, _, err := s.p.solve(ctx, s.logger, s.c, objective, hard, soft)
	if err != nil {
		return nil, err
	}
	if !r.Feasible {
		return nil, nil
	}
	return s.p.info(ctx, s.c, em, r)
}

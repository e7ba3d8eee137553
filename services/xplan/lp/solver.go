// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/explicit"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/mathprog"
)

// zeroMeasure is the measure below which a choice counts as unused.
const zeroMeasure = 1e-9

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes the formulation and the underlying solver.
type Config struct {
	// DiscountFactor is γ of the occupancy bound LP.
	DiscountFactor float64

	// FeasibilityTolerance bounds flow-conservation residuals and the
	// deviation of policy entries from 0 or 1.
	FeasibilityTolerance float64

	// StrictEpsilon tightens strict bounds, relative to the bound.
	StrictEpsilon float64

	// PWLSamples is the default number of penalty samples.
	PWLSamples int

	// TransientBound caps y(i,a) under average cost. Zero means the
	// number of states.
	TransientBound float64

	SimplexTolerance     float64
	IntegralityTolerance float64

	// NodeLimit caps the branch-and-bound relaxations of one solve. Zero
	// means no limit.
	NodeLimit int

	// TimeLimit caps the branch-and-bound search of one solve. Zero means
	// no limit.
	TimeLimit time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DiscountFactor:       0.99,
		FeasibilityTolerance: 1e-6,
		StrictEpsilon:        1e-6,
		PWLSamples:           5,
		SimplexTolerance:     1e-10,
		IntegralityTolerance: 1e-6,
		NodeLimit:            20000,
		TimeLimit:            30 * time.Second,
	}
}

func (c Config) transientBound(states int) float64 {
	if c.TransientBound > 0 {
		return c.TransientBound
	}
	return math.Max(1, float64(states))
}

// -----------------------------------------------------------------------------
// Solver
// -----------------------------------------------------------------------------

// Solver finds deterministic policies of explicit models.
//
// Description:
//
//	Solve first solves the plain occupancy-measure LP. Its optimum is
//	optimal among all policies, so when it is already deterministic it
//	is the answer. Otherwise Solve formulates the MIP with determinism
//	indicators, solves it by branch and bound, fixes the indicators and
//	re-solves the LP so that unused choices carry exactly zero measure.
//	Both paths end by verifying flow conservation and determinism. A
//	numerical failure is retried once with mathprog.MethodAlternative.
//
// Thread Safety: Safe for concurrent use if the mathprog.Solver is.
type Solver struct {
	mp     mathprog.Solver
	cfg    Config
	logger *slog.Logger
}

// NewSolver creates a Solver. A nil mp uses mathprog.BranchAndBound and a
// nil logger uses slog.Default().
func NewSolver(mp mathprog.Solver, cfg Config, logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.Default()
	}
	if mp == nil {
		mp = mathprog.NewBranchAndBound(logger)
	}
	return &Solver{mp: mp, cfg: cfg, logger: logger}
}

// Config returns the solver configuration.
func (s *Solver) Config() Config {
	return s.cfg
}

// Solve finds a cost-optimal deterministic policy of m under req.
//
// Inputs:
//   - ctx: Passed to the math-programming solver.
//   - m: The explicit model. Total cost requires goal states; average
//     cost requires every state to have a choice.
//   - req: Criterion, objective slot and constraints.
//
// Outputs:
//   - *Result: Feasible is false when no policy satisfies req or the
//     solve failed numerically twice. Never nil when error is nil.
//   - error: A *SolverError wrapping ErrInvalidRequest, ErrNoGoal,
//     ErrDeadEnd, ErrInconsistentSolution, or a solver or context error.
func (s *Solver) Solve(ctx context.Context, m *explicit.Model, req Request) (*Result, error) {
	start := time.Now()
	if m == nil {
		return nil, &SolverError{Operation: "validate", Err: fmt.Errorf("%w: nil model", ErrInvalidRequest)}
	}
	if err := req.validate(len(m.CostNames())); err != nil {
		return nil, &SolverError{Operation: "validate", Err: err}
	}

	switch req.Criterion {
	case TotalCost:
		if len(m.Goals()) == 0 {
			return nil, &SolverError{Operation: "validate", Err: ErrNoGoal}
		}
	case AverageCost:
		for i := 0; i < m.NumStates(); i++ {
			if len(m.Choices(i)) == 0 {
				return nil, &SolverError{Operation: "validate", Err: fmt.Errorf("%w: %s", ErrDeadEnd, m.StateLabel(i))}
			}
		}
	}

	p, l, err := formulate(m, req, s.cfg, nil)
	if err != nil {
		return nil, &SolverError{Operation: "formulate", Err: err}
	}
	sol, err := s.solveWithRetry(ctx, p, s.options(time.Time{}, nil))
	if r, err := s.failed(req, sol, err); r != nil || err != nil {
		return r, err
	}
	nodes := sol.Nodes
	switch {
	case sol.Status == mathprog.StatusInfeasible:
		// The plain LP relaxes the indicator MIP.
		return &Result{Status: StatusInfeasible, Nodes: nodes}, nil
	case sol.HasValues() && l.deterministic(sol.Values):
		return s.finish(m, req, p, l, sol, nodes, start)
	}

	ind, r, err := s.indicatorBounds(ctx, m, req)
	if r != nil || err != nil {
		return r, err
	}
	var deadline time.Time
	if s.cfg.TimeLimit > 0 {
		deadline = start.Add(s.cfg.TimeLimit)
	}
	for widened := false; ; widened = true {
		p, l, err = formulate(m, req, s.cfg, &ind)
		if err != nil {
			return nil, &SolverError{Operation: "formulate", Err: err}
		}
		opts := s.options(deadline, l.rounding)
		opts.Branching = l.branching
		sol, err = s.solveWithRetry(ctx, p, opts)
		if r, err := s.failed(req, sol, err); r != nil || err != nil {
			return r, err
		}
		nodes += sol.Nodes
		if sol.HasValues() || sol.Status != mathprog.StatusInfeasible || widened {
			break
		}
		// A bound below the measure of every feasible deterministic
		// policy makes the MIP infeasible while the plain LP is not.
		next := ind.widen(req.Criterion, s.cfg.DiscountFactor)
		s.logger.Info("indicator MIP infeasible, widening its bounds",
			slog.String("criterion", req.Criterion.String()),
			slog.Float64("occupancy", next.occupancy),
			slog.Float64("transient", next.transient))
		ind = next
	}
	if !sol.HasValues() {
		status := StatusInfeasible
		if sol.Status == mathprog.StatusNodeLimit {
			status = StatusNodeLimit
		}
		s.logger.Debug("no policy",
			slog.String("criterion", req.Criterion.String()),
			slog.String("status", sol.Status.String()),
			slog.Int("nodes", nodes))
		return &Result{Status: status, Nodes: nodes, OccupancyBound: ind.occupancy, Indicators: true}, nil
	}

	if err := checkIndicators(m, l, sol.Values, s.cfg.FeasibilityTolerance); err != nil {
		return nil, &SolverError{Operation: "verify", Err: err}
	}
	polished, err := s.polish(ctx, p, sol.Values)
	if err != nil {
		return nil, &SolverError{Operation: "polish", Err: err}
	}
	if polished != nil {
		nodes += polished.Nodes
		sol.Values = polished.Values
	}
	r, err = s.finish(m, req, p, l, sol, nodes, start)
	if r != nil {
		r.OccupancyBound = ind.occupancy
		r.Indicators = true
	}
	return r, err
}

// failed turns a numerical failure or solve error into the value Solve
// returns. Both are nil when the solve went through.
func (s *Solver) failed(req Request, sol *mathprog.Solution, err error) (*Result, error) {
	if errors.Is(err, mathprog.ErrNumerical) {
		s.logger.Warn("solve failed numerically with both methods",
			slog.String("criterion", req.Criterion.String()),
			slog.String("error", err.Error()))
		return &Result{Status: StatusNumericalFailure}, nil
	}
	if err != nil {
		return nil, &SolverError{Operation: "solve", Err: err}
	}
	if sol == nil {
		return nil, &SolverError{Operation: "solve", Err: errors.New("solver returned no solution")}
	}
	return nil, nil
}

// finish extracts the policy of a solved formulation and verifies it.
func (s *Solver) finish(m *explicit.Model, req Request, p *mathprog.Problem, l *layout, sol *mathprog.Solution, nodes int, start time.Time) (*Result, error) {
	r := extract(m, l, req, sol.Values)
	r.Nodes = nodes
	if sol.Status == mathprog.StatusNodeLimit {
		r.Status = StatusNodeLimit
	}
	if err := CheckFlowConservation(m, req.Criterion, r.X, r.Y, s.cfg.FeasibilityTolerance); err != nil {
		return nil, &SolverError{Operation: "verify", Err: err}
	}
	if err := CheckDeterminism(r, s.cfg.FeasibilityTolerance); err != nil {
		return nil, &SolverError{Operation: "verify", Err: err}
	}

	s.logger.Debug("policy solved",
		slog.String("criterion", req.Criterion.String()),
		slog.Float64("objective", r.Objective),
		slog.Float64("penalty", r.Penalty),
		slog.Int("variables", p.NumVars()),
		slog.Int("binaries", p.NumBinaries()),
		slog.Int("nodes", nodes),
		slog.Duration("elapsed", time.Since(start)))
	return r, nil
}

// indicatorBounds returns the big-M constants of the indicator MIP. A
// non-nil Result or error ends the solve.
func (s *Solver) indicatorBounds(ctx context.Context, m *explicit.Model, req Request) (indicatorBounds, *Result, error) {
	if req.Criterion == AverageCost {
		// Under average cost Σ x = 1.
		return indicatorBounds{occupancy: 1, transient: s.cfg.transientBound(m.NumStates())}, nil, nil
	}
	b, ok, err := s.OccupancyBound(ctx, m)
	if errors.Is(err, mathprog.ErrNumerical) {
		s.logger.Warn("occupancy bound failed numerically with both methods", slog.String("error", err.Error()))
		return indicatorBounds{}, &Result{Status: StatusNumericalFailure}, nil
	}
	if err != nil {
		return indicatorBounds{}, nil, err
	}
	if !ok {
		return indicatorBounds{}, &Result{Status: StatusInfeasible}, nil
	}
	return indicatorBounds{occupancy: b}, nil, nil
}

// widen returns the bounds of the second and last indicator MIP: the
// bound of the criterion divided by 1-γ.
func (b indicatorBounds) widen(c Criterion, gamma float64) indicatorBounds {
	if c == AverageCost {
		b.transient /= 1 - gamma
	} else {
		b.occupancy /= 1 - gamma
	}
	return b
}

func (s *Solver) options(deadline time.Time, rounding func([]float64) []float64) mathprog.SolveOptions {
	return mathprog.SolveOptions{
		Method:               mathprog.MethodPrimary,
		Tolerance:            s.cfg.SimplexTolerance,
		IntegralityTolerance: s.cfg.IntegralityTolerance,
		FeasibilityTolerance: s.cfg.FeasibilityTolerance,
		NodeLimit:            s.cfg.NodeLimit,
		Deadline:             deadline,
		Rounding:             rounding,
	}
}

// solveWithRetry solves p and retries once with the alternative method on
// ErrNumerical.
func (s *Solver) solveWithRetry(ctx context.Context, p *mathprog.Problem, opts mathprog.SolveOptions) (*mathprog.Solution, error) {
	sol, err := s.mp.Solve(ctx, p, opts)
	if !errors.Is(err, mathprog.ErrNumerical) {
		return sol, err
	}
	s.logger.Warn("numerical failure, retrying with alternative method", slog.String("error", err.Error()))
	opts.Method = mathprog.MethodAlternative
	opts.Tolerance = 0
	return s.mp.Solve(ctx, p, opts)
}

// polish fixes every binary at its rounded value and re-solves, which
// zeroes the measure of choices whose indicator is 0. A nil solution
// means the fixed problem could not be solved and values stand.
func (s *Solver) polish(ctx context.Context, p *mathprog.Problem, values []float64) (*mathprog.Solution, error) {
	fixed := p.Clone()
	for j, v := range p.Variables() {
		if v.Kind == mathprog.Binary {
			r := math.Round(values[j])
			fixed.SetBounds(j, r, r)
		}
	}
	sol, err := s.solveWithRetry(ctx, fixed, s.options(time.Time{}, nil))
	if errors.Is(err, mathprog.ErrNumerical) {
		s.logger.Warn("polish failed numerically, keeping the unpolished solution")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sol.HasValues() || sol.Status != mathprog.StatusOptimal {
		s.logger.Warn("polish found no solution, keeping the unpolished solution",
			slog.String("status", sol.Status.String()))
		return nil, nil
	}
	return sol, nil
}

// OccupancyBound computes an upper bound on any occupancy measure of a
// total-cost solve.
//
// Description:
//
//	Solves max Σ x(i,a) subject to out(i) - γ·in(i) = [i = s0] for every
//	non-goal state, and returns max(1, optimum). The discounted measure
//	of a policy is at most 1/(1-γ) in total, which keeps the LP bounded.
//
// Outputs:
//   - float64: The bound.
//   - bool: False if the discounted LP is infeasible, which happens only
//     when the initial state has no choice. No policy exists then.
//   - error: A *SolverError on solver failure.
func (s *Solver) OccupancyBound(ctx context.Context, m *explicit.Model) (float64, bool, error) {
	gamma := s.cfg.DiscountFactor
	p := mathprog.NewProblem()
	x := newFamily(m)
	for i := 0; i < m.NumStates(); i++ {
		if m.IsGoal(i) {
			continue
		}
		for a := range m.Choices(i) {
			x[i][a] = p.AddVar(fmt.Sprintf("x[%d,%d]", i, a), mathprog.Continuous, -1, 0)
		}
	}
	in := incoming(m, x)
	for i := 0; i < m.NumStates(); i++ {
		if m.IsGoal(i) {
			continue
		}
		rhs := 0.0
		if i == m.Initial() {
			rhs = 1
		}
		terms := outgoing(x[i])
		for _, t := range in[i] {
			terms = append(terms, mathprog.Term{Var: t.Var, Coef: gamma * t.Coef})
		}
		p.AddConstraint(fmt.Sprintf("discounted[%d]", i), mathprog.EQ, rhs, terms...)
	}

	sol, err := s.solveWithRetry(ctx, p, s.options(time.Time{}, nil))
	if err != nil {
		return 0, false, &SolverError{Operation: "occupancy_bound", Err: err}
	}
	switch sol.Status {
	case mathprog.StatusOptimal:
	case mathprog.StatusInfeasible:
		return 0, false, nil
	default:
		return 0, false, &SolverError{Operation: "occupancy_bound", Err: fmt.Errorf("unexpected status %s", sol.Status)}
	}
	return math.Max(1, -sol.Objective), true, nil
}

// checkIndicators verifies that every choice carrying measure has its
// raw indicator set.
func checkIndicators(m *explicit.Model, l *layout, values []float64, tol float64) error {
	for i := range l.delta {
		for a, d := range l.delta[i] {
			if d == noVar {
				continue
			}
			measure := values[l.x[i][a]]
			if l.y != nil {
				measure += values[l.y[i][a]]
			}
			if measure > tol && values[d] < 0.5 {
				return fmt.Errorf("%w: %s/%s carries measure %g with indicator %g",
					ErrInconsistentSolution, m.StateLabel(i), m.ActionName(m.Choices(i)[a].Action), measure, values[d])
			}
		}
	}
	return nil
}

// extract reads measures, indicators, policy and expected values from a
// solution. Indicators are taken from the measures: Δ(i,a) = 1 exactly
// where the choice carries measure.
func extract(m *explicit.Model, l *layout, req Request, values []float64) *Result {
	n := m.NumStates()
	r := &Result{
		Status:   StatusOptimal,
		Feasible: true,
		Values:   make([]float64, len(m.CostNames())),
		Actions:  make([]int, n),
		X:        read(l.x, values),
		Delta:    make([][]float64, n),
	}
	if l.y != nil {
		r.Y = read(l.y, values)
	}
	for i := 0; i < n; i++ {
		r.Actions[i] = NoAction
		r.Delta[i] = make([]float64, len(m.Choices(i)))
		for a, c := range m.Choices(i) {
			for k, cost := range c.Costs {
				r.Values[k] += r.X[i][a] * cost
			}
			used := r.X[i][a] > 0 || (r.Y != nil && r.Y[i][a] > 0)
			if used {
				r.Delta[i][a] = 1
				if r.Actions[i] == NoAction {
					r.Actions[i] = c.Action
				}
			}
		}
	}
	r.Objective = r.Values[req.ObjectiveIndex]
	for _, sv := range l.soft {
		for i, a := range sv.alphas {
			r.Penalty += values[a] * sv.penalties[i]
		}
	}
	return r
}

// read copies a variable family out of values, zeroing negligible measure.
func read(family [][]int, values []float64) [][]float64 {
	out := make([][]float64, len(family))
	for i := range family {
		out[i] = make([]float64, len(family[i]))
		for a, j := range family[i] {
			if j == noVar || values[j] <= zeroMeasure {
				continue
			}
			out[i][a] = values[j]
		}
	}
	return out
}

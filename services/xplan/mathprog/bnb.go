// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mathprog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// rankTolerance decides when an eliminated row counts as zero.
const rankTolerance = 1e-9

// BranchAndBound solves problems with binary variables by depth-first
// branch and bound over LP relaxations solved with gonum's simplex.
//
// Description:
//
//	The problem is converted to standard form once per solve: dense rows,
//	with equality rows that are linear combinations of others dropped by
//	Gaussian elimination at the root. Nodes only tighten variable bounds,
//	so each relaxation shifts the right-hand sides by the lower bounds,
//	drops fixed columns and adds one bound row per finite upper bound.
//	Inequality rows get a slack or surplus column. Branching picks the
//	most fractional binary; the "up" child is explored first. Nodes whose
//	relaxation bound cannot beat the incumbent are pruned. An optional
//	rounding heuristic turns fractional relaxations into incumbents; a
//	node whose rounding reaches its relaxation bound is closed without
//	branching. An optional branching rule overrides the variable choice.
//
// Thread Safety: Safe for concurrent use. Solve keeps all state on the stack.
type BranchAndBound struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewBranchAndBound creates a solver. A nil logger uses slog.Default().
func NewBranchAndBound(logger *slog.Logger) *BranchAndBound {
	if logger == nil {
		logger = slog.Default()
	}
	return &BranchAndBound{logger: logger, now: time.Now}
}

type node struct {
	lo, hi []float64
	depth  int
}

// Solve implements Solver.
//
// Inputs:
//   - ctx: Checked before every relaxation.
//   - p: The problem. Must not be nil.
//   - opts: Method, tolerances, limits and rounding heuristic.
//
// Outputs:
//   - *Solution: Status and, when feasible, the best point found.
//   - error: ErrInvalidProblem, ErrNumerical (wrapped) or ctx.Err().
func (b *BranchAndBound) Solve(ctx context.Context, p *Problem, opts SolveOptions) (*Solution, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil problem", ErrInvalidProblem)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	n := p.NumVars()
	root := node{lo: make([]float64, n), hi: make([]float64, n)}
	for j, v := range p.vars {
		root.lo[j] = v.Lower
		root.hi[j] = v.Upper
	}

	sol := &Solution{Status: StatusInfeasible, Objective: math.Inf(1)}
	sf, ok := newStandardForm(p, root.lo)
	if !ok {
		b.logger.Debug("branch and bound presolve found inconsistent equalities",
			slog.Int("rows", p.NumConstraints()))
		return sol, nil
	}

	offer := func(x []float64, objective float64) {
		if sol.Values != nil && objective >= sol.Objective-pruneGap(sol.Objective) {
			return
		}
		sol.Values = x
		sol.Objective = objective
		sol.Status = StatusOptimal
	}

	stack := []node{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodeLimit := opts.NodeLimit > 0 && sol.Nodes >= opts.NodeLimit
		deadline := !opts.Deadline.IsZero() && sol.Nodes > 0 && !b.now().Before(opts.Deadline)
		if nodeLimit || deadline {
			sol.Status = StatusNodeLimit
			b.logger.Warn("branch and bound stopped early",
				slog.Int("nodes", sol.Nodes),
				slog.Bool("deadline", deadline),
				slog.Bool("incumbent", sol.Values != nil))
			return sol, nil
		}

		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sol.Nodes++

		r, err := sf.relax(nd.lo, nd.hi, opts)
		if err != nil {
			return nil, err
		}
		switch r.status {
		case relaxInfeasible:
			continue
		case relaxUnbounded:
			// Binaries are bounded, so an unbounded ray of a relaxation is
			// a ray of the problem itself.
			sol.Status = StatusUnbounded
			sol.Objective = math.Inf(-1)
			sol.Values = nil
			return sol, nil
		}
		if sol.Values != nil && r.objective >= sol.Objective-pruneGap(sol.Objective) {
			continue
		}

		j := branchVariable(p, r.x, opts.IntegralityTolerance)
		if j < 0 {
			for k, v := range p.vars {
				if v.Kind == Binary {
					r.x[k] = math.Round(r.x[k])
				}
			}
			offer(r.x, r.objective)
			continue
		}

		if opts.Rounding != nil {
			if cand := opts.Rounding(r.x); cand != nil && p.Feasible(cand, opts.FeasibilityTolerance) {
				obj := p.Objective(cand)
				offer(cand, obj)
				if obj <= r.objective+pruneGap(r.objective) {
					continue
				}
			}
		}
		if opts.Branching != nil {
			if k := opts.Branching(r.x); k >= 0 && k < n && p.vars[k].Kind == Binary && nd.lo[k] < nd.hi[k] {
				j = k
			}
		}

		down := node{lo: append([]float64(nil), nd.lo...), hi: append([]float64(nil), nd.hi...), depth: nd.depth + 1}
		down.hi[j] = 0
		up := node{lo: append([]float64(nil), nd.lo...), hi: append([]float64(nil), nd.hi...), depth: nd.depth + 1}
		up.lo[j] = 1
		stack = append(stack, down, up)
	}

	b.logger.Debug("branch and bound finished",
		slog.String("status", sol.Status.String()),
		slog.Int("nodes", sol.Nodes),
		slog.Int("binaries", p.NumBinaries()),
		slog.Int("rows", len(sf.rows)))
	return sol, nil
}

func pruneGap(incumbent float64) float64 {
	return 1e-9 * (1 + math.Abs(incumbent))
}

// branchVariable returns the most fractional binary, or -1 if every binary
// is integral within tol.
func branchVariable(p *Problem, x []float64, tol float64) int {
	best, bestFrac := -1, tol
	for j, v := range p.vars {
		if v.Kind != Binary {
			continue
		}
		frac := math.Min(x[j]-math.Floor(x[j]), math.Ceil(x[j])-x[j])
		if frac > bestFrac {
			best, bestFrac = j, frac
		}
	}
	return best
}

// -----------------------------------------------------------------------------
// Standard form
// -----------------------------------------------------------------------------

// standardForm holds the rows of a problem that survive the root presolve,
// densified once per solve.
type standardForm struct {
	p *Problem
	// rows indexes p.cons.
	rows []int
	// dense[r] holds the coefficients of p.cons[rows[r]] over all variables.
	dense [][]float64
	// scale[r] is the equilibration divisor of row r under
	// MethodAlternative.
	scale []float64
}

// newStandardForm densifies p and drops dependent equality rows. The
// elimination runs on the right-hand sides shifted by lo, the root lower
// bounds. ok is false if the equalities are inconsistent.
func newStandardForm(p *Problem, lo []float64) (*standardForm, bool) {
	n := p.NumVars()
	dense := make([][]float64, len(p.cons))
	var eqIdx []int
	var eqA [][]float64
	var eqB []float64
	for i, c := range p.cons {
		row := make([]float64, n)
		for _, t := range c.Terms {
			row[t.Var] += t.Coef
		}
		dense[i] = row
		if c.Sense == EQ {
			rhs := c.RHS
			for j, v := range row {
				rhs -= v * lo[j]
			}
			eqIdx = append(eqIdx, i)
			eqA = append(eqA, row)
			eqB = append(eqB, rhs)
		}
	}

	keepEQ, ok := independentRows(eqA, eqB)
	if !ok {
		return nil, false
	}
	dropped := make(map[int]bool, len(eqIdx)-len(keepEQ))
	for _, i := range eqIdx {
		dropped[i] = true
	}
	for _, k := range keepEQ {
		delete(dropped, eqIdx[k])
	}

	sf := &standardForm{p: p}
	for i, c := range p.cons {
		if dropped[i] {
			continue
		}
		m := 0.0
		if c.Sense != EQ {
			m = 1
		}
		for _, v := range dense[i] {
			m = math.Max(m, math.Abs(v))
		}
		if m == 0 {
			m = 1
		}
		sf.rows = append(sf.rows, i)
		sf.dense = append(sf.dense, dense[i])
		sf.scale = append(sf.scale, m)
	}
	return sf, true
}

// -----------------------------------------------------------------------------
// LP relaxation
// -----------------------------------------------------------------------------

type relaxStatus int

const (
	relaxOptimal relaxStatus = iota
	relaxInfeasible
	relaxUnbounded
)

type relaxation struct {
	status    relaxStatus
	objective float64
	x         []float64
}

// standardRow is one equality row over the free columns plus an optional
// slack column.
type standardRow struct {
	coefs []float64
	slack float64
	rhs   float64
	scale float64
}

// relax solves the LP relaxation with variable bounds [lo, hi].
func (sf *standardForm) relax(lo, hi []float64, opts SolveOptions) (relaxation, error) {
	p := sf.p
	n := p.NumVars()
	for j := 0; j < n; j++ {
		if lo[j] > hi[j]+rankTolerance {
			return relaxation{status: relaxInfeasible}, nil
		}
	}

	col := make([]int, n)
	nFree := 0
	for j := 0; j < n; j++ {
		if hi[j]-lo[j] <= 0 {
			col[j] = -1
			continue
		}
		col[j] = nFree
		nFree++
	}

	rows := make([]standardRow, 0, len(sf.rows)+nFree)
	for r, i := range sf.rows {
		c := p.cons[i]
		sr := standardRow{coefs: make([]float64, nFree), rhs: c.RHS, scale: sf.scale[r]}
		nonzero := false
		for j, v := range sf.dense[r] {
			if v == 0 {
				continue
			}
			sr.rhs -= v * lo[j]
			if col[j] >= 0 {
				sr.coefs[col[j]] = v
				nonzero = true
			}
		}
		switch c.Sense {
		case LE:
			sr.slack = 1
		case GE:
			sr.slack = -1
		}
		if !nonzero && sr.slack == 0 {
			// Every column of the equality is fixed.
			if math.Abs(sr.rhs) > rankTolerance*math.Max(sr.scale, math.Abs(c.RHS)) {
				return relaxation{status: relaxInfeasible}, nil
			}
			continue
		}
		rows = append(rows, sr)
	}
	for j := 0; j < n; j++ {
		if col[j] >= 0 && !math.IsInf(hi[j], 1) {
			sr := standardRow{coefs: make([]float64, nFree), slack: 1, rhs: hi[j] - lo[j], scale: 1}
			sr.coefs[col[j]] = 1
			rows = append(rows, sr)
		}
	}

	nSlack := 0
	for _, r := range rows {
		if r.slack != 0 {
			nSlack++
		}
	}
	ncol := nFree + nSlack
	a := make([][]float64, len(rows))
	bv := make([]float64, len(rows))
	s := nFree
	for i, r := range rows {
		a[i] = make([]float64, ncol)
		copy(a[i], r.coefs)
		if r.slack != 0 {
			a[i][s] = r.slack
			s++
		}
		bv[i] = r.rhs
		if bv[i] < 0 {
			for k := range a[i] {
				a[i][k] = -a[i][k]
			}
			bv[i] = -bv[i]
		}
		if opts.Method == MethodAlternative && r.scale != 1 {
			for k := range a[i] {
				a[i][k] /= r.scale
			}
			bv[i] /= r.scale
		}
	}

	c := make([]float64, ncol)
	for j := 0; j < n; j++ {
		if col[j] >= 0 {
			c[col[j]] = p.vars[j].Cost
		}
	}

	xs, status, err := solveStandard(c, a, bv, opts.Tolerance)
	if err != nil || status != relaxOptimal {
		return relaxation{status: status}, err
	}

	x := make([]float64, n)
	obj := 0.0
	for j := 0; j < n; j++ {
		x[j] = lo[j]
		if col[j] >= 0 {
			x[j] += math.Max(xs[col[j]], 0)
		}
		obj += p.vars[j].Cost * x[j]
	}
	return relaxation{status: relaxOptimal, objective: obj, x: x}, nil
}

// solveStandard minimizes cᵀx s.t. Ax = b, x ≥ 0. Rows are passed to the
// simplex as they are; the elimination only runs again when the simplex
// finds the basis singular or ill-conditioned, or there are more rows than
// columns, which happens when bound changes make surviving rows dependent.
func solveStandard(c []float64, a [][]float64, b []float64, tol float64) ([]float64, relaxStatus, error) {
	rows := make([]int, len(a))
	for i := range rows {
		rows[i] = i
	}
	presolved := false
	presolve := func() bool {
		keep, ok := independentRows(a, b)
		rows, presolved = keep, true
		return ok
	}

	if len(a) > len(c) && !presolve() {
		return nil, relaxInfeasible, nil
	}
	x, status, err := simplexRows(c, a, b, rows, tol)
	if rankDeficient(err) && !presolved {
		if !presolve() {
			return nil, relaxInfeasible, nil
		}
		x, status, err = simplexRows(c, a, b, rows, tol)
	}
	if err != nil {
		return nil, relaxInfeasible, fmt.Errorf("%w: %w", ErrNumerical, err)
	}
	return x, status, nil
}

// rankDeficient reports whether a simplex error may come from dependent
// rows.
func rankDeficient(err error) bool {
	var cond mat.Condition
	return errors.Is(err, lp.ErrSingular) || errors.As(err, &cond)
}

// simplexRows runs the gonum simplex on the given rows and their nonzero
// columns. Errors other than infeasibility and unboundedness are returned
// unwrapped; more rows than columns reports lp.ErrSingular.
func simplexRows(c []float64, a [][]float64, b []float64, rows []int, tol float64) ([]float64, relaxStatus, error) {
	ncol := len(c)
	cols := make([]int, 0, ncol)
	for k := 0; k < ncol; k++ {
		zero := true
		for _, i := range rows {
			if a[i][k] != 0 {
				zero = false
				break
			}
		}
		if !zero {
			cols = append(cols, k)
			continue
		}
		if c[k] < 0 {
			return nil, relaxUnbounded, nil
		}
	}

	x := make([]float64, ncol)
	if len(rows) == 0 {
		return x, relaxOptimal, nil
	}
	if len(rows) > len(cols) {
		return nil, relaxInfeasible, lp.ErrSingular
	}

	am := mat.NewDense(len(rows), len(cols), nil)
	br := make([]float64, len(rows))
	cr := make([]float64, len(cols))
	for r, i := range rows {
		for q, k := range cols {
			am.Set(r, q, a[i][k])
		}
		br[r] = b[i]
	}
	for q, k := range cols {
		cr[q] = c[k]
	}

	_, xr, err := lp.Simplex(cr, am, br, tol, nil)
	switch {
	case err == nil:
	case errors.Is(err, lp.ErrInfeasible):
		return nil, relaxInfeasible, nil
	case errors.Is(err, lp.ErrUnbounded):
		return nil, relaxUnbounded, nil
	default:
		return nil, relaxInfeasible, err
	}
	for q, k := range cols {
		x[k] = xr[q]
	}
	return x, relaxOptimal, nil
}

// independentRows returns a maximal set of linearly independent rows of
// [a | b] by Gaussian elimination. ok is false if some row is a
// combination of earlier rows with an inconsistent right-hand side.
func independentRows(a [][]float64, b []float64) (keep []int, ok bool) {
	type reduced struct {
		row   []float64
		rhs   float64
		pivot int
	}
	var basis []reduced
	for i := range a {
		r := append([]float64(nil), a[i]...)
		rhs := b[i]
		scale := 1.0
		for _, v := range r {
			scale = math.Max(scale, math.Abs(v))
		}
		for _, br := range basis {
			f := r[br.pivot]
			if f == 0 {
				continue
			}
			f /= br.row[br.pivot]
			for k := range r {
				r[k] -= f * br.row[k]
			}
			rhs -= f * br.rhs
		}
		pivot, maxAbs := -1, 0.0
		for k, v := range r {
			if math.Abs(v) > maxAbs {
				pivot, maxAbs = k, math.Abs(v)
			}
		}
		if maxAbs <= rankTolerance*scale {
			if math.Abs(rhs) > rankTolerance*math.Max(scale, math.Abs(b[i])) {
				return nil, false
			}
			continue
		}
		basis = append(basis, reduced{row: r, rhs: rhs, pivot: pivot})
		keep = append(keep, i)
	}
	return keep, true
}

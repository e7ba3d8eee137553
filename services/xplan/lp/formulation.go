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
	"fmt"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/explicit"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/mathprog"
)

// noVar marks a choice without a variable of a family.
const noVar = -1

// softVars are the variables of one soft constraint.
type softVars struct {
	violation int
	alphas    []int
	segments  []int
	penalties []float64
}

// indicatorBounds are the big-M constants of the Δ link rows.
type indicatorBounds struct {
	// occupancy is X in x(i,a)/X <= Δ(i,a).
	occupancy float64
	// transient is T in y(i,a)/T <= Δ(i,a), average cost only.
	transient float64
}

// layout maps model choices to problem variables.
type layout struct {
	criterion Criterion
	x, y      [][]int
	delta     [][]int
	soft      []softVars
}

func newFamily(m *explicit.Model) [][]int {
	f := make([][]int, m.NumStates())
	for i := range f {
		f[i] = make([]int, len(m.Choices(i)))
		for a := range f[i] {
			f[i][a] = noVar
		}
	}
	return f
}

// formulate builds the occupancy-measure program of req.
//
// Description:
//
//	Total cost: x(i,a) for every choice of a non-goal state, with
//	out(i) - in(i) = [i = s0] for non-goal i and Σ_goal in(g) = 1.
//	Average cost: x and y for every choice, with out_x(i) - in_x(i) = 0
//	and out_x(i) + out_y(i) - in_y(i) = 1/n for every i.
//	With ind set, a state with several choices gets one binary Δ(i,a)
//	per choice with Σ_a Δ(i,a) <= 1, x(i,a)/X <= Δ(i,a) and, for average
//	cost, y(i,a)/T <= Δ(i,a). The rows are scaled by the bound so their
//	coefficients stay near one. A nil ind gives the plain LP, in which
//	the soft-constraint segment selectors are continuous too.
func formulate(m *explicit.Model, req Request, cfg Config, ind *indicatorBounds) (*mathprog.Problem, *layout, error) {
	p := mathprog.NewProblem()
	l := &layout{criterion: req.Criterion, x: newFamily(m), delta: newFamily(m)}
	n := m.NumStates()

	for i := 0; i < n; i++ {
		if req.Criterion == TotalCost && m.IsGoal(i) {
			continue
		}
		for a, c := range m.Choices(i) {
			l.x[i][a] = p.AddVar(fmt.Sprintf("x[%d,%d]", i, a), mathprog.Continuous, c.Costs[req.ObjectiveIndex], 0)
		}
	}
	if req.Criterion == AverageCost {
		l.y = newFamily(m)
		for i := 0; i < n; i++ {
			for a := range m.Choices(i) {
				l.y[i][a] = p.AddVar(fmt.Sprintf("y[%d,%d]", i, a), mathprog.Continuous, 0, 0)
			}
		}
	}

	inX := incoming(m, l.x)
	switch req.Criterion {
	case TotalCost:
		var goalTerms []mathprog.Term
		for i := 0; i < n; i++ {
			if m.IsGoal(i) {
				goalTerms = append(goalTerms, negate(inX[i])...)
				continue
			}
			rhs := 0.0
			if i == m.Initial() {
				rhs = 1
			}
			p.AddConstraint(fmt.Sprintf("flow[%d]", i), mathprog.EQ, rhs, append(outgoing(l.x[i]), inX[i]...)...)
		}
		goalRHS := 1.0
		if m.IsGoal(m.Initial()) {
			goalRHS = 0
		}
		p.AddConstraint("goal", mathprog.EQ, goalRHS, goalTerms...)
	case AverageCost:
		inY := incoming(m, l.y)
		alpha := 1 / float64(n)
		for i := 0; i < n; i++ {
			p.AddConstraint(fmt.Sprintf("recurrent[%d]", i), mathprog.EQ, 0, append(outgoing(l.x[i]), inX[i]...)...)
			terms := append(outgoing(l.x[i]), outgoing(l.y[i])...)
			p.AddConstraint(fmt.Sprintf("transient[%d]", i), mathprog.EQ, alpha, append(terms, inY[i]...)...)
		}
	}

	for i := 0; i < n && ind != nil; i++ {
		if len(m.Choices(i)) < 2 || l.x[i][0] == noVar {
			continue
		}
		det := make([]mathprog.Term, 0, len(m.Choices(i)))
		for a := range m.Choices(i) {
			d := p.AddVar(fmt.Sprintf("delta[%d,%d]", i, a), mathprog.Binary, 0, 0)
			l.delta[i][a] = d
			det = append(det, mathprog.Term{Var: d, Coef: 1})
			p.AddConstraint(fmt.Sprintf("link_x[%d,%d]", i, a), mathprog.LE, 0,
				mathprog.Term{Var: l.x[i][a], Coef: 1 / ind.occupancy}, mathprog.Term{Var: d, Coef: -1})
			if l.y != nil {
				p.AddConstraint(fmt.Sprintf("link_y[%d,%d]", i, a), mathprog.LE, 0,
					mathprog.Term{Var: l.y[i][a], Coef: 1 / ind.transient}, mathprog.Term{Var: d, Coef: -1})
			}
		}
		p.AddConstraint(fmt.Sprintf("det[%d]", i), mathprog.LE, 1, det...)
	}

	for k, c := range req.Hard {
		sense, rhs := boundRow(c, cfg.StrictEpsilon)
		p.AddConstraint(fmt.Sprintf("hard[%d]", k), sense, rhs, expectation(m, l.x, c.CostIndex)...)
	}
	for k, c := range req.Soft {
		sv, err := addSoft(p, m, l, k, c, cfg, ind != nil)
		if err != nil {
			return nil, nil, err
		}
		l.soft = append(l.soft, sv)
	}
	return p, l, nil
}

// measure returns x(i,a) + y(i,a) in values.
func (l *layout) measure(values []float64, i, a int) float64 {
	v := 0.0
	if j := l.x[i][a]; j != noVar {
		v += values[j]
	}
	if l.y != nil {
		if j := l.y[i][a]; j != noVar {
			v += values[j]
		}
	}
	return v
}

// deterministic reports whether values use at most one choice per state
// and place every soft penalty on a single segment. A plain LP solution
// that is deterministic is optimal among deterministic policies too.
func (l *layout) deterministic(values []float64) bool {
	for i := range l.x {
		used := 0
		for a := range l.x[i] {
			if l.measure(values, i, a) > zeroMeasure {
				used++
			}
		}
		if used > 1 {
			return false
		}
	}
	for _, sv := range l.soft {
		if _, ok := sv.segment(values); !ok {
			return false
		}
	}
	return true
}

// rounding maps a relaxation point to the integer point with the same
// measures: Δ(i,a) = 1 exactly where the choice carries measure and each
// penalty on the segment holding its weights. It returns nil when the
// measures themselves are randomized.
func (l *layout) rounding(values []float64) []float64 {
	if !l.deterministic(values) {
		return nil
	}
	out := append([]float64(nil), values...)
	for i := range l.delta {
		for a, d := range l.delta[i] {
			if d == noVar {
				continue
			}
			out[d] = 0
			if l.measure(values, i, a) > zeroMeasure {
				out[d] = 1
			}
		}
	}
	for _, sv := range l.soft {
		seg, _ := sv.segment(values)
		for s, h := range sv.segments {
			out[h] = 0
			if s == seg {
				out[h] = 1
			}
		}
	}
	return out
}

// branching picks the indicator of the heaviest choice at the first state
// whose measure is split over several choices. Both children make that
// state deterministic or drop the choice, which the most fractional
// indicator does not guarantee.
func (l *layout) branching(values []float64) int {
	for i := range l.delta {
		best, heaviest, used := noVar, 0.0, 0
		for a, d := range l.delta[i] {
			if d == noVar {
				continue
			}
			v := l.measure(values, i, a)
			if v <= zeroMeasure {
				continue
			}
			used++
			if v > heaviest {
				best, heaviest = d, v
			}
		}
		if used > 1 {
			return best
		}
	}
	return noVar
}

// segment returns the penalty segment holding the non-zero weights, or
// false if they are not on adjacent sample points.
func (sv softVars) segment(values []float64) (int, bool) {
	var support []int
	for i, a := range sv.alphas {
		if values[a] > zeroMeasure {
			support = append(support, i)
		}
	}
	last := len(sv.segments) - 1
	switch {
	case len(support) == 0:
		return 0, true
	case len(support) == 1:
		return min(support[0], last), true
	case len(support) == 2 && support[1] == support[0]+1:
		return support[0], true
	default:
		return 0, false
	}
}

// boundRow returns the sense and right-hand side of a constraint row.
// Strict bounds are tightened by eps, scaled to the bound's magnitude.
func boundRow(c Constraint, eps float64) (mathprog.Sense, float64) {
	shift := 0.0
	if c.Strict {
		shift = eps * max(1, abs(c.Value))
	}
	if c.Bound == UpperBound {
		return mathprog.LE, c.Value - shift
	}
	return mathprog.GE, c.Value + shift
}

// addSoft adds the violation variable, the relaxed row and the
// piecewise-linear penalty of one soft constraint.
//
// The penalty is sampled at m points v_0..v_{m-1} evenly spread over
// [0, MaxViolation]. One binary h_s selects the active segment
// [v_{s-1}, v_s]; the weights α_i are non-zero only at its endpoints.
// Without integral the selectors are continuous in [0, 1].
func addSoft(p *mathprog.Problem, m *explicit.Model, l *layout, k int, c SoftConstraint, cfg Config, integral bool) (softVars, error) {
	samples := c.Samples
	if samples == 0 {
		samples = cfg.PWLSamples
	}
	if samples < 2 {
		return softVars{}, fmt.Errorf("%w: %d penalty samples", ErrInvalidRequest, samples)
	}
	penalty := c.Penalty
	if penalty == nil {
		penalty = LinearPenalty
	}
	weight := c.Weight
	if weight == 0 {
		weight = 1
	}

	sv := softVars{violation: p.AddVar(fmt.Sprintf("violation[%d]", k), mathprog.Continuous, 0, c.MaxViolation)}
	sense, rhs := boundRow(c.Constraint, cfg.StrictEpsilon)
	row := expectation(m, l.x, c.CostIndex)
	if c.Bound == UpperBound {
		row = append(row, mathprog.Term{Var: sv.violation, Coef: -1})
	} else {
		row = append(row, mathprog.Term{Var: sv.violation, Coef: 1})
	}
	p.AddConstraint(fmt.Sprintf("soft[%d]", k), sense, rhs, row...)

	points := make([]float64, samples)
	link := []mathprog.Term{{Var: sv.violation, Coef: 1}}
	sumAlpha := make([]mathprog.Term, 0, samples)
	for i := range points {
		points[i] = c.MaxViolation * float64(i) / float64(samples-1)
		pen := weight * penalty(points[i])
		sv.penalties = append(sv.penalties, pen)
		a := p.AddVar(fmt.Sprintf("alpha[%d,%d]", k, i), mathprog.Continuous, pen, 1)
		sv.alphas = append(sv.alphas, a)
		sumAlpha = append(sumAlpha, mathprog.Term{Var: a, Coef: 1})
		link = append(link, mathprog.Term{Var: a, Coef: -points[i]})
	}
	sumH := make([]mathprog.Term, 0, samples-1)
	for s := 1; s < samples; s++ {
		kind := mathprog.Continuous
		if integral {
			kind = mathprog.Binary
		}
		h := p.AddVar(fmt.Sprintf("segment[%d,%d]", k, s), kind, 0, 1)
		sv.segments = append(sv.segments, h)
		sumH = append(sumH, mathprog.Term{Var: h, Coef: 1})
	}
	p.AddConstraint(fmt.Sprintf("segments[%d]", k), mathprog.EQ, 1, sumH...)
	p.AddConstraint(fmt.Sprintf("weights[%d]", k), mathprog.EQ, 1, sumAlpha...)
	p.AddConstraint(fmt.Sprintf("interpolate[%d]", k), mathprog.EQ, 0, link...)
	for i, a := range sv.alphas {
		terms := []mathprog.Term{{Var: a, Coef: 1}}
		if i > 0 {
			terms = append(terms, mathprog.Term{Var: sv.segments[i-1], Coef: -1})
		}
		if i < samples-1 {
			terms = append(terms, mathprog.Term{Var: sv.segments[i], Coef: -1})
		}
		p.AddConstraint(fmt.Sprintf("adjacent[%d,%d]", k, i), mathprog.LE, 0, terms...)
	}
	return sv, nil
}

// expectation returns the terms of Σ x(i,a)·c_k(i,a).
func expectation(m *explicit.Model, x [][]int, k int) []mathprog.Term {
	var terms []mathprog.Term
	for i := range x {
		for a, j := range x[i] {
			if j == noVar {
				continue
			}
			if c := m.Choices(i)[a].Costs[k]; c != 0 {
				terms = append(terms, mathprog.Term{Var: j, Coef: c})
			}
		}
	}
	return terms
}

func outgoing(vars []int) []mathprog.Term {
	terms := make([]mathprog.Term, 0, len(vars))
	for _, j := range vars {
		if j != noVar {
			terms = append(terms, mathprog.Term{Var: j, Coef: 1})
		}
	}
	return terms
}

// incoming returns, per state, the terms -P(j,b,i)·v(j,b) of flow into it.
func incoming(m *explicit.Model, family [][]int) [][]mathprog.Term {
	in := make([][]mathprog.Term, m.NumStates())
	for j := range family {
		for b, v := range family[j] {
			if v == noVar {
				continue
			}
			for _, o := range m.Choices(j)[b].Outcomes {
				in[o.State] = append(in[o.State], mathprog.Term{Var: v, Coef: -o.Prob})
			}
		}
	}
	return in
}

func negate(terms []mathprog.Term) []mathprog.Term {
	out := make([]mathprog.Term, len(terms))
	for i, t := range terms {
		out[i] = mathprog.Term{Var: t.Var, Coef: -t.Coef}
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

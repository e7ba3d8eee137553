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
	"math"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/explicit"
)

// CheckFlowConservation verifies the flow-conservation rows of criterion
// for the measures x (and y for average cost).
//
// Residuals are compared against tol scaled by the largest measure.
// Returns an error wrapping ErrInconsistentSolution naming the first
// violated row.
func CheckFlowConservation(m *explicit.Model, criterion Criterion, x, y [][]float64, tol float64) error {
	n := m.NumStates()
	if len(x) != n || (criterion == AverageCost && len(y) != n) {
		return fmt.Errorf("%w: measure shape does not match %d states", ErrInconsistentSolution, n)
	}
	scale := 1.0
	for _, fam := range [][][]float64{x, y} {
		for _, row := range fam {
			for _, v := range row {
				scale = math.Max(scale, math.Abs(v))
			}
		}
	}
	limit := tol * scale

	inX := inflow(m, x)
	switch criterion {
	case TotalCost:
		goal := 0.0
		for i := 0; i < n; i++ {
			if m.IsGoal(i) {
				goal += inX[i]
				continue
			}
			want := 0.0
			if i == m.Initial() {
				want = 1
			}
			if r := sum(x[i]) - inX[i] - want; math.Abs(r) > limit {
				return fmt.Errorf("%w: flow residual %g at %s", ErrInconsistentSolution, r, m.StateLabel(i))
			}
		}
		want := 1.0
		if m.IsGoal(m.Initial()) {
			want = 0
		}
		if r := goal - want; math.Abs(r) > limit {
			return fmt.Errorf("%w: goal inflow residual %g", ErrInconsistentSolution, r)
		}
	case AverageCost:
		inY := inflow(m, y)
		alpha := 1 / float64(n)
		for i := 0; i < n; i++ {
			if r := sum(x[i]) - inX[i]; math.Abs(r) > limit {
				return fmt.Errorf("%w: recurrent residual %g at %s", ErrInconsistentSolution, r, m.StateLabel(i))
			}
			if r := sum(x[i]) + sum(y[i]) - inY[i] - alpha; math.Abs(r) > limit {
				return fmt.Errorf("%w: transient residual %g at %s", ErrInconsistentSolution, r, m.StateLabel(i))
			}
		}
	default:
		return fmt.Errorf("%w: criterion %d", ErrInvalidRequest, criterion)
	}
	return nil
}

func inflow(m *explicit.Model, measure [][]float64) []float64 {
	in := make([]float64, m.NumStates())
	for j := range measure {
		for b, v := range measure[j] {
			if v == 0 {
				continue
			}
			for _, o := range m.Choices(j)[b].Outcomes {
				in[o.State] += o.Prob * v
			}
		}
	}
	return in
}

// CheckDeterminism verifies that r describes a deterministic policy: at
// most one choice per state carries measure, Δ is 1 exactly on that
// choice, every entry of r.Policy() is 0 or 1 within tol, and Actions
// agrees with the measure.
func CheckDeterminism(r *Result, tol float64) error {
	if !r.Feasible {
		return nil
	}
	pi := r.Policy()
	for i := range r.X {
		used := -1
		for a := range r.X[i] {
			measure := r.X[i][a]
			if r.Y != nil {
				measure += r.Y[i][a]
			}
			positive := measure > 0
			if positive != (r.Delta[i][a] == 1) {
				return fmt.Errorf("%w: state %d choice %d has measure %g and indicator %g",
					ErrInconsistentSolution, i, a, measure, r.Delta[i][a])
			}
			if positive {
				if used >= 0 {
					return fmt.Errorf("%w: state %d uses choices %d and %d", ErrInconsistentSolution, i, used, a)
				}
				used = a
			}
			if p := pi[i][a]; math.Min(math.Abs(p), math.Abs(1-p)) > tol {
				return fmt.Errorf("%w: state %d choice %d has probability %g", ErrInconsistentSolution, i, a, p)
			}
		}
		if (used < 0) != (r.Actions[i] == NoAction) {
			return fmt.Errorf("%w: state %d action %d disagrees with its measure", ErrInconsistentSolution, i, r.Actions[i])
		}
	}
	return nil
}

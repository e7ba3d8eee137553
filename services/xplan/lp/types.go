// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lp solves explicit MDPs for deterministic policies through
// occupancy-measure linear programs with binary determinism indicators.
//
// Two criteria are supported: total cost to a goal (stochastic shortest
// path) and long-run average cost. Secondary cost slots can be bounded by
// hard constraints or by soft constraints whose penalty is approximated
// piecewise linearly.
package lp

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidRequest indicates a malformed Request.
	ErrInvalidRequest = errors.New("invalid solve request")

	// ErrNoGoal indicates a total-cost solve of a model without goal states.
	ErrNoGoal = errors.New("total-cost criterion requires goal states")

	// ErrDeadEnd indicates an average-cost solve of a model with a state
	// that has no choices.
	ErrDeadEnd = errors.New("state without choices under average-cost criterion")

	// ErrInconsistentSolution indicates a solution that violates flow
	// conservation or determinism. It is a defect, never a planning outcome.
	ErrInconsistentSolution = errors.New("inconsistent solution")
)

// SolverError records which step of a solve failed.
type SolverError struct {
	Operation string
	Err       error
}

func (e *SolverError) Error() string {
	return "lp." + e.Operation + ": " + e.Err.Error()
}

func (e *SolverError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Request
// -----------------------------------------------------------------------------

// Criterion is the optimization criterion.
type Criterion int

const (
	// TotalCost minimizes the expected total cost of reaching a goal.
	TotalCost Criterion = iota

	// AverageCost minimizes the long-run expected cost per step.
	AverageCost
)

func (c Criterion) String() string {
	switch c {
	case TotalCost:
		return "total"
	case AverageCost:
		return "average"
	default:
		return fmt.Sprintf("Criterion(%d)", int(c))
	}
}

// ParseCriterion parses "total" or "average".
func ParseCriterion(s string) (Criterion, error) {
	switch s {
	case "total", "ssp":
		return TotalCost, nil
	case "average":
		return AverageCost, nil
	default:
		return 0, fmt.Errorf("%w: unknown criterion %q", ErrInvalidRequest, s)
	}
}

// BoundKind is the direction of a constraint.
type BoundKind int

const (
	// UpperBound requires value <= Value (< when strict).
	UpperBound BoundKind = iota

	// LowerBound requires value >= Value (> when strict).
	LowerBound
)

func (b BoundKind) String() string {
	if b == LowerBound {
		return "lower"
	}
	return "upper"
}

// Constraint bounds the expected value of one cost slot.
type Constraint struct {
	CostIndex int
	Bound     BoundKind
	Value     float64
	Strict    bool
}

func (c Constraint) String() string {
	op := map[bool]map[BoundKind]string{
		false: {UpperBound: "<=", LowerBound: ">="},
		true:  {UpperBound: "<", LowerBound: ">"},
	}[c.Strict][c.Bound]
	return fmt.Sprintf("cost[%d] %s %g", c.CostIndex, op, c.Value)
}

// Satisfied reports whether v meets the constraint. Non-strict bounds
// accept a violation up to tol; strict bounds accept none.
func (c Constraint) Satisfied(v, tol float64) bool {
	switch {
	case c.Bound == UpperBound && c.Strict:
		return v < c.Value
	case c.Bound == UpperBound:
		return v <= c.Value+tol
	case c.Strict:
		return v > c.Value
	default:
		return v >= c.Value-tol
	}
}

// PenaltyFunc maps a violation amount (>= 0) to a penalty.
type PenaltyFunc func(violation float64) float64

// LinearPenalty charges the violation itself.
func LinearPenalty(v float64) float64 { return v }

// QuadraticPenalty charges the squared violation.
func QuadraticPenalty(v float64) float64 { return v * v }

// SoftConstraint is a Constraint that may be violated by at most
// MaxViolation at a penalty added to the objective.
type SoftConstraint struct {
	Constraint

	// Penalty defaults to LinearPenalty.
	Penalty PenaltyFunc

	// MaxViolation bounds the violation. Must be positive.
	MaxViolation float64

	// Weight scales the penalty. Zero means 1.
	Weight float64

	// Samples is the number of (violation, penalty) points of the
	// piecewise-linear approximation, at least 2. Zero uses the solver
	// configuration.
	Samples int
}

// Request is one solve.
type Request struct {
	Criterion Criterion

	// ObjectiveIndex is the cost slot to minimize.
	ObjectiveIndex int

	Hard []Constraint
	Soft []SoftConstraint
}

func (r Request) validate(numCosts int) error {
	if r.Criterion != TotalCost && r.Criterion != AverageCost {
		return fmt.Errorf("%w: criterion %d", ErrInvalidRequest, r.Criterion)
	}
	if r.ObjectiveIndex < 0 || r.ObjectiveIndex >= numCosts {
		return fmt.Errorf("%w: objective slot %d of %d", ErrInvalidRequest, r.ObjectiveIndex, numCosts)
	}
	for _, c := range r.Hard {
		if c.CostIndex < 0 || c.CostIndex >= numCosts {
			return fmt.Errorf("%w: constraint %s out of %d slots", ErrInvalidRequest, c, numCosts)
		}
	}
	for _, c := range r.Soft {
		if c.CostIndex < 0 || c.CostIndex >= numCosts {
			return fmt.Errorf("%w: soft constraint %s out of %d slots", ErrInvalidRequest, c.Constraint, numCosts)
		}
		if c.MaxViolation <= 0 {
			return fmt.Errorf("%w: soft constraint %s needs a positive max violation", ErrInvalidRequest, c.Constraint)
		}
		if c.Samples == 1 || c.Samples < 0 {
			return fmt.Errorf("%w: soft constraint %s needs at least 2 samples", ErrInvalidRequest, c.Constraint)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Result
// -----------------------------------------------------------------------------

// Status is the outcome of a solve.
type Status int

const (
	StatusOptimal Status = iota

	// StatusInfeasible means no deterministic policy satisfies the
	// constraints. It is a planning outcome, not an error.
	StatusInfeasible

	// StatusNumericalFailure means the solve failed numerically with both
	// methods. Treated like infeasibility.
	StatusNumericalFailure

	// StatusNodeLimit means the search stopped early. The result carries
	// the best policy found, if any.
	StatusNodeLimit
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	case StatusNumericalFailure:
		return "numerical_failure"
	case StatusNodeLimit:
		return "node_limit"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// NoAction marks a state without a policy decision.
const NoAction = -1

// Result is the outcome of a solve.
//
// Matrices are indexed [state][choice position], following
// Model.Choices(state). When Feasible is false, every field other than
// Status is zero.
type Result struct {
	Status   Status
	Feasible bool

	// Objective is the expected total (or average) value of the objective
	// slot. Penalty holds the soft-constraint penalty, excluded from
	// Objective.
	Objective float64
	Penalty   float64

	// Values holds the expected total (or average) value of every cost slot.
	Values []float64

	// Actions maps state to the chosen action index, NoAction where the
	// policy never reaches the state.
	Actions []int

	// X is the occupancy measure: expected visits for total cost, the
	// recurrent measure for average cost. Y is the transient measure and
	// nil for total cost.
	X [][]float64
	Y [][]float64

	// Delta holds the determinism indicators, 1 exactly where the chosen
	// action carries measure.
	Delta [][]float64

	// Indicators is true when the plain LP optimum randomized and the
	// policy came from the indicator MIP.
	Indicators bool

	// OccupancyBound is the bound X of the link rows x/X <= Δ, zero when
	// the indicator MIP did not run.
	OccupancyBound float64

	// Nodes counts the LP relaxations solved.
	Nodes int
}

// Policy returns π(i,a) per state and choice position: the measure of a
// choice normalized over its state, using Y where X vanishes.
func (r *Result) Policy() [][]float64 {
	if !r.Feasible {
		return nil
	}
	pi := make([][]float64, len(r.X))
	for i := range r.X {
		pi[i] = make([]float64, len(r.X[i]))
		row := r.X[i]
		if sum(row) <= 0 && r.Y != nil {
			row = r.Y[i]
		}
		total := sum(row)
		if total <= 0 {
			continue
		}
		for a, v := range row {
			pi[i][a] = v / total
		}
	}
	return pi
}

func sum(xs []float64) float64 {
	t := 0.0
	for _, x := range xs {
		t += x
	}
	return t
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mathprog defines the math-programming contract used by the
// occupancy-measure formulations and a branch-and-bound implementation of
// it on top of the gonum simplex.
//
// A Problem minimizes cᵀx over non-negative variables subject to linear
// rows. Variables are continuous or binary; every variable carries bounds
// [Lower, Upper] with Lower >= 0.
package mathprog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNumerical is returned when the simplex fails for numerical reasons
	// (singular basis, cycling, failed linear solve).
	ErrNumerical = errors.New("numerical failure in LP solve")

	// ErrInvalidProblem is returned for malformed problems.
	ErrInvalidProblem = errors.New("invalid problem")
)

// -----------------------------------------------------------------------------
// Problem
// -----------------------------------------------------------------------------

// VarKind is the domain of a decision variable.
type VarKind int

const (
	// Continuous variables range over [Lower, Upper].
	Continuous VarKind = iota

	// Binary variables take values in {0, 1}.
	Binary
)

func (k VarKind) String() string {
	switch k {
	case Continuous:
		return "continuous"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("VarKind(%d)", int(k))
	}
}

// Sense is the relation of a constraint row to its right-hand side.
type Sense int

const (
	LE Sense = iota
	GE
	EQ
)

func (s Sense) String() string {
	switch s {
	case LE:
		return "<="
	case GE:
		return ">="
	case EQ:
		return "="
	default:
		return fmt.Sprintf("Sense(%d)", int(s))
	}
}

// Term is one coefficient of a constraint row.
type Term struct {
	Var  int
	Coef float64
}

// Variable is a decision variable.
type Variable struct {
	Name string
	Kind VarKind
	Cost float64
	// Lower is the lower bound, zero unless SetBounds raised it.
	Lower float64
	// Upper is the upper bound, +Inf when unbounded. Binary variables
	// start with Upper 1.
	Upper float64
}

// Constraint is one linear row: Σ Terms (Sense) RHS.
type Constraint struct {
	Name  string
	Sense Sense
	RHS   float64
	Terms []Term
}

// Problem is a minimization problem over non-negative variables.
//
// Thread Safety: Not safe for concurrent modification. Solvers only read it.
type Problem struct {
	vars []Variable
	cons []Constraint
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{}
}

// AddVar adds a variable and returns its index. A non-positive or NaN upper
// means unbounded; binaries ignore upper.
func (p *Problem) AddVar(name string, kind VarKind, cost, upper float64) int {
	if kind == Binary {
		upper = 1
	} else if math.IsNaN(upper) || upper <= 0 {
		upper = math.Inf(1)
	}
	p.vars = append(p.vars, Variable{Name: name, Kind: kind, Cost: cost, Upper: upper})
	return len(p.vars) - 1
}

// SetBounds replaces the bounds of variable j. Setting lo == hi fixes the
// variable; solvers drop fixed columns from the relaxations. A negative lo
// is clamped to zero and a NaN hi means unbounded.
func (p *Problem) SetBounds(j int, lo, hi float64) {
	if math.IsNaN(lo) || lo < 0 {
		lo = 0
	}
	if math.IsNaN(hi) {
		hi = math.Inf(1)
	}
	p.vars[j].Lower = lo
	p.vars[j].Upper = hi
}

// SetCost replaces the objective coefficient of variable j.
func (p *Problem) SetCost(j int, cost float64) {
	p.vars[j].Cost = cost
}

// AddConstraint adds a row. Terms on the same variable are summed.
func (p *Problem) AddConstraint(name string, sense Sense, rhs float64, terms ...Term) {
	merged := make([]Term, 0, len(terms))
	pos := make(map[int]int, len(terms))
	for _, t := range terms {
		if i, ok := pos[t.Var]; ok {
			merged[i].Coef += t.Coef
			continue
		}
		pos[t.Var] = len(merged)
		merged = append(merged, t)
	}
	p.cons = append(p.cons, Constraint{Name: name, Sense: sense, RHS: rhs, Terms: merged})
}

// Clone returns a deep copy of p.
func (p *Problem) Clone() *Problem {
	cp := &Problem{vars: append([]Variable(nil), p.vars...), cons: make([]Constraint, len(p.cons))}
	for i, c := range p.cons {
		c.Terms = append([]Term(nil), c.Terms...)
		cp.cons[i] = c
	}
	return cp
}

// NumVars returns the number of variables.
func (p *Problem) NumVars() int { return len(p.vars) }

// NumConstraints returns the number of rows.
func (p *Problem) NumConstraints() int { return len(p.cons) }

// Variables returns the variables in index order.
func (p *Problem) Variables() []Variable { return p.vars }

// Constraints returns the rows in insertion order.
func (p *Problem) Constraints() []Constraint { return p.cons }

// NumBinaries returns the number of binary variables.
func (p *Problem) NumBinaries() int {
	n := 0
	for _, v := range p.vars {
		if v.Kind == Binary {
			n++
		}
	}
	return n
}

// Validate checks variable indices and coefficients.
func (p *Problem) Validate() error {
	for j, v := range p.vars {
		if math.IsNaN(v.Cost) || math.IsInf(v.Cost, 0) {
			return fmt.Errorf("%w: variable %d (%s) has cost %v", ErrInvalidProblem, j, v.Name, v.Cost)
		}
		if math.IsInf(v.Lower, 0) || v.Lower < 0 {
			return fmt.Errorf("%w: variable %d (%s) has lower bound %v", ErrInvalidProblem, j, v.Name, v.Lower)
		}
	}
	for i, c := range p.cons {
		if math.IsNaN(c.RHS) || math.IsInf(c.RHS, 0) {
			return fmt.Errorf("%w: row %d (%s) has rhs %v", ErrInvalidProblem, i, c.Name, c.RHS)
		}
		for _, t := range c.Terms {
			if t.Var < 0 || t.Var >= len(p.vars) {
				return fmt.Errorf("%w: row %d (%s) references variable %d", ErrInvalidProblem, i, c.Name, t.Var)
			}
			if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
				return fmt.Errorf("%w: row %d (%s) has coefficient %v", ErrInvalidProblem, i, c.Name, t.Coef)
			}
		}
	}
	return nil
}

// Activity returns Σ Terms·values of row i.
func (p *Problem) Activity(i int, values []float64) float64 {
	sum := 0.0
	for _, t := range p.cons[i].Terms {
		sum += t.Coef * values[t.Var]
	}
	return sum
}

// Objective returns cᵀvalues.
func (p *Problem) Objective(values []float64) float64 {
	sum := 0.0
	for j, v := range p.vars {
		sum += v.Cost * values[j]
	}
	return sum
}

// Feasible reports whether values satisfy every bound, integrality and row
// of p within tol. Row slack scales with the magnitude of the right-hand
// side.
func (p *Problem) Feasible(values []float64, tol float64) bool {
	if len(values) != len(p.vars) {
		return false
	}
	for j, v := range p.vars {
		x := values[j]
		if math.IsNaN(x) || x < v.Lower-tol || x > v.Upper+tol {
			return false
		}
		if v.Kind == Binary && math.Abs(x-math.Round(x)) > tol {
			return false
		}
	}
	for i, c := range p.cons {
		act := p.Activity(i, values)
		slack := tol * (1 + math.Abs(c.RHS))
		switch c.Sense {
		case LE:
			if act > c.RHS+slack {
				return false
			}
		case GE:
			if act < c.RHS-slack {
				return false
			}
		case EQ:
			if math.Abs(act-c.RHS) > slack {
				return false
			}
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Solution
// -----------------------------------------------------------------------------

// Status is the outcome of a solve.
type Status int

const (
	StatusOptimal Status = iota
	StatusInfeasible
	StatusUnbounded

	// StatusNodeLimit means the search stopped at the node limit or the
	// deadline. Values hold the best integer solution found, if any.
	StatusNodeLimit
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	case StatusUnbounded:
		return "unbounded"
	case StatusNodeLimit:
		return "node_limit"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Solution is the result of a solve. Values is nil unless a feasible
// point was found.
type Solution struct {
	Status    Status
	Objective float64
	Values    []float64
	// Nodes is the number of LP relaxations solved.
	Nodes int
}

// HasValues reports whether the solution carries a feasible point.
func (s *Solution) HasValues() bool {
	return s != nil && s.Values != nil
}

// -----------------------------------------------------------------------------
// Solver
// -----------------------------------------------------------------------------

// Method selects the numerical strategy of a solve.
type Method int

const (
	// MethodPrimary solves the rows as given.
	MethodPrimary Method = iota

	// MethodAlternative equilibrates the rows and uses a looser pivot
	// tolerance. Used to retry after ErrNumerical.
	MethodAlternative
)

func (m Method) String() string {
	switch m {
	case MethodPrimary:
		return "primary"
	case MethodAlternative:
		return "alternative"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// SolveOptions tunes a solve. Zero values select defaults.
type SolveOptions struct {
	Method Method

	// Tolerance is the simplex optimality tolerance. Default 1e-10.
	Tolerance float64

	// IntegralityTolerance is how far from 0 or 1 a binary may be and
	// still count as integral. Default 1e-6.
	IntegralityTolerance float64

	// FeasibilityTolerance is the slack Problem.Feasible grants rounded
	// candidates. Default 1e-6.
	FeasibilityTolerance float64

	// NodeLimit caps the number of relaxations. Zero means no limit.
	NodeLimit int

	// Deadline stops the search like NodeLimit once passed. Zero means
	// none.
	Deadline time.Time

	// Rounding, if set, maps a fractional relaxation point to a candidate
	// integer point, or nil if it has none. Candidates that pass
	// Problem.Feasible become incumbents, so good roundings let the
	// search prune early.
	Rounding func(relaxed []float64) []float64

	// Branching, if set, picks the binary to branch on at a fractional
	// node. A negative result, or a variable that is not a free binary of
	// the node, falls back to the most fractional binary.
	Branching func(relaxed []float64) int
}

const (
	defaultTolerance            = 1e-10
	alternativeTolerance        = 1e-8
	defaultIntegralityTolerance = 1e-6
	defaultFeasibilityTolerance = 1e-6
)

func (o SolveOptions) withDefaults() SolveOptions {
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
		if o.Method == MethodAlternative {
			o.Tolerance = alternativeTolerance
		}
	}
	if o.IntegralityTolerance <= 0 {
		o.IntegralityTolerance = defaultIntegralityTolerance
	}
	if o.FeasibilityTolerance <= 0 {
		o.FeasibilityTolerance = defaultFeasibilityTolerance
	}
	return o
}

// Solver solves a Problem.
//
// Infeasible and unbounded problems are reported through Solution.Status,
// not as errors. Errors mean the solve itself failed: ErrNumerical,
// ErrInvalidProblem or the context error.
type Solver interface {
	Solve(ctx context.Context, p *Problem, opts SolveOptions) (*Solution, error)
}

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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/explicit"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/mathprog"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model/modeltest"
)

func flipWorld(t *testing.T) *compile.ExplicitModel {
	t.Helper()
	fm, err := compile.Flatten(modeltest.NewFlipWorld().XMDP)
	require.NoError(t, err)
	em, err := compile.BuildExplicitModel(fm, nil, compile.DefaultOptions())
	require.NoError(t, err)
	return em
}

func commute(t *testing.T) *compile.ExplicitModel {
	t.Helper()
	fm, err := compile.Flatten(modeltest.NewCommute().XMDP)
	require.NoError(t, err)
	em, err := compile.BuildExplicitModel(fm, nil, compile.DefaultOptions())
	require.NoError(t, err)
	return em
}

// twoRooms is a recurrent model: in room 0, "stay" costs 2 and "move"
// costs 1; in room 1, "stay" costs 0.5 and "back" costs 3.
func twoRooms(t *testing.T) *explicit.Model {
	t.Helper()
	b := explicit.NewBuilder("cost")
	r0, err := b.AddState("room0")
	require.NoError(t, err)
	r1, err := b.AddState("room1")
	require.NoError(t, err)
	stay, err := b.AddAction("stay")
	require.NoError(t, err)
	move, err := b.AddAction("move")
	require.NoError(t, err)
	back, err := b.AddAction("back")
	require.NoError(t, err)
	require.NoError(t, b.SetInitial(r0))
	require.NoError(t, b.AddChoice(r0, stay, []explicit.Outcome{{State: r0, Prob: 1}}, []float64{2}))
	require.NoError(t, b.AddChoice(r0, move, []explicit.Outcome{{State: r1, Prob: 1}}, []float64{1}))
	require.NoError(t, b.AddChoice(r1, stay, []explicit.Outcome{{State: r1, Prob: 1}}, []float64{0.5}))
	require.NoError(t, b.AddChoice(r1, back, []explicit.Outcome{{State: r0, Prob: 1}}, []float64{3}))
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func newTestSolver() *Solver {
	return NewSolver(nil, DefaultConfig(), nil)
}

func TestSolve_FlipWorld(t *testing.T) {
	em := flipWorld(t)
	s := newTestSolver()

	r, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost})
	require.NoError(t, err)
	require.True(t, r.Feasible)
	assert.Equal(t, StatusOptimal, r.Status)

	// flip once, then set_y until it succeeds: 1 + 1/0.5.
	assert.InDelta(t, 3.0, r.Objective, 1e-6)
	slot, err := em.QASlot(modeltest.TimeAttribute)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, r.Values[slot], 1e-6)

	flip, _ := em.ActionIndex("flip")
	setY, _ := em.ActionIndex("set_y")
	assert.Equal(t, flip, r.Actions[em.Initial()])
	x1y0, ok := em.StateIndex("x=1,y=0")
	require.True(t, ok)
	assert.Equal(t, setY, r.Actions[x1y0])
	for _, g := range em.Goals() {
		assert.Equal(t, NoAction, r.Actions[g])
	}
	assert.False(t, r.Indicators, "the plain LP optimum is already deterministic")
	assert.Zero(t, r.OccupancyBound)
	assert.Equal(t, 1, r.Nodes)

	t.Run("postconditions", func(t *testing.T) {
		tol := s.Config().FeasibilityTolerance
		assert.NoError(t, CheckFlowConservation(em.Model, TotalCost, r.X, r.Y, tol))
		assert.NoError(t, CheckDeterminism(r, tol))
		for i, row := range r.Policy() {
			nonzero := 0
			for _, p := range row {
				if p > 0 {
					nonzero++
				}
			}
			assert.LessOrEqual(t, nonzero, 1, "state %s", em.StateLabel(i))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		again, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost})
		require.NoError(t, err)
		assert.InDelta(t, r.Objective, again.Objective, 1e-9)
	})
}

func TestSolve_HardConstraints(t *testing.T) {
	em := flipWorld(t)
	s := newTestSolver()

	tests := []struct {
		name       string
		constraint Constraint
		feasible   bool
	}{
		{"bound below the optimum", Constraint{CostIndex: compile.ObjectiveSlot, Bound: UpperBound, Value: 2.5}, false},
		{"bound at the optimum", Constraint{CostIndex: compile.ObjectiveSlot, Bound: UpperBound, Value: 3}, true},
		{"strict bound at the optimum", Constraint{CostIndex: compile.ObjectiveSlot, Bound: UpperBound, Value: 3, Strict: true}, false},
		{"lower bound above every policy", Constraint{CostIndex: compile.ObjectiveSlot, Bound: LowerBound, Value: 100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost, Hard: []Constraint{tt.constraint}})
			require.NoError(t, err, "infeasibility is a result, not an error")
			assert.Equal(t, tt.feasible, r.Feasible)
			if !tt.feasible {
				assert.Equal(t, StatusInfeasible, r.Status)
				assert.Nil(t, r.Actions)
				assert.Nil(t, r.Policy())
			}
		})
	}
}

func TestSolve_ConstraintChangesPolicy(t *testing.T) {
	em := commute(t)
	s := newTestSolver()
	risk, err := em.QASlot(modeltest.RiskAttribute)
	require.NoError(t, err)
	timeSlot, err := em.QASlot(modeltest.TimeAttribute)
	require.NoError(t, err)

	r, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost})
	require.NoError(t, err)
	require.True(t, r.Feasible)
	assert.Equal(t, "go(fast)", em.ActionName(r.Actions[em.Initial()]))
	assert.InDelta(t, 2.5, r.Objective, 1e-6)

	r, err = s.Solve(context.Background(), em.Model, Request{
		Criterion: TotalCost,
		Hard:      []Constraint{{CostIndex: risk, Bound: UpperBound, Value: 1}},
	})
	require.NoError(t, err)
	require.True(t, r.Feasible)
	assert.True(t, r.Indicators, "the plain LP splits the commute between both routes")
	assert.InDelta(t, 1.0, r.OccupancyBound, 1e-9, "one visit to home")
	assert.Equal(t, "go(safe)", em.ActionName(r.Actions[em.Initial()]))
	assert.InDelta(t, 3.0, r.Values[timeSlot], 1e-6)
	assert.InDelta(t, 0.0, r.Values[risk], 1e-6)
}

func TestSolve_SoftConstraints(t *testing.T) {
	em := flipWorld(t)
	s := newTestSolver()
	soft := SoftConstraint{
		Constraint:   Constraint{CostIndex: compile.ObjectiveSlot, Bound: UpperBound, Value: 2.5},
		MaxViolation: 1,
		Weight:       10,
	}

	r, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost, Soft: []SoftConstraint{soft}})
	require.NoError(t, err)
	require.True(t, r.Feasible)
	assert.InDelta(t, 3.0, r.Objective, 1e-6)
	assert.InDelta(t, 5.0, r.Penalty, 1e-6, "violation 0.5 at weight 10")

	t.Run("quadratic penalty is interpolated", func(t *testing.T) {
		q := soft
		q.Penalty = QuadraticPenalty
		q.Weight = 1
		q.Samples = 3
		r, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost, Soft: []SoftConstraint{q}})
		require.NoError(t, err)
		require.True(t, r.Feasible)
		// samples at 0, 0.5, 1: the violation 0.5 is a sample point.
		assert.InDelta(t, 0.25, r.Penalty, 1e-6)
	})

	t.Run("violation beyond the maximum", func(t *testing.T) {
		tight := soft
		tight.MaxViolation = 0.25
		r, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost, Soft: []SoftConstraint{tight}})
		require.NoError(t, err)
		assert.False(t, r.Feasible)
	})

	t.Run("invalid soft constraint", func(t *testing.T) {
		bad := soft
		bad.MaxViolation = 0
		_, err := s.Solve(context.Background(), em.Model, Request{Criterion: TotalCost, Soft: []SoftConstraint{bad}})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestSolve_AverageCost(t *testing.T) {
	m := twoRooms(t)
	s := newTestSolver()

	r, err := s.Solve(context.Background(), m, Request{Criterion: AverageCost})
	require.NoError(t, err)
	require.True(t, r.Feasible)
	assert.InDelta(t, 0.5, r.Objective, 1e-6)
	assert.Equal(t, "move", m.ActionName(r.Actions[0]))
	assert.Equal(t, "stay", m.ActionName(r.Actions[1]))
	require.NotNil(t, r.Y)

	total := 0.0
	for _, row := range r.X {
		total += sum(row)
	}
	assert.InDelta(t, 1.0, total, 1e-6, "recurrent measure is a distribution")
	assert.NoError(t, CheckFlowConservation(m, AverageCost, r.X, r.Y, 1e-6))
	assert.NoError(t, CheckDeterminism(r, 1e-6))

	t.Run("dead end", func(t *testing.T) {
		_, err := s.Solve(context.Background(), flipWorld(t).Model, Request{Criterion: AverageCost})
		assert.ErrorIs(t, err, ErrDeadEnd)
		var se *SolverError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "validate", se.Operation)
	})
}

func TestSolve_Validation(t *testing.T) {
	s := newTestSolver()

	_, err := s.Solve(context.Background(), twoRooms(t), Request{Criterion: TotalCost})
	assert.ErrorIs(t, err, ErrNoGoal)

	_, err = s.Solve(context.Background(), twoRooms(t), Request{Criterion: AverageCost, ObjectiveIndex: 4})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Solve(context.Background(), twoRooms(t), Request{
		Criterion: AverageCost,
		Hard:      []Constraint{{CostIndex: -1}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Solve(context.Background(), nil, Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// scriptedSolver fails numerically for the listed methods and delegates
// otherwise.
type scriptedSolver struct {
	fail  map[mathprog.Method]bool
	calls []mathprog.Method
	next  mathprog.Solver
}

func (f *scriptedSolver) Solve(ctx context.Context, p *mathprog.Problem, opts mathprog.SolveOptions) (*mathprog.Solution, error) {
	f.calls = append(f.calls, opts.Method)
	if f.fail[opts.Method] {
		return nil, mathprog.ErrNumerical
	}
	return f.next.Solve(ctx, p, opts)
}

func TestSolve_NumericalRetry(t *testing.T) {
	em := flipWorld(t)

	t.Run("alternative method succeeds", func(t *testing.T) {
		mp := &scriptedSolver{fail: map[mathprog.Method]bool{mathprog.MethodPrimary: true}, next: mathprog.NewBranchAndBound(nil)}
		r, err := NewSolver(mp, DefaultConfig(), nil).Solve(context.Background(), em.Model, Request{Criterion: TotalCost})
		require.NoError(t, err)
		require.True(t, r.Feasible)
		assert.InDelta(t, 3.0, r.Objective, 1e-6)
		assert.Contains(t, mp.calls, mathprog.MethodAlternative)
	})

	t.Run("both methods fail", func(t *testing.T) {
		mp := &scriptedSolver{fail: map[mathprog.Method]bool{mathprog.MethodPrimary: true, mathprog.MethodAlternative: true}}
		r, err := NewSolver(mp, DefaultConfig(), nil).Solve(context.Background(), em.Model, Request{Criterion: TotalCost})
		require.NoError(t, err, "numerical failure is reported like infeasibility")
		assert.Equal(t, StatusNumericalFailure, r.Status)
		assert.False(t, r.Feasible)
		assert.Equal(t, []mathprog.Method{mathprog.MethodPrimary, mathprog.MethodAlternative}, mp.calls)
	})

	t.Run("average cost without a bound LP", func(t *testing.T) {
		s := NewSolver(nil, DefaultConfig(), nil)
		r, err := s.Solve(context.Background(), twoRooms(t), Request{Criterion: AverageCost})
		require.NoError(t, err)
		require.True(t, r.Feasible)

		mp := &scriptedSolver{fail: map[mathprog.Method]bool{mathprog.MethodPrimary: true, mathprog.MethodAlternative: true}}
		r, err = NewSolver(mp, DefaultConfig(), nil).Solve(context.Background(), twoRooms(t), Request{Criterion: AverageCost})
		require.NoError(t, err)
		assert.Equal(t, StatusNumericalFailure, r.Status)
		assert.False(t, r.Feasible)
		assert.Len(t, mp.calls, 2)
	})
}

// zeroSolver claims optimality for the all-zero point.
type zeroSolver struct{}

func (zeroSolver) Solve(_ context.Context, p *mathprog.Problem, _ mathprog.SolveOptions) (*mathprog.Solution, error) {
	return &mathprog.Solution{Status: mathprog.StatusOptimal, Values: make([]float64, p.NumVars())}, nil
}

func TestSolve_InconsistentSolutionIsAnError(t *testing.T) {
	_, err := NewSolver(zeroSolver{}, DefaultConfig(), nil).Solve(context.Background(), twoRooms(t), Request{Criterion: AverageCost})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistentSolution)
}

func TestCheckDeterminism(t *testing.T) {
	r := &Result{
		Feasible: true,
		Actions:  []int{0},
		X:        [][]float64{{0.5, 0.5}},
		Delta:    [][]float64{{1, 1}},
	}
	assert.ErrorIs(t, CheckDeterminism(r, 1e-6), ErrInconsistentSolution)

	r.X = [][]float64{{1, 0}}
	r.Delta = [][]float64{{1, 1}}
	assert.ErrorIs(t, CheckDeterminism(r, 1e-6), ErrInconsistentSolution, "indicator without measure")

	r.Delta = [][]float64{{1, 0}}
	assert.NoError(t, CheckDeterminism(r, 1e-6))

	r.Actions = []int{NoAction}
	assert.ErrorIs(t, CheckDeterminism(r, 1e-6), ErrInconsistentSolution)
}

func TestConstraint(t *testing.T) {
	c := Constraint{Bound: UpperBound, Value: 3}
	assert.True(t, c.Satisfied(3, 1e-9))
	c.Strict = true
	assert.False(t, c.Satisfied(3, 1e-9))
	assert.Equal(t, "cost[0] < 3", c.String())

	sense, rhs := boundRow(c, 1e-6)
	assert.Equal(t, mathprog.LE, sense)
	assert.Less(t, rhs, 3.0)

	lower := Constraint{Bound: LowerBound, Value: -2}
	assert.True(t, lower.Satisfied(-2, 0))
	assert.False(t, lower.Satisfied(-3, 1e-9))
	assert.False(t, math.IsNaN(rhs))

	crit, err := ParseCriterion("average")
	require.NoError(t, err)
	assert.Equal(t, AverageCost, crit)
	_, err = ParseCriterion("discounted")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

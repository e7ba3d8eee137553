// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package explore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model/modeltest"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/policy"
)

// modelPlanner solves an XMDP with the LP solver and reports the policy
// under the model's own cost function.
type modelPlanner struct {
	x      *model.XMDP
	em     *compile.ExplicitModel
	solver *lp.Solver
	calls  atomic.Int32
}

func newModelPlanner(t *testing.T, x *model.XMDP) *modelPlanner {
	t.Helper()
	fm, err := compile.Flatten(x)
	require.NoError(t, err)
	em, err := compile.BuildExplicitModel(fm, nil, compile.DefaultOptions())
	require.NoError(t, err)
	return &modelPlanner{x: x, em: em, solver: lp.NewSolver(nil, lp.DefaultConfig(), nil)}
}

func (p *modelPlanner) Slot(name string) (int, error) { return p.em.QASlot(name) }

func (p *modelPlanner) SolveWith(ctx context.Context, objective *model.CostFunction, hard []lp.Constraint, soft []lp.SoftConstraint) (*policy.Info, error) {
	p.calls.Add(1)
	em, err := p.em.WithObjective(objective, 0)
	if err != nil {
		return nil, err
	}
	r, err := p.solver.Solve(ctx, em.Model, lp.Request{
		Criterion:      lp.TotalCost,
		ObjectiveIndex: compile.ObjectiveSlot,
		Hard:           hard,
		Soft:           soft,
	})
	if err != nil {
		return nil, err
	}
	if !r.Feasible {
		return nil, nil
	}
	pol, err := policy.FromResult(em, r)
	if err != nil {
		return nil, err
	}
	return policy.NewInfo(ctx, p.x, nil, pol, policy.MeasureEvaluator{Model: em, Result: r})
}

func solveOriginal(t *testing.T, p *modelPlanner) *policy.Info {
	t.Helper()
	info, err := p.SolveWith(context.Background(), p.x.Cost(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, info)
	return info
}

// commuteWithFuel adds a fuel attribute (fast 2, safe 1, scaling 0.1) to
// Commute. The original policy stays fast.
func commuteWithFuel(t *testing.T) (*modeltest.Commute, *model.XMDP) {
	t.Helper()
	c := modeltest.NewCommute()
	fuel := model.NewQAFunc("fuel", func(tr model.Transition) (float64, error) {
		if tr.Action.Name() == c.Fast.Name() {
			return 2, nil
		}
		return 1, nil
	})
	qspace, err := model.NewQSpace(c.TimeQA, c.RiskQA, fuel)
	require.NoError(t, err)
	fuelCost, err := model.NewAttributeCostFunction(fuel, 0, 1)
	require.NoError(t, err)
	cost, err := model.NewCostFunction(append(c.XMDP.Cost().Terms(), model.CostTerm{Func: fuelCost, Scaling: 0.1})...)
	require.NoError(t, err)
	goal, _ := c.XMDP.Goal()
	x, err := model.NewXMDP(model.XMDPSpec{
		States:      c.XMDP.States(),
		Actions:     c.XMDP.Actions(),
		Initial:     c.XMDP.Initial(),
		Goal:        &goal,
		Transitions: c.XMDP.Transitions(),
		QSpace:      qspace,
		Cost:        cost,
	})
	require.NoError(t, err)
	return c, x
}

func routeOf(t *testing.T, c *modeltest.Commute, info *policy.Info) string {
	t.Helper()
	a, ok := info.Policy().Action(c.XMDP.Initial())
	require.True(t, ok)
	return a.Name()
}

func TestAlternatives_Commute(t *testing.T) {
	for _, mode := range []Mode{ModeHard, ModeSoft} {
		t.Run(mode.String(), func(t *testing.T) {
			c := modeltest.NewCommute()
			p := newModelPlanner(t, c.XMDP)
			original := solveOriginal(t, p)
			require.Equal(t, c.Fast.Name(), routeOf(t, c, original))

			cfg := DefaultConfig()
			cfg.Mode = mode
			e, err := NewExplorer(p, cfg, nil)
			require.NoError(t, err)
			alts, err := e.Alternatives(context.Background(), original)
			require.NoError(t, err)

			require.Len(t, alts, 1)
			alt := alts[0]
			assert.Equal(t, modeltest.RiskAttribute, alt.Target)
			assert.Equal(t, []string{modeltest.RiskAttribute}, alt.Improved)
			assert.Equal(t, c.Safe.Name(), routeOf(t, c, alt.Info))

			risk, err := alt.Info.QAValue(modeltest.RiskAttribute)
			require.NoError(t, err)
			assert.InDelta(t, 0, risk, 1e-6)
			time, err := alt.Info.QAValue(modeltest.TimeAttribute)
			require.NoError(t, err)
			assert.InDelta(t, 3, time, 1e-6)
			assert.InDelta(t, 3, alt.Info.ObjectiveCost(), 1e-6, "alternatives are costed under the original weights")
		})
	}
}

func TestAlternatives_IncidentalImprovementLeavesWorkSet(t *testing.T) {
	c, x := commuteWithFuel(t)
	p := newModelPlanner(t, x)
	original := solveOriginal(t, p)
	require.Equal(t, c.Fast.Name(), routeOf(t, c, original))

	e, err := NewExplorer(p, DefaultConfig(), nil)
	require.NoError(t, err)
	before := p.calls.Load()
	alts, err := e.Alternatives(context.Background(), original)
	require.NoError(t, err)

	require.Len(t, alts, 1)
	assert.Equal(t, modeltest.RiskAttribute, alts[0].Target)
	assert.Equal(t, []string{modeltest.RiskAttribute, "fuel"}, alts[0].Improved)
	assert.Equal(t, int32(3+1), p.calls.Load()-before, "three optimum solves and one re-solve; fuel was improved on the way")
}

func TestAlternatives_TargetBelowSignificance(t *testing.T) {
	c := modeltest.NewCommute()
	risk := model.NewQAFunc(modeltest.RiskAttribute, func(tr model.Transition) (float64, error) {
		if tr.Action.Name() == c.Fast.Name() {
			return 1.5, nil
		}
		return 1.4, nil
	})
	qspace, err := model.NewQSpace(c.TimeQA, risk)
	require.NoError(t, err)
	timeCost, err := model.NewAttributeCostFunction(c.TimeQA, 0, 1)
	require.NoError(t, err)
	riskCost, err := model.NewAttributeCostFunction(risk, 0, 1)
	require.NoError(t, err)
	cost, err := model.NewCostFunction(model.CostTerm{Func: timeCost, Scaling: 1}, model.CostTerm{Func: riskCost, Scaling: 1})
	require.NoError(t, err)
	goal, _ := c.XMDP.Goal()
	x, err := model.NewXMDP(model.XMDPSpec{
		States:      c.XMDP.States(),
		Actions:     c.XMDP.Actions(),
		Initial:     c.XMDP.Initial(),
		Goal:        &goal,
		Transitions: c.XMDP.Transitions(),
		QSpace:      qspace,
		Cost:        cost,
	})
	require.NoError(t, err)

	p := newModelPlanner(t, x)
	original := solveOriginal(t, p)
	require.Equal(t, c.Fast.Name(), routeOf(t, c, original))

	cfg := DefaultConfig()
	cfg.Percent = 0.1
	e, err := NewExplorer(p, cfg, nil)
	require.NoError(t, err)
	alts, err := e.Alternatives(context.Background(), original)
	require.NoError(t, err)

	require.Len(t, alts, 1)
	assert.Equal(t, modeltest.RiskAttribute, alts[0].Target)
	assert.Equal(t, c.Safe.Name(), routeOf(t, c, alts[0].Info))
	assert.Empty(t, alts[0].Improved, "risk drops by 0.1, under 10% of 1.5")
}

func TestAlternatives_NothingToTrade(t *testing.T) {
	w := modeltest.NewFlipWorld()
	p := newModelPlanner(t, w.XMDP)
	original := solveOriginal(t, p)

	e, err := NewExplorer(p, DefaultConfig(), nil)
	require.NoError(t, err)
	alts, err := e.Alternatives(context.Background(), original)
	require.NoError(t, err)
	assert.Empty(t, alts, "a single attribute at its optimum has no tradeoff")
}

type failingPlanner struct {
	*modelPlanner
	err error
}

func (f failingPlanner) SolveWith(context.Context, *model.CostFunction, []lp.Constraint, []lp.SoftConstraint) (*policy.Info, error) {
	return nil, f.err
}

type infeasiblePlanner struct{ *modelPlanner }

func (infeasiblePlanner) SolveWith(context.Context, *model.CostFunction, []lp.Constraint, []lp.SoftConstraint) (*policy.Info, error) {
	return nil, nil
}

func TestAlternatives_PlannerOutcomes(t *testing.T) {
	c := modeltest.NewCommute()
	p := newModelPlanner(t, c.XMDP)
	original := solveOriginal(t, p)

	t.Run("errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		e, err := NewExplorer(failingPlanner{modelPlanner: p, err: boom}, DefaultConfig(), nil)
		require.NoError(t, err)
		_, err = e.Alternatives(context.Background(), original)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("infeasible solves yield nothing", func(t *testing.T) {
		e, err := NewExplorer(infeasiblePlanner{p}, DefaultConfig(), nil)
		require.NoError(t, err)
		alts, err := e.Alternatives(context.Background(), original)
		require.NoError(t, err)
		assert.Empty(t, alts)
	})

	t.Run("parallelism limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Parallelism = 1
		e, err := NewExplorer(p, cfg, nil)
		require.NoError(t, err)
		alts, err := e.Alternatives(context.Background(), original)
		require.NoError(t, err)
		assert.Len(t, alts, 1)
	})
}

func TestSignificance_Improved(t *testing.T) {
	tests := []struct {
		name         string
		significance Significance
		original     float64
		value        float64
		slope        float64
		want         bool
	}{
		{"band accepts a large decrease", SignificanceToleranceBand, 10, 5, 1, true},
		{"band rejects a small decrease", SignificanceToleranceBand, 10, 9.8, 1, false},
		{"strict accepts a small decrease", SignificanceStrict, 10, 9.8, 1, true},
		{"increase is worse for positive slope", SignificanceStrict, 10, 11, 1, false},
		{"increase is better for negative slope", SignificanceToleranceBand, 10, 12, -1, true},
		{"equal is never an improvement", SignificanceStrict, 3, 3, 1, false},
		{"float noise is not an improvement", SignificanceStrict, 3, 3 - 1e-12, 1, false},
		{"any gain counts from zero", SignificanceToleranceBand, 0, -1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.significance.Improved(tt.original, tt.value, tt.slope, 0.05))
		})
	}
}

func TestConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Percent = -0.1 },
		func(c *Config) { c.Percent = 1 },
		func(c *Config) { c.Demotion = 1 },
		func(c *Config) { c.PenaltyWeight = 0 },
		func(c *Config) { c.Parallelism = -1 },
	}
	for _, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		_, err := NewExplorer(nil, cfg, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}

	m, err := ParseMode("soft")
	require.NoError(t, err)
	assert.Equal(t, ModeSoft, m)
	_, err = ParseMode("medium")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := ParseSignificance("strict")
	require.NoError(t, err)
	assert.Equal(t, SignificanceStrict, s)
	_, err = ParseSignificance("loose")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

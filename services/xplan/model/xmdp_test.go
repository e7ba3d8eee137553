// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model/modeltest"
)

func TestXMDP_FlipWorld(t *testing.T) {
	w := modeltest.NewFlipWorld()
	x := w.XMDP

	assert.True(t, x.HasGoal())
	assert.False(t, x.IsGoal(w.Initial))
	assert.True(t, x.IsGoal(model.MustTuple(w.X.MustVar(model.IntValue(0)), w.Y.MustVar(model.IntValue(1)))))

	pso, err := x.PSOFor(w.SetY)
	require.NoError(t, err)
	assert.Same(t, w.SetYPSO, pso)

	ok, err := x.IsApplicable(w.Initial, w.SetY)
	require.NoError(t, err)
	assert.False(t, ok, "set_y needs x=1")

	x1y0 := model.MustTuple(w.X.MustVar(model.IntValue(1)), w.Y.MustVar(model.IntValue(0)))
	x1y1 := model.MustTuple(w.X.MustVar(model.IntValue(1)), w.Y.MustVar(model.IntValue(1)))

	p, err := x.TransitionProbability(w.Initial, w.Flip, x1y0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p, 1e-12)

	p, err = x.TransitionProbability(x1y0, w.SetY, x1y1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-12)

	p, err = x.TransitionProbability(x1y0, w.SetY, x1y0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-12)
}

func TestNewXMDP_Validation(t *testing.T) {
	w := modeltest.NewFlipWorld()
	states, err := model.NewStateSpace(w.X, w.Y)
	require.NoError(t, err)
	actions, err := model.NewActionSpace(w.FlipDef, w.SetYDef)
	require.NoError(t, err)
	qspace, err := model.NewQSpace(w.TimeQA)
	require.NoError(t, err)

	base := model.XMDPSpec{
		States:      states,
		Actions:     actions,
		Initial:     w.Initial,
		Goal:        &w.Goal,
		Transitions: w.Transitions,
		QSpace:      qspace,
		Cost:        w.XMDP.Cost(),
	}

	t.Run("partial initial state", func(t *testing.T) {
		spec := base
		spec.Initial = model.MustTuple(w.X.MustVar(model.IntValue(0)))
		_, err := model.NewXMDP(spec)
		assert.ErrorIs(t, err, model.ErrInvalidModel)
	})

	t.Run("action without PSO", func(t *testing.T) {
		spec := base
		extra := model.MustActionDefinition("noop", model.NewAction("noop"))
		spec.Actions, err = model.NewActionSpace(w.FlipDef, w.SetYDef, extra)
		require.NoError(t, err)
		_, err := model.NewXMDP(spec)
		assert.ErrorIs(t, err, model.ErrInvalidModel)
		assert.ErrorIs(t, err, model.ErrActionDefinitionNotFound)
	})

	t.Run("cost term for unknown attribute", func(t *testing.T) {
		spec := base
		other := model.NewQAFunc("other", func(model.Transition) (float64, error) { return 0, nil })
		f, err := model.NewAttributeCostFunction(other, 0, 1)
		require.NoError(t, err)
		spec.Cost, err = model.NewCostFunction(model.CostTerm{Func: f, Scaling: 1})
		require.NoError(t, err)
		_, err = model.NewXMDP(spec)
		assert.ErrorIs(t, err, model.ErrAttributeNotFound)
	})

	t.Run("valid spec", func(t *testing.T) {
		_, err := model.NewXMDP(base)
		assert.NoError(t, err)
	})
}

func TestCostFunction(t *testing.T) {
	c := modeltest.NewCommute()
	cf := c.XMDP.Cost()

	assert.InDelta(t, 2.5, cf.StepCost(map[string]float64{"time": 1, "risk": 1.5}), 1e-12)

	total, err := cf.TotalCost(map[string]float64{"time": 3, "risk": 0})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, total, 1e-12)

	_, err = cf.TotalCost(map[string]float64{"time": 3})
	assert.ErrorIs(t, err, model.ErrAttributeNotFound)

	scaled, err := cf.WithScaling("risk", 0.1)
	require.NoError(t, err)
	term, err := scaled.Term("risk")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, term.Scaling, 1e-12)
	orig, err := cf.Term("risk")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, orig.Scaling, 1e-12, "WithScaling must not modify the receiver")

	_, err = cf.WithScaling("missing", 1)
	assert.ErrorIs(t, err, model.ErrAttributeNotFound)
}

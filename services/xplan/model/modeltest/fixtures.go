// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modeltest provides small XMDPs shared by tests across the planner
// packages.
package modeltest

import (
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// TimeAttribute is the name of the step-count quality attribute.
const TimeAttribute = "time"

// RiskAttribute is the name of the risk quality attribute of Commute.
const RiskAttribute = "risk"

// FlipWorld is the two-variable MDP used by end-to-end tests.
//
// Description:
//
//	x, y ∈ {0, 1}, initially both 0, goal y = 1. "flip" negates x and
//	leaves y unchanged. "set_y" is applicable only when x = 1 and sets y to
//	1 with probability 0.5, otherwise nothing changes. Every step costs 1
//	unit of time, so the optimal expected cost from the initial state is
//	1 + 1/0.5 = 3.
type FlipWorld struct {
	X, Y        *model.StateVarDefinition
	Flip, SetY  model.BasicAction
	FlipDef     *model.ActionDefinition
	SetYDef     *model.ActionDefinition
	XMDP        *model.XMDP
	TimeQA      model.QualityAttribute
	Initial     model.Tuple
	Goal        model.Tuple
	FlipPSO     *model.FactoredPSO
	SetYPSO     *model.FactoredPSO
	Transitions *model.TransitionFunction
}

// NewFlipWorld builds FlipWorld. It panics on construction errors, which
// indicate a broken fixture.
func NewFlipWorld() *FlipWorld {
	w := &FlipWorld{}
	w.X = model.MustStateVarDefinition("x", model.IntValue(0), model.IntValue(1))
	w.Y = model.MustStateVarDefinition("y", model.IntValue(0), model.IntValue(1))

	w.Flip = model.NewAction("flip")
	w.SetY = model.NewAction("set_y")
	w.FlipDef = model.MustActionDefinition("flip", w.Flip)
	w.SetYDef = model.MustActionDefinition("set_y", w.SetY)

	xClass := model.MustEffectClass(w.X)
	flipDesc, err := model.NewFormulaActionDescription(
		w.FlipDef,
		model.NewPrecondition(w.FlipDef),
		model.MustDiscriminantClass(w.X),
		xClass,
		func(d model.Discriminant, _ model.Action) (*model.ProbabilisticEffect, error) {
			x, err := model.ValueAs[model.IntValue](d.Values(), w.X)
			if err != nil {
				return nil, err
			}
			pe := model.NewProbabilisticEffect(xClass)
			if err := pe.PutValues(1, w.X.MustVar(1-x)); err != nil {
				return nil, err
			}
			return pe, nil
		},
	)
	must(err)
	w.FlipPSO, err = model.NewFactoredPSO(w.FlipDef, nil, flipDesc)
	must(err)

	yClass := model.MustEffectClass(w.Y)
	setYPre := model.NewPrecondition(w.SetYDef)
	must(setYPre.AddUnivariate(w.SetY, w.X.MustVar(model.IntValue(1))))
	setYDesc := model.NewTabularActionDescription(w.SetYDef, model.MustDiscriminantClass(w.Y), yClass)
	for _, y := range []model.IntValue{0, 1} {
		d, err := model.NewDiscriminant(setYDesc.DiscriminantClass(), w.Y.MustVar(y))
		must(err)
		pe := model.NewProbabilisticEffect(yClass)
		if y == 0 {
			must(pe.PutValues(0.5, w.Y.MustVar(model.IntValue(1))))
			must(pe.PutValues(0.5, w.Y.MustVar(model.IntValue(0))))
		} else {
			must(pe.PutValues(1, w.Y.MustVar(model.IntValue(1))))
		}
		must(setYDesc.Put(w.SetY, d, pe))
	}
	w.SetYPSO, err = model.NewFactoredPSO(w.SetYDef, setYPre, setYDesc)
	must(err)

	w.Transitions, err = model.NewTransitionFunction(w.FlipPSO, w.SetYPSO)
	must(err)

	w.TimeQA = model.NewQAFunc(TimeAttribute, func(model.Transition) (float64, error) { return 1, nil })
	qspace, err := model.NewQSpace(w.TimeQA)
	must(err)
	timeCost, err := model.NewAttributeCostFunction(w.TimeQA, 0, 1)
	must(err)
	cost, err := model.NewCostFunction(model.CostTerm{Func: timeCost, Scaling: 1})
	must(err)

	states, err := model.NewStateSpace(w.X, w.Y)
	must(err)
	actions, err := model.NewActionSpace(w.FlipDef, w.SetYDef)
	must(err)

	w.Initial = model.MustTuple(w.X.MustVar(model.IntValue(0)), w.Y.MustVar(model.IntValue(0)))
	w.Goal = model.MustTuple(w.Y.MustVar(model.IntValue(1)))
	w.XMDP, err = model.NewXMDP(model.XMDPSpec{
		States:      states,
		Actions:     actions,
		Initial:     w.Initial,
		Goal:        &w.Goal,
		Transitions: w.Transitions,
		QSpace:      qspace,
		Cost:        cost,
	})
	must(err)
	return w
}

// Commute is a one-step route choice with a time/risk tradeoff.
//
// Description:
//
//	loc ∈ {home, work}, initially home, goal work. go(fast) takes 1 time
//	unit with risk 1.5; go(safe) takes 3 time units with risk 0. With both
//	scaling constants 1 the optimal route is fast (cost 2.5 vs 3); the only
//	alternative that improves an attribute is safe, which improves risk.
type Commute struct {
	Loc        *model.StateVarDefinition
	Fast, Safe model.BasicAction
	GoDef      *model.ActionDefinition
	XMDP       *model.XMDP
	TimeQA     model.QualityAttribute
	RiskQA     model.QualityAttribute
}

// NewCommute builds Commute. It panics on construction errors.
func NewCommute() *Commute {
	c := &Commute{}
	home, work := model.StringValue("home"), model.StringValue("work")
	c.Loc = model.MustStateVarDefinition("loc", home, work)
	c.Fast = model.NewAction("go", model.StringValue("fast"))
	c.Safe = model.NewAction("go", model.StringValue("safe"))
	c.GoDef = model.MustActionDefinition("go", c.Fast, c.Safe)

	pre := model.NewPrecondition(c.GoDef)
	must(pre.AddUnivariate(c.Fast, c.Loc.MustVar(home)))
	must(pre.AddUnivariate(c.Safe, c.Loc.MustVar(home)))

	locClass := model.MustEffectClass(c.Loc)
	desc, err := model.NewFormulaActionDescription(c.GoDef, pre, model.MustDiscriminantClass(), locClass,
		func(model.Discriminant, model.Action) (*model.ProbabilisticEffect, error) {
			pe := model.NewProbabilisticEffect(locClass)
			if err := pe.PutValues(1, c.Loc.MustVar(work)); err != nil {
				return nil, err
			}
			return pe, nil
		})
	must(err)
	pso, err := model.NewFactoredPSO(c.GoDef, pre, desc)
	must(err)
	tf, err := model.NewTransitionFunction(pso)
	must(err)

	perRoute := func(fast, safe float64) func(model.Transition) (float64, error) {
		return func(t model.Transition) (float64, error) {
			if t.Action.Name() == c.Fast.Name() {
				return fast, nil
			}
			return safe, nil
		}
	}
	c.TimeQA = model.NewQAFunc(TimeAttribute, perRoute(1, 3))
	c.RiskQA = model.NewQAFunc(RiskAttribute, perRoute(1.5, 0))
	qspace, err := model.NewQSpace(c.TimeQA, c.RiskQA)
	must(err)
	timeCost, err := model.NewAttributeCostFunction(c.TimeQA, 0, 1)
	must(err)
	riskCost, err := model.NewAttributeCostFunction(c.RiskQA, 0, 1)
	must(err)
	cost, err := model.NewCostFunction(
		model.CostTerm{Func: timeCost, Scaling: 1},
		model.CostTerm{Func: riskCost, Scaling: 1},
	)
	must(err)

	states, err := model.NewStateSpace(c.Loc)
	must(err)
	actions, err := model.NewActionSpace(c.GoDef)
	must(err)
	goal := model.MustTuple(c.Loc.MustVar(work))
	c.XMDP, err = model.NewXMDP(model.XMDPSpec{
		States:      states,
		Actions:     actions,
		Initial:     model.MustTuple(c.Loc.MustVar(home)),
		Goal:        &goal,
		Transitions: tf,
		QSpace:      qspace,
		Cost:        cost,
	})
	must(err)
	return c
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

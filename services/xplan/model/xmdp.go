// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
)

// XMDPSpec collects the parts of an XMDP for NewXMDP.
//
// Goal is a partial assignment; nil means no goal (average-cost models).
type XMDPSpec struct {
	States      *StateSpace
	Actions     *ActionSpace
	Initial     Tuple
	Goal        *Tuple
	Transitions *TransitionFunction
	QSpace      *QSpace
	Cost        *CostFunction
}

// XMDP is a complete factored MDP with quality attributes and a
// scalarized cost function.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type XMDP struct {
	states      *StateSpace
	actions     *ActionSpace
	initial     Tuple
	goal        *Tuple
	transitions *TransitionFunction
	qspace      *QSpace
	cost        *CostFunction
}

// NewXMDP validates spec and builds an XMDP.
//
// Description:
//
//	Checks that every part is present, the initial state assigns every
//	state variable a possible value, the goal and every effect and
//	discriminant class only mention state variables of the space, every
//	action has a PSO, and every cost function term is an attribute of the
//	QSpace.
//
// Outputs:
//   - *XMDP: The model.
//   - error: Wraps ErrInvalidModel with the first problem found.
func NewXMDP(spec XMDPSpec) (*XMDP, error) {
	x := &XMDP{
		states:      spec.States,
		actions:     spec.Actions,
		initial:     spec.Initial,
		goal:        spec.Goal,
		transitions: spec.Transitions,
		qspace:      spec.QSpace,
		cost:        spec.Cost,
	}
	if err := x.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	return x, nil
}

func (x *XMDP) validate() error {
	if x.states == nil || x.actions == nil || x.transitions == nil || x.qspace == nil || x.cost == nil {
		return errors.New("state space, action space, transition function, QSpace and cost function are required")
	}
	if x.initial.Len() != len(x.states.defs) {
		return fmt.Errorf("initial state %s does not assign every state variable", x.initial)
	}
	if err := x.checkVars(x.initial, "initial state"); err != nil {
		return err
	}
	if x.goal != nil {
		if x.goal.IsEmpty() {
			return errors.New("goal must assign at least one state variable")
		}
		if err := x.checkVars(*x.goal, "goal"); err != nil {
			return err
		}
	}
	for _, pso := range x.transitions.psos {
		if !x.actions.Contains(pso.def) {
			return fmt.Errorf("PSO of %s: %w", pso.def.name,
				notFound("action definition", pso.def.name, "action space", ErrActionDefinitionNotFound))
		}
		for _, d := range pso.descs {
			if err := x.checkClass(d.EffectClass().StateVarClass, "effect class of "+pso.def.name); err != nil {
				return err
			}
			if err := x.checkClass(d.DiscriminantClass().StateVarClass, "discriminant class of "+pso.def.name); err != nil {
				return err
			}
		}
	}
	for _, a := range x.actions.actions {
		if _, err := x.PSOFor(a); err != nil {
			return err
		}
	}
	for _, t := range x.cost.terms {
		if _, err := x.qspace.Lookup(t.Func.attr.Name()); err != nil {
			return fmt.Errorf("cost function: %w", err)
		}
	}
	return nil
}

func (x *XMDP) checkVars(t Tuple, what string) error {
	for _, v := range t.vars {
		if !x.states.Contains(v.def) {
			return fmt.Errorf("%s: %w", what, notFound("state variable", v.def.name, "state space", ErrStateVarNotFound))
		}
	}
	return nil
}

func (x *XMDP) checkClass(c StateVarClass, what string) error {
	for _, d := range c.defs {
		if !x.states.Contains(d) {
			return fmt.Errorf("%s: %w", what, notFound("state variable", d.name, "state space", ErrStateVarNotFound))
		}
	}
	return nil
}

// States returns the state space.
func (x *XMDP) States() *StateSpace { return x.states }

// Actions returns the action space.
func (x *XMDP) Actions() *ActionSpace { return x.actions }

// Initial returns the initial state.
func (x *XMDP) Initial() Tuple { return x.initial }

// Goal returns the goal predicate and whether one is set.
func (x *XMDP) Goal() (Tuple, bool) {
	if x.goal == nil {
		return Tuple{}, false
	}
	return *x.goal, true
}

// HasGoal reports whether the XMDP has a goal.
func (x *XMDP) HasGoal() bool { return x.goal != nil }

// IsGoal reports whether state satisfies the goal. Always false without a goal.
func (x *XMDP) IsGoal(state Tuple) bool {
	return x.goal != nil && state.Matches(*x.goal)
}

// Transitions returns the transition function.
func (x *XMDP) Transitions() *TransitionFunction { return x.transitions }

// QSpace returns the quality attribute space.
func (x *XMDP) QSpace() *QSpace { return x.qspace }

// Cost returns the cost function.
func (x *XMDP) Cost() *CostFunction { return x.cost }

// PSOFor returns the PSO governing action.
func (x *XMDP) PSOFor(action Action) (*FactoredPSO, error) {
	def, err := x.actions.DefinitionOf(action)
	if err != nil {
		return nil, err
	}
	return x.transitions.PSOFor(def)
}

// IsApplicable reports whether action may be taken in state.
func (x *XMDP) IsApplicable(state Tuple, action Action) (bool, error) {
	pso, err := x.PSOFor(action)
	if err != nil {
		return false, err
	}
	return pso.pre.IsApplicable(state, action)
}

// TransitionProbability returns the probability that action moves src to dest.
func (x *XMDP) TransitionProbability(src Tuple, action Action, dest Tuple) (float64, error) {
	pso, err := x.PSOFor(action)
	if err != nil {
		return 0, err
	}
	return pso.TransitionProbability(src, action, dest)
}

// WithCostFunction returns a copy of x that uses cf.
func (x *XMDP) WithCostFunction(cf *CostFunction) (*XMDP, error) {
	cp := *x
	cp.cost = cf
	for _, t := range cf.terms {
		if _, err := x.qspace.Lookup(t.Func.attr.Name()); err != nil {
			return nil, fmt.Errorf("%w: cost function: %w", ErrInvalidModel, err)
		}
	}
	return &cp, nil
}

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
	"fmt"
)

// UnivariatePredicate is a disjunction of allowed values of one variable.
type UnivariatePredicate struct {
	Definition *StateVarDefinition
	// Allowed is in domain order.
	Allowed []Value
}

// MultivariatePredicate is a disjunction of allowed joint assignments of a
// variable class.
type MultivariatePredicate struct {
	Class StateVarClass
	// Allowed is in registration order.
	Allowed []Tuple
}

type univariate struct {
	def     *StateVarDefinition
	allowed map[Value]bool
}

type multivariate struct {
	class   StateVarClass
	tuples  []Tuple
	allowed map[string]bool
}

type actionPredicates struct {
	univariate   map[*StateVarDefinition]*univariate
	univOrder    []*StateVarDefinition
	multivariate []*multivariate
}

// Precondition holds the per-action applicability predicates of one action
// definition.
//
// Description:
//
//	For each action the precondition is a conjunction of univariate and
//	multivariate predicates. A variable appears in at most one univariate
//	predicate and at most one multivariate class per action. Variables with
//	no predicate are unconstrained.
//
// Thread Safety: Not safe for concurrent mutation. Build it fully before
// handing it to a FactoredPSO; reads are safe afterwards.
type Precondition struct {
	def   *ActionDefinition
	preds map[string]*actionPredicates
}

// NewPrecondition creates an empty (always true) precondition for def.
func NewPrecondition(def *ActionDefinition) *Precondition {
	return &Precondition{def: def, preds: make(map[string]*actionPredicates)}
}

// ActionDefinition returns the definition this precondition constrains.
func (p *Precondition) ActionDefinition() *ActionDefinition { return p.def }

func (p *Precondition) checkAction(action Action) error {
	if !p.def.Contains(action) {
		return fmt.Errorf("%w: %s is not in %s", ErrIncompatibleAction, action.Name(), p.def.name)
	}
	return nil
}

func (p *Precondition) predicatesOf(action Action) *actionPredicates {
	ap, ok := p.preds[action.Name()]
	if !ok {
		ap = &actionPredicates{univariate: make(map[*StateVarDefinition]*univariate)}
		p.preds[action.Name()] = ap
	}
	return ap
}

// AddUnivariate allows v's value for v's variable under action.
//
// Description:
//
//	Repeated calls for the same variable grow the disjunction.
//
// Outputs:
//   - error: ErrIncompatibleAction if action is not in the definition.
func (p *Precondition) AddUnivariate(action Action, v StateVar) error {
	if err := p.checkAction(action); err != nil {
		return err
	}
	if v.def == nil {
		return fmt.Errorf("%w: unassigned state variable", ErrInvalidValue)
	}
	ap := p.predicatesOf(action)
	u, ok := ap.univariate[v.def]
	if !ok {
		u = &univariate{def: v.def, allowed: make(map[Value]bool)}
		ap.univariate[v.def] = u
		ap.univOrder = append(ap.univOrder, v.def)
	}
	u.allowed[v.value] = true
	return nil
}

// AddMultivariate allows the joint assignment t under action.
//
// Description:
//
//	The class of the predicate is the set of variables t assigns. Repeated
//	calls with tuples of the same class grow the disjunction.
//
// Outputs:
//   - error: ErrIncompatibleAction if action is not in the definition,
//     ErrOverlappingClasses if t's class overlaps a different registered
//     class of the same action.
func (p *Precondition) AddMultivariate(action Action, t Tuple) error {
	if err := p.checkAction(action); err != nil {
		return err
	}
	if t.IsEmpty() {
		return fmt.Errorf("%w: empty multivariate predicate", ErrInvalidValue)
	}
	class := newSortedClass(t.Definitions())
	ap := p.predicatesOf(action)
	for _, m := range ap.multivariate {
		if m.class.Equal(class) {
			if !m.allowed[t.key] {
				m.allowed[t.key] = true
				m.tuples = append(m.tuples, t)
			}
			return nil
		}
		if m.class.Overlaps(class) {
			return fmt.Errorf("%w: %s and %s for action %s", ErrOverlappingClasses, m.class, class, action.Name())
		}
	}
	ap.multivariate = append(ap.multivariate, &multivariate{
		class:   class,
		tuples:  []Tuple{t},
		allowed: map[string]bool{t.key: true},
	})
	return nil
}

// ApplicableValues returns the values of def allowed under action.
//
// Description:
//
//	Returns the univariate predicate's values in domain order, or every
//	possible value if def has no univariate predicate.
//
// Outputs:
//   - []Value: Allowed values.
//   - error: ErrIncompatibleAction if action is not in the definition.
func (p *Precondition) ApplicableValues(action Action, def *StateVarDefinition) ([]Value, error) {
	if err := p.checkAction(action); err != nil {
		return nil, err
	}
	ap, ok := p.preds[action.Name()]
	if !ok {
		return def.Values(), nil
	}
	u, ok := ap.univariate[def]
	if !ok {
		return def.Values(), nil
	}
	out := make([]Value, 0, len(u.allowed))
	for _, v := range def.values {
		if u.allowed[v] {
			out = append(out, v)
		}
	}
	return out, nil
}

// ApplicableTuples returns the allowed joint assignments of class under
// action.
//
// Outputs:
//   - []Tuple: Allowed tuples in registration order.
//   - error: ErrIncompatibleAction, or ErrStateVarClassNotFound if no
//     multivariate predicate is registered exactly on class.
func (p *Precondition) ApplicableTuples(action Action, class StateVarClass) ([]Tuple, error) {
	if err := p.checkAction(action); err != nil {
		return nil, err
	}
	if ap, ok := p.preds[action.Name()]; ok {
		for _, m := range ap.multivariate {
			if m.class.Equal(class) {
				out := make([]Tuple, len(m.tuples))
				copy(out, m.tuples)
				return out, nil
			}
		}
	}
	return nil, notFound("multivariate predicate", class.Key(), "precondition of "+action.Name(), ErrStateVarClassNotFound)
}

// PartialApplicableTuples returns the allowed joint assignments of class,
// projected from a registered multivariate class that contains it.
//
// Outputs:
//   - []Tuple: Distinct projections in first-seen order.
//   - error: ErrIncompatibleAction, or ErrStateVarClassNotFound if no
//     registered class contains class.
func (p *Precondition) PartialApplicableTuples(action Action, class StateVarClass) ([]Tuple, error) {
	if err := p.checkAction(action); err != nil {
		return nil, err
	}
	if ap, ok := p.preds[action.Name()]; ok {
		for _, m := range ap.multivariate {
			if class.Len() > 0 && class.IsSubsetOf(m.class) {
				return projectDistinct(m.tuples, class.defs), nil
			}
		}
	}
	return nil, notFound("multivariate predicate", class.Key(), "precondition of "+action.Name(), ErrStateVarClassNotFound)
}

func projectDistinct(tuples []Tuple, defs []*StateVarDefinition) []Tuple {
	seen := make(map[string]bool, len(tuples))
	out := make([]Tuple, 0, len(tuples))
	for _, t := range tuples {
		pt := t.Project(defs)
		if !seen[pt.key] {
			seen[pt.key] = true
			out = append(out, pt)
		}
	}
	return out
}

// IsApplicable reports whether action is applicable in state.
//
// A predicate over a variable that state does not assign is not satisfied.
func (p *Precondition) IsApplicable(state Tuple, action Action) (bool, error) {
	if err := p.checkAction(action); err != nil {
		return false, err
	}
	ap, ok := p.preds[action.Name()]
	if !ok {
		return true, nil
	}
	for _, def := range ap.univOrder {
		v, ok := state.Get(def)
		if !ok || !ap.univariate[def].allowed[v] {
			return false, nil
		}
	}
	for _, m := range ap.multivariate {
		pt := state.ProjectClass(m.class)
		if pt.Len() != m.class.Len() || !m.allowed[pt.key] {
			return false, nil
		}
	}
	return true, nil
}

// Univariate returns the univariate predicates of action in registration
// order.
func (p *Precondition) Univariate(action Action) []UnivariatePredicate {
	ap, ok := p.preds[action.Name()]
	if !ok {
		return nil
	}
	out := make([]UnivariatePredicate, 0, len(ap.univOrder))
	for _, def := range ap.univOrder {
		u := ap.univariate[def]
		allowed := make([]Value, 0, len(u.allowed))
		for _, v := range def.values {
			if u.allowed[v] {
				allowed = append(allowed, v)
			}
		}
		out = append(out, UnivariatePredicate{Definition: def, Allowed: allowed})
	}
	return out
}

// Multivariate returns the multivariate predicates of action in
// registration order.
func (p *Precondition) Multivariate(action Action) []MultivariatePredicate {
	ap, ok := p.preds[action.Name()]
	if !ok {
		return nil
	}
	out := make([]MultivariatePredicate, 0, len(ap.multivariate))
	for _, m := range ap.multivariate {
		tuples := make([]Tuple, len(m.tuples))
		copy(tuples, m.tuples)
		out = append(out, MultivariatePredicate{Class: m.class, Allowed: tuples})
	}
	return out
}

// IsWeakerThan reports whether, for action, every state allowed by other is
// also allowed by p. Both must contain action.
//
// Description:
//
//	Each predicate of p is checked against what other admits on the same
//	variables: its univariate values, or the projection of a multivariate
//	class of other that contains the predicate's class. The check is
//	conservative: other's predicates on unrelated variables are ignored.
func (p *Precondition) IsWeakerThan(other *Precondition, action Action) (bool, error) {
	for _, u := range p.Univariate(action) {
		admitted, err := other.ApplicableValues(action, u.Definition)
		if err != nil {
			return false, err
		}
		allowed := make(map[Value]bool, len(u.Allowed))
		for _, v := range u.Allowed {
			allowed[v] = true
		}
		for _, v := range admitted {
			if !allowed[v] {
				return false, nil
			}
		}
	}
	for _, m := range p.Multivariate(action) {
		admitted, err := other.admittedTuples(action, m.Class)
		if err != nil {
			return false, err
		}
		allowed := make(map[string]bool, len(m.Allowed))
		for _, t := range m.Allowed {
			allowed[t.key] = true
		}
		for _, t := range admitted {
			if !allowed[t.key] {
				return false, nil
			}
		}
	}
	return true, nil
}

// admittedTuples returns the joint assignments of class admitted by action's
// predicates, filtered by univariate sets.
func (p *Precondition) admittedTuples(action Action, class StateVarClass) ([]Tuple, error) {
	units, err := constraintUnits(p, action, class)
	if err != nil {
		return nil, err
	}
	return cartesian(units), nil
}

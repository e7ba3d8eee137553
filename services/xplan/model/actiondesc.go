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

// DiscriminantEffect pairs a discriminant with the probabilistic effect an
// action has under it.
type DiscriminantEffect struct {
	Discriminant Discriminant
	Effect       *ProbabilisticEffect
}

// ActionDescription describes how the actions of one definition update one
// effect class.
//
// Description:
//
//	Two queries are supported: enumerating every (discriminant, effect)
//	pair of an action, used to materialize explicit models, and looking up
//	the effect for one discriminant, used for point evaluation.
//
// Thread Safety: Implementations must be safe for concurrent reads.
type ActionDescription interface {
	// ActionDefinition returns the definition whose actions are described.
	ActionDefinition() *ActionDefinition

	// DiscriminantClass returns the variables that determine the effect.
	DiscriminantClass() *DiscriminantClass

	// EffectClass returns the variables the effect updates.
	EffectClass() *EffectClass

	// ProbabilisticEffects enumerates every discriminant of action with its effect.
	ProbabilisticEffects(action Action) ([]DiscriminantEffect, error)

	// ProbabilisticEffect returns the effect of action under d.
	ProbabilisticEffect(d Discriminant, action Action) (*ProbabilisticEffect, error)
}

// -----------------------------------------------------------------------------
// Formula Action Description
// -----------------------------------------------------------------------------

// EffectFormula computes the probabilistic effect of an action under a
// discriminant in closed form.
type EffectFormula func(d Discriminant, action Action) (*ProbabilisticEffect, error)

// FormulaActionDescription is an ActionDescription given by a formula.
//
// Discriminants are generated on demand from the precondition of the
// action definition (see GenerateDiscriminants).
type FormulaActionDescription struct {
	def     *ActionDefinition
	pre     *Precondition
	dClass  *DiscriminantClass
	eClass  *EffectClass
	formula EffectFormula
}

// NewFormulaActionDescription creates a formula action description.
//
// Inputs:
//   - pre: Precondition of def, used to prune generated discriminants.
//   - dClass: Discriminant class. May be empty.
//   - eClass: Effect class of every effect the formula returns.
//   - formula: Pure function returning a distribution over eClass.
//
// Outputs:
//   - *FormulaActionDescription: The description.
//   - error: ErrInvalidModel if any argument is nil or pre belongs to another
//     definition.
func NewFormulaActionDescription(
	def *ActionDefinition,
	pre *Precondition,
	dClass *DiscriminantClass,
	eClass *EffectClass,
	formula EffectFormula,
) (*FormulaActionDescription, error) {
	if def == nil || pre == nil || dClass == nil || eClass == nil || formula == nil {
		return nil, fmt.Errorf("%w: formula action description needs definition, precondition, classes and formula", ErrInvalidModel)
	}
	if pre.def != def {
		return nil, fmt.Errorf("%w: precondition of %s used for %s", ErrInvalidModel, pre.def.name, def.name)
	}
	return &FormulaActionDescription{def: def, pre: pre, dClass: dClass, eClass: eClass, formula: formula}, nil
}

func (f *FormulaActionDescription) ActionDefinition() *ActionDefinition   { return f.def }
func (f *FormulaActionDescription) DiscriminantClass() *DiscriminantClass { return f.dClass }
func (f *FormulaActionDescription) EffectClass() *EffectClass             { return f.eClass }

// ProbabilisticEffects generates every discriminant of action and evaluates
// the formula on each.
func (f *FormulaActionDescription) ProbabilisticEffects(action Action) ([]DiscriminantEffect, error) {
	ds, err := GenerateDiscriminants(f.pre, action, f.dClass)
	if err != nil {
		return nil, err
	}
	out := make([]DiscriminantEffect, 0, len(ds))
	for _, d := range ds {
		pe, err := f.evaluate(d, action)
		if err != nil {
			return nil, err
		}
		out = append(out, DiscriminantEffect{Discriminant: d, Effect: pe})
	}
	return out, nil
}

// ProbabilisticEffect evaluates the formula on d.
func (f *FormulaActionDescription) ProbabilisticEffect(d Discriminant, action Action) (*ProbabilisticEffect, error) {
	if !f.def.Contains(action) {
		return nil, fmt.Errorf("%w: %s is not in %s", ErrIncompatibleAction, action.Name(), f.def.name)
	}
	if d.class == nil || !d.class.Equal(f.dClass.StateVarClass) {
		return nil, fmt.Errorf("%w: discriminant %s is not of class %s", ErrIncompatibleDiscriminantClass, d, f.dClass)
	}
	return f.evaluate(d, action)
}

func (f *FormulaActionDescription) evaluate(d Discriminant, action Action) (*ProbabilisticEffect, error) {
	pe, err := f.formula(d, action)
	if err != nil {
		return nil, fmt.Errorf("effect of %s under %s: %w", action.Name(), d, err)
	}
	if pe == nil || !pe.class.Equal(f.eClass.StateVarClass) {
		return nil, fmt.Errorf("%w: formula for %s returned a distribution not over %s",
			ErrIncompatibleEffectClass, action.Name(), f.eClass)
	}
	if err := pe.Validate(); err != nil {
		return nil, fmt.Errorf("effect of %s under %s: %w", action.Name(), d, err)
	}
	return pe, nil
}

// -----------------------------------------------------------------------------
// Discriminant Generation
// -----------------------------------------------------------------------------

// GenerateDiscriminants enumerates the discriminants of class that satisfy
// the precondition of action.
//
// Description:
//
//	The class is split into units. Variables covered by a multivariate
//	predicate of the action form one unit whose values are the predicate's
//	tuples projected onto the class and filtered by univariate predicates.
//	Every other variable forms a singleton unit of its applicable values.
//	The result is the Cartesian product of the units, built by peeling one
//	unit at a time. Without multivariate predicates its size is the product
//	of each variable's applicable value count.
//
//	An empty class yields exactly one (empty) discriminant.
//
// Outputs:
//   - []Discriminant: Discriminants in deterministic order.
//   - error: ErrIncompatibleAction if action is not in the precondition's
//     definition.
func GenerateDiscriminants(pre *Precondition, action Action, class *DiscriminantClass) ([]Discriminant, error) {
	units, err := constraintUnits(pre, action, class.StateVarClass)
	if err != nil {
		return nil, err
	}
	tuples := cartesian(units)
	out := make([]Discriminant, len(tuples))
	for i, t := range tuples {
		out[i] = Discriminant{class: class, values: t}
	}
	return out, nil
}

// constraintUnits splits class into independently enumerable units.
func constraintUnits(pre *Precondition, action Action, class StateVarClass) ([][]Tuple, error) {
	if err := pre.checkAction(action); err != nil {
		return nil, err
	}
	var multi []*multivariate
	if ap, ok := pre.preds[action.Name()]; ok {
		multi = ap.multivariate
	}

	covered := make(map[*StateVarDefinition]bool, class.Len())
	units := make([][]Tuple, 0, class.Len())
	for _, def := range class.defs {
		if covered[def] {
			continue
		}
		if m := multivariateContaining(multi, def); m != nil {
			shared := m.class.Intersect(class)
			unit, err := filteredProjection(pre, action, m.tuples, shared)
			if err != nil {
				return nil, err
			}
			for _, d := range shared.defs {
				covered[d] = true
			}
			units = append(units, unit)
			continue
		}
		values, err := pre.ApplicableValues(action, def)
		if err != nil {
			return nil, err
		}
		unit := make([]Tuple, len(values))
		for i, v := range values {
			unit[i] = newSortedTuple([]StateVar{{def: def, value: v}})
		}
		covered[def] = true
		units = append(units, unit)
	}
	return units, nil
}

func multivariateContaining(multi []*multivariate, def *StateVarDefinition) *multivariate {
	for _, m := range multi {
		if m.class.Contains(def) {
			return m
		}
	}
	return nil
}

func filteredProjection(pre *Precondition, action Action, tuples []Tuple, class StateVarClass) ([]Tuple, error) {
	allowed := make(map[*StateVarDefinition]map[Value]bool, class.Len())
	for _, def := range class.defs {
		values, err := pre.ApplicableValues(action, def)
		if err != nil {
			return nil, err
		}
		set := make(map[Value]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		allowed[def] = set
	}
	out := make([]Tuple, 0, len(tuples))
	for _, t := range projectDistinct(tuples, class.defs) {
		ok := true
		for _, v := range t.vars {
			if !allowed[v.def][v.value] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// cartesian returns the product of units, the first unit varying slowest.
// Units must assign disjoint variables.
func cartesian(units [][]Tuple) []Tuple {
	if len(units) == 0 {
		return []Tuple{{}}
	}
	rest := cartesian(units[1:])
	out := make([]Tuple, 0, len(units[0])*len(rest))
	for _, head := range units[0] {
		for _, tail := range rest {
			out = append(out, head.With(tail))
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Tabular Action Description
// -----------------------------------------------------------------------------

type tabularEntry struct {
	order []string
	table map[string]DiscriminantEffect
}

// TabularActionDescription is an ActionDescription given by an explicit
// table of (action, discriminant) → probabilistic effect.
//
// Thread Safety: Not safe for concurrent mutation; read-only use after
// construction is safe.
type TabularActionDescription struct {
	def     *ActionDefinition
	dClass  *DiscriminantClass
	eClass  *EffectClass
	entries map[string]*tabularEntry
}

// NewTabularActionDescription creates an empty table.
func NewTabularActionDescription(def *ActionDefinition, dClass *DiscriminantClass, eClass *EffectClass) *TabularActionDescription {
	return &TabularActionDescription{
		def:     def,
		dClass:  dClass,
		eClass:  eClass,
		entries: make(map[string]*tabularEntry),
	}
}

func (t *TabularActionDescription) ActionDefinition() *ActionDefinition   { return t.def }
func (t *TabularActionDescription) DiscriminantClass() *DiscriminantClass { return t.dClass }
func (t *TabularActionDescription) EffectClass() *EffectClass             { return t.eClass }

// Put sets the effect of action under d.
//
// Outputs:
//   - error: ErrIncompatibleAction, ErrIncompatibleDiscriminantClass or
//     ErrIncompatibleEffectClass if the arguments do not match the table,
//     ErrInvalidDistribution if pe does not sum to 1.
func (t *TabularActionDescription) Put(action Action, d Discriminant, pe *ProbabilisticEffect) error {
	if !t.def.Contains(action) {
		return fmt.Errorf("%w: %s is not in %s", ErrIncompatibleAction, action.Name(), t.def.name)
	}
	if d.class == nil || !d.class.Equal(t.dClass.StateVarClass) {
		return fmt.Errorf("%w: discriminant %s is not of class %s", ErrIncompatibleDiscriminantClass, d, t.dClass)
	}
	if pe == nil || !pe.class.Equal(t.eClass.StateVarClass) {
		return fmt.Errorf("%w: effect for %s is not over %s", ErrIncompatibleEffectClass, action.Name(), t.eClass)
	}
	if err := pe.Validate(); err != nil {
		return fmt.Errorf("effect of %s under %s: %w", action.Name(), d, err)
	}
	entry := t.entry(action)
	if _, exists := entry.table[d.Key()]; !exists {
		entry.order = append(entry.order, d.Key())
	}
	entry.table[d.Key()] = DiscriminantEffect{Discriminant: d, Effect: pe}
	return nil
}

func (t *TabularActionDescription) entry(action Action) *tabularEntry {
	entry, ok := t.entries[action.Name()]
	if !ok {
		entry = &tabularEntry{table: make(map[string]DiscriminantEffect)}
		t.entries[action.Name()] = entry
	}
	return entry
}

// ProbabilisticEffects returns every entry of action in insertion order.
//
// Outputs:
//   - error: ErrIncompatibleAction, or ErrDiscriminantNotFound wrapped in a
//     *LookupError if nothing was ever put for action.
func (t *TabularActionDescription) ProbabilisticEffects(action Action) ([]DiscriminantEffect, error) {
	if !t.def.Contains(action) {
		return nil, fmt.Errorf("%w: %s is not in %s", ErrIncompatibleAction, action.Name(), t.def.name)
	}
	entry, ok := t.entries[action.Name()]
	if !ok {
		return nil, notFound("action", action.Name(), "table over "+t.eClass.String(), ErrDiscriminantNotFound)
	}
	out := make([]DiscriminantEffect, len(entry.order))
	for i, k := range entry.order {
		out[i] = entry.table[k]
	}
	return out, nil
}

// ProbabilisticEffect looks up the effect of action under d.
//
// Outputs:
//   - error: ErrIncompatibleAction, or ErrDiscriminantNotFound wrapped in a
//     *LookupError if the table has no entry.
func (t *TabularActionDescription) ProbabilisticEffect(d Discriminant, action Action) (*ProbabilisticEffect, error) {
	if !t.def.Contains(action) {
		return nil, fmt.Errorf("%w: %s is not in %s", ErrIncompatibleAction, action.Name(), t.def.name)
	}
	if entry, ok := t.entries[action.Name()]; ok {
		if de, ok := entry.table[d.Key()]; ok {
			return de.Effect, nil
		}
	}
	return nil, notFound("discriminant", d.Key(), t.eClass.String()+" of "+action.Name(), ErrDiscriminantNotFound)
}

// -----------------------------------------------------------------------------
// Merge
// -----------------------------------------------------------------------------

// MergeActionDescriptions merges two descriptions of the same action
// definition over disjoint effect classes into one tabular description.
//
// Description:
//
//	For every action and every pair of entries (dA, eA), (dB, eB), the
//	merged discriminant is dA ∪ dB and the merged effect is the product
//	distribution of eA and eB. Pairs whose discriminants assign a shared
//	variable differently describe no reachable source state and are
//	skipped.
//
// Outputs:
//   - *TabularActionDescription: Over the union of both classes.
//   - error: ErrIncompatibleAction if the definitions differ,
//     ErrOverlappingClasses if the effect classes share a variable.
func MergeActionDescriptions(a, b ActionDescription) (*TabularActionDescription, error) {
	def := a.ActionDefinition()
	if b.ActionDefinition() != def {
		return nil, fmt.Errorf("%w: cannot merge descriptions of %s and %s",
			ErrIncompatibleAction, def.name, b.ActionDefinition().name)
	}
	if a.EffectClass().Overlaps(b.EffectClass().StateVarClass) {
		return nil, fmt.Errorf("%w: effect classes %s and %s", ErrOverlappingClasses, a.EffectClass(), b.EffectClass())
	}

	dClass := &DiscriminantClass{StateVarClass: a.DiscriminantClass().Union(b.DiscriminantClass().StateVarClass)}
	eClass := &EffectClass{StateVarClass: a.EffectClass().Union(b.EffectClass().StateVarClass)}
	merged := NewTabularActionDescription(def, dClass, eClass)

	for _, action := range def.actions {
		left, err := a.ProbabilisticEffects(action)
		if err != nil {
			return nil, err
		}
		right, err := b.ProbabilisticEffects(action)
		if err != nil {
			return nil, err
		}
		// Registered even when every pair is inconsistent, so the merged
		// table still describes the action.
		merged.entry(action)
		for _, l := range left {
			for _, r := range right {
				values, err := l.Discriminant.values.Union(r.Discriminant.values)
				if err != nil {
					continue
				}
				pe, err := MergeEffects(l.Effect, r.Effect)
				if err != nil {
					return nil, err
				}
				pe.class = eClass
				for i := range pe.effects {
					pe.effects[i].class = eClass
				}
				if err := merged.Put(action, Discriminant{class: dClass, values: values}, pe); err != nil {
					return nil, err
				}
			}
		}
	}
	return merged, nil
}

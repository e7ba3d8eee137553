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

// -----------------------------------------------------------------------------
// Factored PSO
// -----------------------------------------------------------------------------

// FactoredPSO is a factored probabilistic STRIPS operator: the precondition
// and per-effect-class action descriptions of one action definition.
//
// Description:
//
//	Action descriptions of distinct effect classes are probabilistically
//	independent given the discriminant, so their classes must not overlap.
//	Variables outside every effect class are left unchanged by the
//	actions of the definition.
//
// Thread Safety: Immutable after construction.
type FactoredPSO struct {
	def     *ActionDefinition
	pre     *Precondition
	descs   []ActionDescription
	byClass map[string]ActionDescription
}

// NewFactoredPSO creates a factored PSO.
//
// Inputs:
//   - def: The action definition described.
//   - pre: Its precondition. Nil means always applicable.
//   - descs: One action description per effect class.
//
// Outputs:
//   - *FactoredPSO: The operator.
//   - error: ErrInvalidModel if a part belongs to another definition,
//     ErrOverlappingClasses if two effect classes share a variable.
func NewFactoredPSO(def *ActionDefinition, pre *Precondition, descs ...ActionDescription) (*FactoredPSO, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: factored PSO needs an action definition", ErrInvalidModel)
	}
	if pre == nil {
		pre = NewPrecondition(def)
	}
	if pre.def != def {
		return nil, fmt.Errorf("%w: precondition of %s used for %s", ErrInvalidModel, pre.def.name, def.name)
	}
	pso := &FactoredPSO{def: def, pre: pre, byClass: make(map[string]ActionDescription, len(descs))}
	for _, d := range descs {
		if d.ActionDefinition() != def {
			return nil, fmt.Errorf("%w: description of %s used for %s", ErrInvalidModel, d.ActionDefinition().name, def.name)
		}
		for _, other := range pso.descs {
			if other.EffectClass().Overlaps(d.EffectClass().StateVarClass) {
				return nil, fmt.Errorf("%w: effect classes %s and %s of %s",
					ErrOverlappingClasses, other.EffectClass(), d.EffectClass(), def.name)
			}
		}
		pso.descs = append(pso.descs, d)
		pso.byClass[d.EffectClass().Key()] = d
	}
	return pso, nil
}

// ActionDefinition returns the described definition.
func (p *FactoredPSO) ActionDefinition() *ActionDefinition { return p.def }

// Precondition returns the precondition.
func (p *FactoredPSO) Precondition() *Precondition { return p.pre }

// ActionDescriptions returns the descriptions in registration order.
func (p *FactoredPSO) ActionDescriptions() []ActionDescription {
	out := make([]ActionDescription, len(p.descs))
	copy(out, p.descs)
	return out
}

// EffectClasses returns the effect classes in registration order.
func (p *FactoredPSO) EffectClasses() []*EffectClass {
	out := make([]*EffectClass, len(p.descs))
	for i, d := range p.descs {
		out[i] = d.EffectClass()
	}
	return out
}

// ActionDescription returns the description of class.
//
// Outputs:
//   - error: ErrEffectClassNotFound wrapped in a *LookupError.
func (p *FactoredPSO) ActionDescription(class *EffectClass) (ActionDescription, error) {
	d, ok := p.byClass[class.Key()]
	if !ok {
		return nil, notFound("effect class", class.Key(), "PSO of "+p.def.name, ErrEffectClassNotFound)
	}
	return d, nil
}

// TransitionProbability returns the probability that action moves src to
// dest.
//
// Description:
//
//	Destination variables are partitioned by effect class. For each class
//	the discriminant is read from src and the marginal of dest's projection
//	is taken from that class's probabilistic effect. The marginals are
//	multiplied. Variables outside every effect class must be unchanged,
//	otherwise the probability is 0. Inapplicable actions have probability 0.
//
// Outputs:
//   - float64: The probability.
//   - error: Lookup errors from the action descriptions.
func (p *FactoredPSO) TransitionProbability(src Tuple, action Action, dest Tuple) (float64, error) {
	applicable, err := p.pre.IsApplicable(src, action)
	if err != nil {
		return 0, err
	}
	if !applicable {
		return 0, nil
	}
	updated := StateVarClass{}
	prob := 1.0
	for _, desc := range p.descs {
		dClass := desc.DiscriminantClass()
		dValues := src.ProjectClass(dClass.StateVarClass)
		d, err := DiscriminantFromTuple(dClass, dValues)
		if err != nil {
			return 0, err
		}
		pe, err := desc.ProbabilisticEffect(d, action)
		if err != nil {
			return 0, err
		}
		prob *= pe.Marginal(dest.ProjectClass(desc.EffectClass().StateVarClass))
		updated = updated.Union(desc.EffectClass().StateVarClass)
		if prob == 0 {
			return 0, nil
		}
	}
	for _, v := range src.vars {
		if updated.Contains(v.def) {
			continue
		}
		if got, ok := dest.Get(v.def); !ok || got != v.value {
			return 0, nil
		}
	}
	return prob, nil
}

// -----------------------------------------------------------------------------
// Transition Function
// -----------------------------------------------------------------------------

// TransitionFunction is the set of factored PSOs of an XMDP.
//
// Description:
//
//	The PSO of an action is the one registered for its leaf definition,
//	or, failing that, for the nearest composite ancestor. A composite PSO's
//	precondition must be no stronger than the precondition of any
//	constituent that has its own PSO.
//
// Thread Safety: Immutable after construction.
type TransitionFunction struct {
	psos  []*FactoredPSO
	byDef map[*ActionDefinition]*FactoredPSO
}

// NewTransitionFunction creates a transition function.
//
// Outputs:
//   - *TransitionFunction: The function.
//   - error: ErrDuplicateDefinition if a definition has two PSOs,
//     ErrCompositePrecondition if a composite PSO is stronger than a
//     constituent.
func NewTransitionFunction(psos ...*FactoredPSO) (*TransitionFunction, error) {
	tf := &TransitionFunction{byDef: make(map[*ActionDefinition]*FactoredPSO, len(psos))}
	for _, p := range psos {
		if _, dup := tf.byDef[p.def]; dup {
			return nil, fmt.Errorf("%w: two PSOs for %s", ErrDuplicateDefinition, p.def.name)
		}
		tf.byDef[p.def] = p
		tf.psos = append(tf.psos, p)
	}
	for _, p := range tf.psos {
		if err := tf.checkComposite(p); err != nil {
			return nil, err
		}
	}
	return tf, nil
}

func (tf *TransitionFunction) checkComposite(composite *FactoredPSO) error {
	for _, child := range composite.def.children {
		childPSO, ok := tf.byDef[child]
		if !ok {
			continue
		}
		for _, action := range child.actions {
			weaker, err := composite.pre.IsWeakerThan(childPSO.pre, action)
			if err != nil {
				return err
			}
			if !weaker {
				return fmt.Errorf("%w: %s is stronger than %s for action %s",
					ErrCompositePrecondition, composite.def.name, child.name, action.Name())
			}
		}
	}
	return nil
}

// PSOs returns the PSOs in registration order.
func (tf *TransitionFunction) PSOs() []*FactoredPSO {
	out := make([]*FactoredPSO, len(tf.psos))
	copy(out, tf.psos)
	return out
}

// PSO returns the PSO registered for exactly def.
func (tf *TransitionFunction) PSO(def *ActionDefinition) (*FactoredPSO, error) {
	p, ok := tf.byDef[def]
	if !ok {
		return nil, notFound("action definition", def.name, "transition function", ErrActionDefinitionNotFound)
	}
	return p, nil
}

// PSOFor returns the PSO governing the actions of def, climbing composite
// parents until one is found.
func (tf *TransitionFunction) PSOFor(def *ActionDefinition) (*FactoredPSO, error) {
	for d := def; d != nil; d = d.parent {
		if p, ok := tf.byDef[d]; ok {
			return p, nil
		}
	}
	return nil, notFound("action definition", def.name, "transition function", ErrActionDefinitionNotFound)
}

// EffectClasses returns every effect class of every PSO in registration order.
func (tf *TransitionFunction) EffectClasses() []*EffectClass {
	var out []*EffectClass
	for _, p := range tf.psos {
		out = append(out, p.EffectClasses()...)
	}
	return out
}

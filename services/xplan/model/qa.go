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
	"math"
)

// -----------------------------------------------------------------------------
// Quality Attributes
// -----------------------------------------------------------------------------

// Transition is one step of the process: action taken in Src leading to Dest.
type Transition struct {
	Action Action
	Src    Tuple
	Dest   Tuple
}

// QualityAttribute is a metric accumulated over the steps of a policy.
//
// Value returns the attribute's value for one transition. The value of a
// policy is the expected total (SSP) or long-run average (average cost)
// of the step values.
type QualityAttribute interface {
	Name() string
	Value(t Transition) (float64, error)
}

// QAFunc adapts a function to QualityAttribute.
type QAFunc struct {
	name string
	fn   func(Transition) (float64, error)
}

// NewQAFunc creates a quality attribute from a function.
func NewQAFunc(name string, fn func(Transition) (float64, error)) *QAFunc {
	return &QAFunc{name: name, fn: fn}
}

func (q *QAFunc) Name() string                        { return q.name }
func (q *QAFunc) Value(t Transition) (float64, error) { return q.fn(t) }

// QSpace is the ordered set of quality attributes of an XMDP.
type QSpace struct {
	attrs  []QualityAttribute
	byName map[string]QualityAttribute
}

// NewQSpace creates a quality attribute space.
//
// Outputs:
//   - error: ErrDuplicateDefinition if two attributes share a name,
//     ErrInvalidValue for an empty name.
func NewQSpace(attrs ...QualityAttribute) (*QSpace, error) {
	q := &QSpace{byName: make(map[string]QualityAttribute, len(attrs))}
	for _, a := range attrs {
		if a.Name() == "" {
			return nil, fmt.Errorf("%w: quality attribute name must not be empty", ErrInvalidValue)
		}
		if _, dup := q.byName[a.Name()]; dup {
			return nil, fmt.Errorf("%w: quality attribute %s", ErrDuplicateDefinition, a.Name())
		}
		q.byName[a.Name()] = a
		q.attrs = append(q.attrs, a)
	}
	return q, nil
}

// Attributes returns the attributes in registration order.
func (q *QSpace) Attributes() []QualityAttribute {
	out := make([]QualityAttribute, len(q.attrs))
	copy(out, q.attrs)
	return out
}

// Names returns the attribute names in registration order.
func (q *QSpace) Names() []string {
	out := make([]string, len(q.attrs))
	for i, a := range q.attrs {
		out[i] = a.Name()
	}
	return out
}

// Len returns the number of attributes.
func (q *QSpace) Len() int { return len(q.attrs) }

// Lookup returns the attribute with the given name.
func (q *QSpace) Lookup(name string) (QualityAttribute, error) {
	a, ok := q.byName[name]
	if !ok {
		return nil, notFound("quality attribute", name, "QSpace", ErrAttributeNotFound)
	}
	return a, nil
}

// -----------------------------------------------------------------------------
// Cost Functions
// -----------------------------------------------------------------------------

// AttributeCostFunction maps a quality attribute value to a cost:
// cost(v) = Intercept + Slope*v.
//
// A positive slope means lower attribute values are better.
type AttributeCostFunction struct {
	attr      QualityAttribute
	intercept float64
	slope     float64
}

// NewAttributeCostFunction creates a linear attribute cost function.
//
// Outputs:
//   - error: ErrInvalidValue if slope is 0 or a coefficient is not finite.
func NewAttributeCostFunction(attr QualityAttribute, intercept, slope float64) (*AttributeCostFunction, error) {
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) || math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return nil, fmt.Errorf("%w: cost function of %s needs finite intercept and non-zero slope", ErrInvalidValue, attr.Name())
	}
	return &AttributeCostFunction{attr: attr, intercept: intercept, slope: slope}, nil
}

// Attribute returns the attribute.
func (f *AttributeCostFunction) Attribute() QualityAttribute { return f.attr }

// Intercept returns the constant term.
func (f *AttributeCostFunction) Intercept() float64 { return f.intercept }

// Slope returns the linear coefficient.
func (f *AttributeCostFunction) Slope() float64 { return f.slope }

// Cost returns Intercept + Slope*v.
func (f *AttributeCostFunction) Cost(v float64) float64 { return f.intercept + f.slope*v }

// Inverse returns the attribute value whose cost is c.
func (f *AttributeCostFunction) Inverse(c float64) float64 { return (c - f.intercept) / f.slope }

// CostTerm is one attribute cost function with its scaling constant.
type CostTerm struct {
	Func    *AttributeCostFunction
	Scaling float64
}

// CostFunction is the scalarized objective: a weighted sum of attribute
// cost functions.
//
// Thread Safety: Immutable; WithScaling returns a modified copy.
type CostFunction struct {
	terms  []CostTerm
	byName map[string]int
}

// NewCostFunction creates a cost function.
//
// Outputs:
//   - error: ErrDuplicateDefinition if an attribute appears twice,
//     ErrInvalidValue for a negative or non-finite scaling constant.
func NewCostFunction(terms ...CostTerm) (*CostFunction, error) {
	cf := &CostFunction{byName: make(map[string]int, len(terms))}
	for _, t := range terms {
		if t.Func == nil {
			return nil, fmt.Errorf("%w: nil attribute cost function", ErrInvalidValue)
		}
		name := t.Func.attr.Name()
		if t.Scaling < 0 || math.IsNaN(t.Scaling) || math.IsInf(t.Scaling, 0) {
			return nil, fmt.Errorf("%w: scaling constant %g for %s", ErrInvalidValue, t.Scaling, name)
		}
		if _, dup := cf.byName[name]; dup {
			return nil, fmt.Errorf("%w: attribute %s in cost function", ErrDuplicateDefinition, name)
		}
		cf.byName[name] = len(cf.terms)
		cf.terms = append(cf.terms, t)
	}
	return cf, nil
}

// Terms returns the terms in registration order.
func (cf *CostFunction) Terms() []CostTerm {
	out := make([]CostTerm, len(cf.terms))
	copy(out, cf.terms)
	return out
}

// Term returns the term of the named attribute.
func (cf *CostFunction) Term(name string) (CostTerm, error) {
	i, ok := cf.byName[name]
	if !ok {
		return CostTerm{}, notFound("quality attribute", name, "cost function", ErrAttributeNotFound)
	}
	return cf.terms[i], nil
}

// StepCost returns Σ k·slope·v over the given per-step attribute values.
//
// Intercepts are constant over policies and are left out of the step cost;
// TotalCost adds them back. Attributes missing from values contribute 0.
func (cf *CostFunction) StepCost(values map[string]float64) float64 {
	sum := 0.0
	for _, t := range cf.terms {
		sum += t.Scaling * t.Func.slope * values[t.Func.attr.Name()]
	}
	return sum
}

// TotalCost returns Σ k·(intercept + slope·V) over policy attribute values.
//
// Outputs:
//   - error: ErrAttributeNotFound if a term's attribute has no value.
func (cf *CostFunction) TotalCost(values map[string]float64) (float64, error) {
	sum := 0.0
	for _, t := range cf.terms {
		v, ok := values[t.Func.attr.Name()]
		if !ok {
			return 0, notFound("quality attribute", t.Func.attr.Name(), "policy values", ErrAttributeNotFound)
		}
		sum += t.Scaling * t.Func.Cost(v)
	}
	return sum, nil
}

// ScaledCost returns k·(intercept + slope·v) for the named attribute.
func (cf *CostFunction) ScaledCost(name string, v float64) (float64, error) {
	t, err := cf.Term(name)
	if err != nil {
		return 0, err
	}
	return t.Scaling * t.Func.Cost(v), nil
}

// WithScaling returns a copy with the scaling constant of name replaced.
func (cf *CostFunction) WithScaling(name string, scaling float64) (*CostFunction, error) {
	i, ok := cf.byName[name]
	if !ok {
		return nil, notFound("quality attribute", name, "cost function", ErrAttributeNotFound)
	}
	terms := cf.Terms()
	terms[i].Scaling = scaling
	return NewCostFunction(terms...)
}

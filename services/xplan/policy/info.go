// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// Evaluator computes the expected quality attribute values of a policy.
type Evaluator interface {
	Evaluate(ctx context.Context, p *Policy, attributes []string) (map[string]float64, error)
}

// Info is a solved policy with its quality attribute values, the scaled
// cost of each attribute and the objective cost, all under one cost
// function.
//
// Description:
//
//	Values are computed once by NewInfo and never recomputed. The
//	objective cost is Σ k·(intercept + slope·V) over the cost function's
//	terms, so it is comparable across policies solved under different
//	(demoted) objectives.
//
// Thread Safety: Immutable.
type Info struct {
	xmdp      *model.XMDP
	policy    *Policy
	cost      *model.CostFunction
	values    map[string]float64
	scaled    map[string]float64
	objective float64
}

// NewInfo evaluates p.
//
// Inputs:
//   - ctx: Passed to eval.
//   - x: The model p was solved for.
//   - cost: The cost function. Nil uses x.Cost().
//   - p: The policy.
//   - eval: Computes the attribute values.
//
// Outputs:
//   - *Info: The evaluated policy.
//   - error: Evaluator errors, or ErrAttributeNotFound if eval omits an
//     attribute of the quality attribute space.
func NewInfo(ctx context.Context, x *model.XMDP, cost *model.CostFunction, p *Policy, eval Evaluator) (*Info, error) {
	if cost == nil {
		cost = x.Cost()
	}
	names := x.QSpace().Names()
	values, err := eval.Evaluate(ctx, p, names)
	if err != nil {
		return nil, fmt.Errorf("evaluating policy: %w", err)
	}
	info := &Info{
		xmdp:   x,
		policy: p,
		cost:   cost,
		values: make(map[string]float64, len(names)),
		scaled: make(map[string]float64, len(names)),
	}
	for _, name := range names {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no value", model.ErrAttributeNotFound, name)
		}
		info.values[name] = v
	}
	for _, t := range cost.Terms() {
		name := t.Func.Attribute().Name()
		if info.scaled[name], err = cost.ScaledCost(name, info.values[name]); err != nil {
			return nil, err
		}
	}
	if info.objective, err = cost.TotalCost(info.values); err != nil {
		return nil, err
	}
	return info, nil
}

// XMDP returns the model.
func (i *Info) XMDP() *model.XMDP { return i.xmdp }

// Policy returns the policy.
func (i *Info) Policy() *Policy { return i.policy }

// CostFunction returns the cost function the costs are computed under.
func (i *Info) CostFunction() *model.CostFunction { return i.cost }

// ObjectiveCost returns the scalarized cost of the policy.
func (i *Info) ObjectiveCost() float64 { return i.objective }

// QAValue returns the expected value of the named attribute.
func (i *Info) QAValue(name string) (float64, error) {
	v, ok := i.values[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrAttributeNotFound, name)
	}
	return v, nil
}

// ScaledCost returns k·(intercept + slope·V) of the named attribute.
func (i *Info) ScaledCost(name string) (float64, error) {
	v, ok := i.scaled[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is not in the cost function", model.ErrAttributeNotFound, name)
	}
	return v, nil
}

// QAValues returns a copy of all attribute values.
func (i *Info) QAValues() map[string]float64 {
	out := make(map[string]float64, len(i.values))
	for k, v := range i.values {
		out[k] = v
	}
	return out
}

// Attributes returns the attribute names in sorted order.
func (i *Info) Attributes() []string {
	out := make([]string, 0, len(i.values))
	for k := range i.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

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
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
)

// ErrNotEvaluable indicates a policy the evaluator cannot handle.
var ErrNotEvaluable = errors.New("policy not evaluable")

// -----------------------------------------------------------------------------
// MeasureEvaluator
// -----------------------------------------------------------------------------

// MeasureEvaluator reads attribute values from the occupancy measure of
// the solve that produced the policy.
type MeasureEvaluator struct {
	Model  *compile.ExplicitModel
	Result *lp.Result
}

// Evaluate implements Evaluator.
func (e MeasureEvaluator) Evaluate(_ context.Context, _ *Policy, attributes []string) (map[string]float64, error) {
	if e.Result == nil || !e.Result.Feasible {
		return nil, ErrNoPolicy
	}
	out := make(map[string]float64, len(attributes))
	for _, name := range attributes {
		slot, err := e.Model.QASlot(name)
		if err != nil {
			return nil, err
		}
		out[name] = e.Result.Values[slot]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// ChainEvaluator
// -----------------------------------------------------------------------------

// ChainEvaluator computes expected total attribute values to the goal on
// the Markov chain a policy induces on an explicit model.
//
// Description:
//
//	For the set T of non-goal states reachable from the initial state,
//	solves (I - P_T) v = c_T, where P_T is the policy's transition matrix
//	restricted to T and c_T the expected step value of the attribute.
//	If some state of T cannot reach a goal, every value is +Inf.
//
// Thread Safety: Safe for concurrent use.
type ChainEvaluator struct {
	Model *compile.ExplicitModel
}

// Evaluate implements Evaluator.
//
// Outputs:
//   - error: ErrNotEvaluable without goal states or for an ill-conditioned
//     chain, ErrIncompletePolicy if a reachable non-goal state has no
//     decision.
func (e ChainEvaluator) Evaluate(ctx context.Context, p *Policy, attributes []string) (map[string]float64, error) {
	em := e.Model
	if len(em.Goals()) == 0 {
		return nil, fmt.Errorf("%w: model has no goal states", ErrNotEvaluable)
	}
	actions, err := p.ExplicitActions(em)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(attributes))
	if em.IsGoal(em.Initial()) {
		for _, name := range attributes {
			out[name] = 0
		}
		return out, nil
	}

	transient, index, err := reachable(em, actions)
	if err != nil {
		return nil, err
	}
	if !allReachGoal(em, actions, transient, index) {
		for _, name := range attributes {
			out[name] = math.Inf(1)
		}
		return out, nil
	}

	n := len(transient)
	a := mat.NewDense(n, n, nil)
	for r, i := range transient {
		a.Set(r, r, a.At(r, r)+1)
		c, _ := em.Choice(i, actions[i])
		for _, o := range c.Outcomes {
			if col, ok := index[o.State]; ok {
				a.Set(r, col, a.At(r, col)-o.Prob)
			}
		}
	}
	var lu mat.LU
	lu.Factorize(a)

	start := index[em.Initial()]
	for _, name := range attributes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slot, err := em.QASlot(name)
		if err != nil {
			return nil, err
		}
		b := mat.NewVecDense(n, nil)
		for r, i := range transient {
			c, _ := em.Choice(i, actions[i])
			b.SetVec(r, c.Costs[slot])
		}
		var v mat.VecDense
		if err := lu.SolveVecTo(&v, false, b); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotEvaluable, name, err)
		}
		out[name] = v.AtVec(start)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// CrossCheckEvaluator
// -----------------------------------------------------------------------------

// DefaultCrossCheckTolerance bounds the relative disagreement accepted by
// CrossCheckEvaluator when Tolerance is zero.
const DefaultCrossCheckTolerance = 1e-6

// CrossCheckEvaluator evaluates with Primary and verifies the result on the
// policy's induced chain.
//
// Description:
//
//	Values that differ from the chain's by more than Tolerance relative to
//	max(1, |chain|) are replaced by the chain's value and logged. If
//	Primary fails, the chain's values are returned instead. If the chain
//	cannot be evaluated (no goals, ill-conditioned), Primary's values are
//	returned unchecked.
//
// Thread Safety: Safe for concurrent use if Primary is.
type CrossCheckEvaluator struct {
	Primary   Evaluator
	Chain     ChainEvaluator
	Tolerance float64
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Evaluate implements Evaluator.
func (e CrossCheckEvaluator) Evaluate(ctx context.Context, p *Policy, attributes []string) (map[string]float64, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tol := e.Tolerance
	if tol <= 0 {
		tol = DefaultCrossCheckTolerance
	}

	values, err := e.Primary.Evaluate(ctx, p, attributes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		chain, chainErr := e.Chain.Evaluate(ctx, p, attributes)
		if chainErr != nil {
			return nil, err
		}
		logger.Warn("policy evaluation failed, using the induced chain",
			slog.Int("decisions", p.Len()),
			slog.String("error", err.Error()))
		return chain, nil
	}

	chain, err := e.Chain.Evaluate(ctx, p, attributes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Debug("chain cross-check skipped", slog.String("error", err.Error()))
		return values, nil
	}
	for _, name := range attributes {
		want := chain[name]
		got, ok := values[name]
		if ok && math.Abs(got-want) <= tol*math.Max(1, math.Abs(want)) {
			continue
		}
		logger.Warn("policy evaluation disagrees with its induced chain",
			slog.String("attribute", name),
			slog.Float64("evaluated", got),
			slog.Float64("chain", want))
		values[name] = want
	}
	return values, nil
}

// reachable returns the non-goal states reachable from the initial state
// under actions, in discovery order, with their positions.
func reachable(em *compile.ExplicitModel, actions []int) ([]int, map[int]int, error) {
	index := map[int]int{em.Initial(): 0}
	transient := []int{em.Initial()}
	for q := 0; q < len(transient); q++ {
		i := transient[q]
		if actions[i] == lp.NoAction {
			return nil, nil, fmt.Errorf("%w: no decision in %s", ErrIncompletePolicy, em.StateLabel(i))
		}
		c, _ := em.Choice(i, actions[i])
		for _, o := range c.Outcomes {
			if _, seen := index[o.State]; seen || em.IsGoal(o.State) {
				continue
			}
			index[o.State] = len(transient)
			transient = append(transient, o.State)
		}
	}
	return transient, index, nil
}

// allReachGoal reports whether every transient state reaches a goal with
// positive probability.
func allReachGoal(em *compile.ExplicitModel, actions []int, transient []int, index map[int]int) bool {
	reaches := make([]bool, len(transient))
	for changed := true; changed; {
		changed = false
		for r, i := range transient {
			if reaches[r] {
				continue
			}
			c, _ := em.Choice(i, actions[i])
			for _, o := range c.Outcomes {
				if em.IsGoal(o.State) || reaches[index[o.State]] {
					reaches[r] = true
					changed = true
					break
				}
			}
		}
	}
	for _, ok := range reaches {
		if !ok {
			return false
		}
	}
	return true
}

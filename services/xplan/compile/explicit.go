// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"fmt"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/explicit"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// ObjectiveSlot is the cost slot holding the scalarized objective step cost.
// Slots 1..K hold the expected step values of the quality attributes in
// QSpace order.
const ObjectiveSlot = 0

// ObjectiveCostName names the objective cost slot.
const ObjectiveCostName = "objective"

// Enumeration selects which states the explicit model contains.
type Enumeration int

const (
	// EnumerateAll enumerates the full Cartesian state space.
	EnumerateAll Enumeration = iota

	// EnumerateReachable enumerates states reachable from the initial state.
	EnumerateReachable
)

func (e Enumeration) String() string {
	switch e {
	case EnumerateAll:
		return "all"
	case EnumerateReachable:
		return "reachable"
	default:
		return fmt.Sprintf("Enumeration(%d)", int(e))
	}
}

// Options configures BuildExplicitModel.
type Options struct {
	Enumeration Enumeration

	// AbsorbingGoals removes every choice from goal states. Required for
	// total-cost solving; average-cost models keep goal actions.
	AbsorbingGoals bool

	// ComputeOffset is added to the objective cost of every choice so that
	// cycles outside goal states have strictly positive cost.
	ComputeOffset float64
}

// DefaultOptions enumerates every state and makes goals absorbing.
func DefaultOptions() Options {
	return Options{Enumeration: EnumerateAll, AbsorbingGoals: true}
}

// ExplicitModel is an enumerated MDP together with the factored states and
// actions its indices stand for.
type ExplicitModel struct {
	*explicit.Model

	// States maps state index to full state.
	States []model.Tuple

	// Actions maps action index to action.
	Actions []model.Action

	// QANames lists the quality attributes of slots 1..K.
	QANames []string

	Flat    *FlatModel
	Options Options
}

// QASlot returns the cost slot of the named quality attribute.
func (em *ExplicitModel) QASlot(name string) (int, error) {
	k, ok := em.CostIndex(name)
	if !ok || k == ObjectiveSlot {
		return 0, fmt.Errorf("quality attribute %q: %w", name, model.ErrAttributeNotFound)
	}
	return k, nil
}

// BuildExplicitModel enumerates the synchronous product of fm's modules.
//
// Description:
//
//	For each enumerated state and each applicable action, every module
//	that synchronizes on the action contributes the updates of the one
//	command whose guard matches the state; the other modules keep their
//	values. Update probabilities of different modules multiply. Cost slot
//	0 is objective's step cost plus opts.ComputeOffset; slots 1..K are the
//	expected per-step quality attribute values.
//
// Inputs:
//   - fm: The flat model.
//   - objective: Scalarized cost function for slot 0. Nil uses the XMDP's.
//   - opts: Enumeration and goal handling.
//
// Outputs:
//   - *ExplicitModel: The enumerated model.
//   - error: A *CompileError wrapping ErrMissingCommand, quality attribute
//     errors, or model lookup errors.
func BuildExplicitModel(fm *FlatModel, objective *model.CostFunction, opts Options) (*ExplicitModel, error) {
	if fm == nil || fm.XMDP == nil {
		return nil, stageError("explicit", "", ErrNilModel)
	}
	x := fm.XMDP
	if objective == nil {
		objective = x.Cost()
	}
	attrs := x.QSpace().Attributes()
	em := &ExplicitModel{Actions: x.Actions().Actions(), QANames: x.QSpace().Names(), Flat: fm, Options: opts}

	b := explicit.NewBuilder(append([]string{ObjectiveCostName}, em.QANames...)...)
	for _, a := range em.Actions {
		if _, err := b.AddAction(a.Name()); err != nil {
			return nil, stageError("explicit", a.Name(), err)
		}
	}

	addState := func(s model.Tuple) (int, error) {
		i, err := b.AddState(s.Key())
		if err != nil {
			return 0, err
		}
		em.States = append(em.States, s)
		return i, nil
	}

	if opts.Enumeration == EnumerateAll {
		for _, s := range x.States().Enumerate() {
			if _, err := addState(s); err != nil {
				return nil, stageError("explicit", s.String(), err)
			}
		}
	} else if _, err := addState(x.Initial()); err != nil {
		return nil, stageError("explicit", x.Initial().String(), err)
	}

	initial, ok := b.StateIndex(x.Initial().Key())
	if !ok {
		return nil, stageError("explicit", x.Initial().String(), ErrStateNotEnumerated)
	}
	if err := b.SetInitial(initial); err != nil {
		return nil, stageError("explicit", "", err)
	}

	for i := 0; i < b.NumStates(); i++ {
		s := em.States[i]
		if x.IsGoal(s) {
			if err := b.MarkGoal(i); err != nil {
				return nil, stageError("explicit", s.String(), err)
			}
			if opts.AbsorbingGoals {
				continue
			}
		}
		for a, action := range em.Actions {
			applicable, err := x.IsApplicable(s, action)
			if err != nil {
				return nil, stageError("explicit", s.String(), err)
			}
			if !applicable {
				continue
			}
			dist, err := fm.Successors(s, action)
			if err != nil {
				return nil, stageError("explicit", s.String()+" "+action.Name(), err)
			}

			outcomes := make([]explicit.Outcome, 0, len(dist))
			costs := make([]float64, 1+len(attrs))
			values := make(map[string]float64, len(attrs))
			for _, o := range dist {
				j, ok := b.StateIndex(o.State.Key())
				if !ok {
					if opts.Enumeration == EnumerateAll {
						return nil, stageError("explicit", o.State.String(), ErrStateNotEnumerated)
					}
					if j, err = addState(o.State); err != nil {
						return nil, stageError("explicit", o.State.String(), err)
					}
				}
				outcomes = append(outcomes, explicit.Outcome{State: j, Prob: o.Prob})
				for k, qa := range attrs {
					v, err := qa.Value(model.Transition{Action: action, Src: s, Dest: o.State})
					if err != nil {
						return nil, stageError("explicit", qa.Name(), err)
					}
					costs[1+k] += o.Prob * v
				}
			}
			for k, qa := range attrs {
				values[qa.Name()] = costs[1+k]
			}
			costs[ObjectiveSlot] = objective.StepCost(values) + opts.ComputeOffset
			if err := b.AddChoice(i, a, outcomes, costs); err != nil {
				return nil, stageError("explicit", s.String(), err)
			}
		}
	}

	m, err := b.Build()
	if err != nil {
		return nil, stageError("explicit", "", err)
	}
	em.Model = m
	return em, nil
}

// WithObjective returns a copy of em whose objective slot is recomputed
// from cf and offset. The transition structure is shared.
func (em *ExplicitModel) WithObjective(cf *model.CostFunction, offset float64) (*ExplicitModel, error) {
	m, err := em.Model.WithCosts(ObjectiveSlot, func(_ int, c explicit.Choice) float64 {
		values := make(map[string]float64, len(em.QANames))
		for k, name := range em.QANames {
			values[name] = c.Costs[1+k]
		}
		return cf.StepCost(values) + offset
	})
	if err != nil {
		return nil, stageError("explicit", ObjectiveCostName, err)
	}
	cp := *em
	cp.Model = m
	cp.Options.ComputeOffset = offset
	return &cp, nil
}

// WeightedOutcome is a successor state with its probability.
type WeightedOutcome struct {
	State model.Tuple
	Prob  float64
}

// Successors returns the distribution over successor states when action
// is taken in state, as the synchronous product of the modules.
//
// Outputs:
//   - []WeightedOutcome: Distinct successors in deterministic order.
//   - error: ErrMissingCommand if a synchronizing module has no command
//     whose guard matches state.
func (fm *FlatModel) Successors(state model.Tuple, action model.Action) ([]WeightedOutcome, error) {
	dist := []WeightedOutcome{{State: state, Prob: 1}}
	for _, mod := range fm.Modules {
		if !mod.Synchronizes(action) {
			continue
		}
		cmd, ok := matchingCommand(mod, state, action)
		if !ok {
			return nil, fmt.Errorf("%w: %s in module %s at %s", ErrMissingCommand, action.Name(), mod.Name, state)
		}
		next := make([]WeightedOutcome, 0, len(dist)*len(cmd.Updates))
		for _, o := range dist {
			for _, u := range cmd.Updates {
				next = append(next, WeightedOutcome{State: o.State.With(u.Assign), Prob: o.Prob * u.Prob})
			}
		}
		dist = next
	}

	index := make(map[string]int, len(dist))
	merged := make([]WeightedOutcome, 0, len(dist))
	for _, o := range dist {
		if i, ok := index[o.State.Key()]; ok {
			merged[i].Prob += o.Prob
			continue
		}
		index[o.State.Key()] = len(merged)
		merged = append(merged, o)
	}
	return merged, nil
}

func matchingCommand(mod *Module, state model.Tuple, action model.Action) (Command, bool) {
	for _, cmd := range mod.CommandsFor(action) {
		if state.Matches(cmd.Guard) {
			return cmd, true
		}
	}
	return Command{}, false
}

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

	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// UnmodifiedModuleName names the module of variables no action updates.
const UnmodifiedModuleName = "unmodified"

// Update is one probabilistic branch of a command.
type Update struct {
	Prob float64
	// Assign holds the new values of the module variables that change.
	Assign model.Tuple
}

// Command is a guarded probabilistic update of one module for one action.
type Command struct {
	Action model.Action
	// Guard is the discriminant the source state must match.
	Guard   model.Tuple
	Updates []Update
}

// Module is the unit of state of one chain: its variables and every
// command that updates them.
type Module struct {
	Name     string
	Vars     model.StateVarClass
	Commands []Command
	byAction map[string][]int
	// syncs holds the actions governed by a PSO linked to the module's
	// chain, whether or not they produced commands.
	syncs     map[string]bool
	syncOrder []model.Action
}

func newModule(name string, vars model.StateVarClass) *Module {
	return &Module{Name: name, Vars: vars, byAction: make(map[string][]int), syncs: make(map[string]bool)}
}

func (m *Module) add(cmd Command) {
	m.byAction[cmd.Action.Name()] = append(m.byAction[cmd.Action.Name()], len(m.Commands))
	m.Commands = append(m.Commands, cmd)
}

func (m *Module) synchronize(a model.Action) {
	if !m.syncs[a.Name()] {
		m.syncs[a.Name()] = true
		m.syncOrder = append(m.syncOrder, a)
	}
}

// SyncActions returns the actions the module synchronizes on, in the
// order of the PSOs of its chain.
func (m *Module) SyncActions() []model.Action {
	return m.syncOrder
}

// CommandsFor returns the commands of action.
func (m *Module) CommandsFor(action model.Action) []Command {
	idx := m.byAction[action.Name()]
	out := make([]Command, len(idx))
	for i, j := range idx {
		out[i] = m.Commands[j]
	}
	return out
}

// Synchronizes reports whether the module takes part in action: the PSO
// governing action has an effect class in the module's chain. A
// synchronizing module without a command for the source state is an
// error, never an implicit self-loop.
func (m *Module) Synchronizes(action model.Action) bool {
	return m.syncs[action.Name()]
}

// FlatModel is the modular, non-factored form of an XMDP.
//
// Description:
//
//	Each chain becomes one module. A module synchronizes on the actions
//	whose PSO has an effect class in its chain; for the other actions it
//	keeps its variables unchanged. Variables no action updates are
//	collected in the Unmodified module, which has no commands.
type FlatModel struct {
	XMDP       *model.XMDP
	Chains     []Chain
	Modules    []*Module
	Unmodified *Module
}

// Flatten compiles x into modules.
//
// Description:
//
//	For every chain and every PSO with effect classes in the chain, the
//	action descriptions of those classes are merged into one tabular
//	description. One command is emitted per (discriminant, action) of the
//	merged description, for each action whose governing PSO is that PSO.
//
// Outputs:
//   - *FlatModel: The modules.
//   - error: A *CompileError wrapping chain or model lookup errors.
func Flatten(x *model.XMDP) (*FlatModel, error) {
	if x == nil {
		return nil, stageError("flatten", "", ErrNilModel)
	}
	chains, err := Chains(x.Transitions())
	if err != nil {
		return nil, stageError("chains", "", err)
	}

	governed := make(map[*model.FactoredPSO][]model.Action)
	for _, a := range x.Actions().Actions() {
		pso, err := x.PSOFor(a)
		if err != nil {
			return nil, stageError("flatten", a.Name(), err)
		}
		governed[pso] = append(governed[pso], a)
	}

	fm := &FlatModel{XMDP: x, Chains: chains}
	updated := model.StateVarClass{}
	for i, chain := range chains {
		mod := newModule(fmt.Sprintf("chain%d", i), chain.Vars())
		for _, pso := range chain.PSOs() {
			desc, err := mergedDescription(pso, chain.LinksOf(pso))
			if err != nil {
				return nil, stageError("flatten", mod.Name, err)
			}
			for _, a := range governed[pso] {
				mod.synchronize(a)
				if err := addCommands(mod, desc, a); err != nil {
					return nil, stageError("flatten", mod.Name, err)
				}
			}
		}
		fm.Modules = append(fm.Modules, mod)
		updated = updated.Union(chain.Vars())
	}

	var untouched []*model.StateVarDefinition
	for _, d := range x.States().Definitions() {
		if !updated.Contains(d) {
			untouched = append(untouched, d)
		}
	}
	if len(untouched) > 0 {
		vars, err := model.NewStateVarClass(untouched...)
		if err != nil {
			return nil, stageError("flatten", UnmodifiedModuleName, err)
		}
		fm.Unmodified = newModule(UnmodifiedModuleName, vars)
	}
	return fm, nil
}

func mergedDescription(pso *model.FactoredPSO, links []ChainLink) (model.ActionDescription, error) {
	desc, err := pso.ActionDescription(links[0].Class)
	if err != nil {
		return nil, err
	}
	for _, l := range links[1:] {
		next, err := pso.ActionDescription(l.Class)
		if err != nil {
			return nil, err
		}
		if desc, err = model.MergeActionDescriptions(desc, next); err != nil {
			return nil, err
		}
	}
	return desc, nil
}

func addCommands(mod *Module, desc model.ActionDescription, a model.Action) error {
	pairs, err := desc.ProbabilisticEffects(a)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		cmd := Command{Action: a, Guard: p.Discriminant.Values()}
		p.Effect.Each(func(e model.Effect, prob float64) {
			cmd.Updates = append(cmd.Updates, Update{Prob: prob, Assign: e.Values()})
		})
		mod.add(cmd)
	}
	return nil
}

// AllModules returns the chain modules followed by the unmodified module,
// if any.
func (fm *FlatModel) AllModules() []*Module {
	out := make([]*Module, 0, len(fm.Modules)+1)
	out = append(out, fm.Modules...)
	if fm.Unmodified != nil {
		out = append(out, fm.Unmodified)
	}
	return out
}

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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// GoalLabel is the PRISM label of goal states.
const GoalLabel = "goal"

// AvailabilityModuleName names the module that encodes preconditions.
const AvailabilityModuleName = "availability"

// Identifier turns a model name into a PRISM identifier.
func Identifier(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// WritePRISM renders em as a PRISM MDP.
//
// Description:
//
//	Variables are encoded by their domain index. One module is written per
//	chain, plus the unmodified module and an availability module whose
//	commands carry each action's precondition (and exclude goal states
//	when goals are absorbing). The goal is exported as the label "goal".
//	Each cost slot becomes one reward structure with one item per
//	enumerated (state, action) of em.
func WritePRISM(w io.Writer, em *ExplicitModel) error {
	if em == nil || em.Flat == nil {
		return stageError("prism", "", ErrNilModel)
	}
	pw := &prismWriter{w: bufio.NewWriter(w)}
	x := em.Flat.XMDP

	pw.line("mdp")
	pw.line("")
	for _, mod := range em.Flat.AllModules() {
		pw.module(mod, x.Initial())
	}
	if err := pw.availability(em); err != nil {
		return stageError("prism", AvailabilityModuleName, err)
	}
	if goal, ok := x.Goal(); ok {
		pw.line(fmt.Sprintf("label %q = %s;", GoalLabel, conjunction(goal)))
		pw.line("")
	}
	for k, name := range em.CostNames() {
		pw.rewards(em, k, name)
	}
	if pw.err != nil {
		return stageError("prism", "", pw.err)
	}
	if err := pw.w.Flush(); err != nil {
		return stageError("prism", "", err)
	}
	return nil
}

type prismWriter struct {
	w   *bufio.Writer
	err error
}

func (p *prismWriter) line(s string) {
	if p.err != nil {
		return
	}
	_, p.err = p.w.WriteString(s + "\n")
}

func (p *prismWriter) module(mod *Module, initial model.Tuple) {
	p.line("module " + Identifier(mod.Name))
	for _, d := range mod.Vars.Definitions() {
		v, _ := initial.Get(d)
		idx, _ := d.IndexOf(v)
		p.line(fmt.Sprintf("  %s : [0..%d] init %d; // %s", Identifier(d.Name()), d.Size()-1, idx, domainComment(d)))
	}
	for _, cmd := range mod.Commands {
		updates := make([]string, len(cmd.Updates))
		for i, u := range cmd.Updates {
			updates[i] = strconv.FormatFloat(u.Prob, 'g', -1, 64) + ":" + assignment(u.Assign)
		}
		p.line(fmt.Sprintf("  [%s] %s -> %s;", Identifier(cmd.Action.Name()), conjunction(cmd.Guard), strings.Join(updates, " + ")))
	}
	for _, a := range mod.SyncActions() {
		if len(mod.byAction[a.Name()]) == 0 {
			// Keeps the action in the module's alphabet so it blocks.
			p.line(fmt.Sprintf("  [%s] false -> true;", Identifier(a.Name())))
		}
	}
	p.line("endmodule")
	p.line("")
}

func (p *prismWriter) availability(em *ExplicitModel) error {
	x := em.Flat.XMDP
	p.line("module " + AvailabilityModuleName)
	p.line("  " + AvailabilityModuleName + "_dummy : bool init false;")
	goal, hasGoal := x.Goal()
	for _, a := range em.Actions {
		pso, err := x.PSOFor(a)
		if err != nil {
			return err
		}
		guards := preconditionGuards(pso.Precondition(), a)
		if hasGoal && em.Options.AbsorbingGoals {
			guards = append(guards, "!("+conjunction(goal)+")")
		}
		guard := "true"
		if len(guards) > 0 {
			guard = strings.Join(guards, " & ")
		}
		p.line(fmt.Sprintf("  [%s] %s -> true;", Identifier(a.Name()), guard))
	}
	p.line("endmodule")
	p.line("")
	return nil
}

func (p *prismWriter) rewards(em *ExplicitModel, k int, name string) {
	p.line(fmt.Sprintf("rewards %q", Identifier(name)))
	for i := 0; i < em.NumStates(); i++ {
		for _, c := range em.Choices(i) {
			if c.Costs[k] == 0 {
				continue
			}
			p.line(fmt.Sprintf("  [%s] %s : %s;",
				Identifier(em.ActionName(c.Action)), conjunction(em.States[i]), strconv.FormatFloat(c.Costs[k], 'g', -1, 64)))
		}
	}
	p.line("endrewards")
	p.line("")
}

func preconditionGuards(pre *model.Precondition, a model.Action) []string {
	var guards []string
	for _, u := range pre.Univariate(a) {
		alts := make([]string, len(u.Allowed))
		for i, v := range u.Allowed {
			alts[i] = equals(u.Definition, v)
		}
		guards = append(guards, "("+strings.Join(alts, " | ")+")")
	}
	for _, m := range pre.Multivariate(a) {
		alts := make([]string, len(m.Allowed))
		for i, t := range m.Allowed {
			alts[i] = "(" + conjunction(t) + ")"
		}
		guards = append(guards, "("+strings.Join(alts, " | ")+")")
	}
	return guards
}

func equals(d *model.StateVarDefinition, v model.Value) string {
	idx, _ := d.IndexOf(v)
	return Identifier(d.Name()) + "=" + strconv.Itoa(idx)
}

func conjunction(t model.Tuple) string {
	if t.IsEmpty() {
		return "true"
	}
	parts := make([]string, 0, t.Len())
	for _, v := range t.Vars() {
		parts = append(parts, equals(v.Definition(), v.Value()))
	}
	return strings.Join(parts, " & ")
}

func assignment(t model.Tuple) string {
	if t.IsEmpty() {
		return "true"
	}
	parts := make([]string, 0, t.Len())
	for _, v := range t.Vars() {
		idx, _ := v.Definition().IndexOf(v.Value())
		parts = append(parts, "("+Identifier(v.Definition().Name())+"'="+strconv.Itoa(idx)+")")
	}
	return strings.Join(parts, " & ")
}

func domainComment(d *model.StateVarDefinition) string {
	values := d.Values()
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(i) + "=" + v.String()
	}
	return strings.Join(parts, " ")
}

// PolicyStateVar is the state variable of a policy-restricted DTMC.
const PolicyStateVar = "s"

// WriteExplicitPRISM renders the Markov chain em induces under a
// deterministic policy as a PRISM DTMC.
//
// Description:
//
//	States are encoded by their explicit index in the single variable s.
//	actions[i] is the chosen action index of state i; a negative entry
//	makes the state a self-loop with no reward. Each cost slot becomes a
//	state reward structure holding the cost of the chosen choice.
//
// Outputs:
//   - error: ErrInvalidPolicy when actions does not cover every state or
//     chooses an action that is not enabled.
func WriteExplicitPRISM(w io.Writer, em *ExplicitModel, actions []int) error {
	if em == nil || em.Model == nil {
		return stageError("prism", "", ErrNilModel)
	}
	if len(actions) != em.NumStates() {
		return stageError("prism", "", fmt.Errorf("%w: %d decisions for %d states", ErrInvalidPolicy, len(actions), em.NumStates()))
	}
	for i, a := range actions {
		if a < 0 {
			continue
		}
		if _, ok := em.Choice(i, a); !ok {
			return stageError("prism", em.StateLabel(i), fmt.Errorf("%w: action %d not enabled", ErrInvalidPolicy, a))
		}
	}

	pw := &prismWriter{w: bufio.NewWriter(w)}
	pw.line("dtmc")
	pw.line("")
	pw.line("module policy")
	pw.line(fmt.Sprintf("  %s : [0..%d] init %d;", PolicyStateVar, em.NumStates()-1, em.Initial()))
	for i, a := range actions {
		guard := fmt.Sprintf("%s=%d", PolicyStateVar, i)
		if a < 0 {
			pw.line(fmt.Sprintf("  [] %s -> true; // %s", guard, em.StateLabel(i)))
			continue
		}
		c, _ := em.Choice(i, a)
		updates := make([]string, len(c.Outcomes))
		for j, o := range c.Outcomes {
			updates[j] = fmt.Sprintf("%s:(%s'=%d)", strconv.FormatFloat(o.Prob, 'g', -1, 64), PolicyStateVar, o.State)
		}
		pw.line(fmt.Sprintf("  [] %s -> %s; // %s %s", guard, strings.Join(updates, " + "), em.StateLabel(i), em.ActionName(a)))
	}
	pw.line("endmodule")
	pw.line("")

	goals := make([]string, len(em.Goals()))
	for j, g := range em.Goals() {
		goals[j] = fmt.Sprintf("%s=%d", PolicyStateVar, g)
	}
	if len(goals) == 0 {
		goals = []string{"false"}
	}
	pw.line(fmt.Sprintf("label %q = %s;", GoalLabel, strings.Join(goals, " | ")))
	pw.line("")

	for k, name := range em.CostNames() {
		pw.line(fmt.Sprintf("rewards %q", Identifier(name)))
		for i, a := range actions {
			if a < 0 {
				continue
			}
			c, _ := em.Choice(i, a)
			if c.Costs[k] == 0 {
				continue
			}
			pw.line(fmt.Sprintf("  %s=%d : %s;", PolicyStateVar, i, strconv.FormatFloat(c.Costs[k], 'g', -1, 64)))
		}
		pw.line("endrewards")
		pw.line("")
	}
	if pw.err != nil {
		return stageError("prism", "", pw.err)
	}
	if err := pw.w.Flush(); err != nil {
		return stageError("prism", "", err)
	}
	return nil
}

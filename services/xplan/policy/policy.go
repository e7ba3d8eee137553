// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy holds solved policies and their quality attribute
// evaluations.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

var (
	// ErrNoPolicy indicates a result without a feasible policy.
	ErrNoPolicy = errors.New("no policy")

	// ErrDuplicateState indicates two decisions for one state.
	ErrDuplicateState = errors.New("duplicate state in policy")

	// ErrIncompletePolicy indicates a reachable non-goal state without a
	// decision.
	ErrIncompletePolicy = errors.New("incomplete policy")
)

// Decision is the action a policy takes in one state.
type Decision struct {
	State  model.Tuple
	Action model.Action
}

// Policy is a deterministic mapping from full states to actions.
//
// Two policies with the same decisions are Equal and share a Key.
//
// Thread Safety: Immutable.
type Policy struct {
	decisions []Decision
	index     map[string]int
	key       string
}

// New creates a policy from decisions.
func New(decisions ...Decision) (*Policy, error) {
	sorted := append([]Decision(nil), decisions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].State.Key() < sorted[j].State.Key() })

	p := &Policy{decisions: sorted, index: make(map[string]int, len(sorted))}
	var b strings.Builder
	for i, d := range sorted {
		if _, dup := p.index[d.State.Key()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateState, d.State)
		}
		p.index[d.State.Key()] = i
		b.WriteString(d.State.Key())
		b.WriteString("->")
		b.WriteString(d.Action.Name())
		b.WriteByte(';')
	}
	p.key = b.String()
	return p, nil
}

// FromResult reads the policy of a solved explicit model.
//
// Outputs:
//   - error: ErrNoPolicy if r is not feasible.
func FromResult(em *compile.ExplicitModel, r *lp.Result) (*Policy, error) {
	if r == nil || !r.Feasible {
		return nil, ErrNoPolicy
	}
	var decisions []Decision
	for i, a := range r.Actions {
		if a == lp.NoAction {
			continue
		}
		decisions = append(decisions, Decision{State: em.States[i], Action: em.Actions[a]})
	}
	return New(decisions...)
}

// Action returns the action of state.
func (p *Policy) Action(state model.Tuple) (model.Action, bool) {
	i, ok := p.index[state.Key()]
	if !ok {
		return nil, false
	}
	return p.decisions[i].Action, true
}

// Decisions returns the decisions ordered by state key.
func (p *Policy) Decisions() []Decision {
	out := make([]Decision, len(p.decisions))
	copy(out, p.decisions)
	return out
}

// Len returns the number of decisions.
func (p *Policy) Len() int { return len(p.decisions) }

// Key returns a canonical encoding of the decisions.
func (p *Policy) Key() string { return p.key }

// Equal reports whether both policies take the same decisions.
func (p *Policy) Equal(o *Policy) bool {
	return o != nil && p.key == o.key
}

func (p *Policy) String() string {
	parts := make([]string, len(p.decisions))
	for i, d := range p.decisions {
		parts[i] = d.State.String() + " -> " + d.Action.Name()
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

// ExplicitActions maps the policy onto em: one action index per state,
// lp.NoAction where the policy has no decision.
func (p *Policy) ExplicitActions(em *compile.ExplicitModel) ([]int, error) {
	out := make([]int, em.NumStates())
	for i, s := range em.States {
		out[i] = lp.NoAction
		a, ok := p.Action(s)
		if !ok {
			continue
		}
		idx, ok := em.ActionIndex(a.Name())
		if !ok {
			return nil, fmt.Errorf("%w: action %s", model.ErrActionNotFound, a.Name())
		}
		if _, ok := em.Choice(i, idx); !ok {
			return nil, fmt.Errorf("%w: %s is not applicable in %s", model.ErrIncompatibleAction, a.Name(), s)
		}
		out[i] = idx
	}
	return out, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package explicit provides the enumerated MDP consumed by the LP/MIP layer.
//
// States are indexed 0..n-1 and actions 0..m-1. Each state has a list of
// choices (applicable actions), each with a sparse outcome distribution and
// one step cost per named cost slot. Models are built with a Builder and
// never mutated afterwards; WithCosts returns a new model.
package explicit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrDuplicateState indicates a state label registered twice.
	ErrDuplicateState = errors.New("duplicate state")

	// ErrDuplicateAction indicates an action name registered twice, or two
	// choices of one state for the same action.
	ErrDuplicateAction = errors.New("duplicate action")

	// ErrInvalidIndex indicates a state, action or cost slot index out of range.
	ErrInvalidIndex = errors.New("invalid index")

	// ErrInvalidDistribution indicates outcome probabilities that do not sum to 1.
	ErrInvalidDistribution = errors.New("invalid outcome distribution")

	// ErrNoInitialState indicates Build was called before SetInitial.
	ErrNoInitialState = errors.New("no initial state")
)

// DistributionTolerance bounds |Σ prob - 1| for a choice.
const DistributionTolerance = 1e-9

// Outcome is one successor of a choice.
type Outcome struct {
	State int
	Prob  float64
}

// Choice is an applicable action of a state.
type Choice struct {
	Action   int
	Outcomes []Outcome
	// Costs holds one step cost per cost slot.
	Costs []float64
}

// Model is an immutable enumerated MDP.
//
// Thread Safety: Safe for concurrent use.
type Model struct {
	states    []string
	actions   []string
	costNames []string
	choices   [][]Choice
	initial   int
	goals     []bool

	stateIndex  map[string]int
	actionIndex map[string]int
	costIndex   map[string]int
}

// NumStates returns n.
func (m *Model) NumStates() int { return len(m.states) }

// NumActions returns m.
func (m *Model) NumActions() int { return len(m.actions) }

// NumChoices returns the total number of (state, action) pairs.
func (m *Model) NumChoices() int {
	total := 0
	for _, cs := range m.choices {
		total += len(cs)
	}
	return total
}

// StateLabel returns the label of state i.
func (m *Model) StateLabel(i int) string { return m.states[i] }

// StateIndex returns the index of the state with the given label.
func (m *Model) StateIndex(label string) (int, bool) {
	i, ok := m.stateIndex[label]
	return i, ok
}

// ActionName returns the name of action a.
func (m *Model) ActionName(a int) string { return m.actions[a] }

// ActionIndex returns the index of the named action.
func (m *Model) ActionIndex(name string) (int, bool) {
	a, ok := m.actionIndex[name]
	return a, ok
}

// CostNames returns the cost slot names.
func (m *Model) CostNames() []string {
	out := make([]string, len(m.costNames))
	copy(out, m.costNames)
	return out
}

// CostIndex returns the slot of the named cost.
func (m *Model) CostIndex(name string) (int, bool) {
	k, ok := m.costIndex[name]
	return k, ok
}

// Choices returns the choices of state i. The slice must not be modified.
func (m *Model) Choices(i int) []Choice { return m.choices[i] }

// Choice returns the choice of action a in state i.
func (m *Model) Choice(i, a int) (Choice, bool) {
	for _, c := range m.choices[i] {
		if c.Action == a {
			return c, true
		}
	}
	return Choice{}, false
}

// Initial returns the initial state index.
func (m *Model) Initial() int { return m.initial }

// IsGoal reports whether state i is a goal state.
func (m *Model) IsGoal(i int) bool { return m.goals[i] }

// Goals returns the goal state indices in increasing order.
func (m *Model) Goals() []int {
	var out []int
	for i, g := range m.goals {
		if g {
			out = append(out, i)
		}
	}
	return out
}

// WithCosts returns a copy of m whose slot k costs are recomputed by fn.
//
// The transition structure is shared; only the cost vectors are copied.
func (m *Model) WithCosts(k int, fn func(state int, c Choice) float64) (*Model, error) {
	if k < 0 || k >= len(m.costNames) {
		return nil, fmt.Errorf("%w: cost slot %d", ErrInvalidIndex, k)
	}
	cp := *m
	cp.choices = make([][]Choice, len(m.choices))
	for i, cs := range m.choices {
		cp.choices[i] = make([]Choice, len(cs))
		for j, c := range cs {
			costs := make([]float64, len(c.Costs))
			copy(costs, c.Costs)
			costs[k] = fn(i, c)
			cp.choices[i][j] = Choice{Action: c.Action, Outcomes: c.Outcomes, Costs: costs}
		}
	}
	return &cp, nil
}

// Fingerprint returns a content hash of the model.
//
// Two models with the same states, actions, outcomes, costs, initial state
// and goals have the same fingerprint.
func (m *Model) Fingerprint() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	for _, s := range m.states {
		write(s)
	}
	write("|")
	for _, a := range m.actions {
		write(a)
	}
	write("|")
	for _, c := range m.costNames {
		write(c)
	}
	write("|" + strconv.Itoa(m.initial))
	for i, cs := range m.choices {
		write("s" + strconv.Itoa(i) + strconv.FormatBool(m.goals[i]))
		for _, c := range cs {
			write("a" + strconv.Itoa(c.Action))
			for _, o := range c.Outcomes {
				write(strconv.Itoa(o.State) + ":" + strconv.FormatFloat(o.Prob, 'g', -1, 64))
			}
			for _, cost := range c.Costs {
				write(strconv.FormatFloat(cost, 'g', -1, 64))
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

// Builder assembles a Model.
//
// Thread Safety: Not safe for concurrent use.
type Builder struct {
	m          Model
	initialSet bool
}

// NewBuilder creates a builder with the given cost slot names.
func NewBuilder(costNames ...string) *Builder {
	b := &Builder{m: Model{
		costNames:   append([]string(nil), costNames...),
		stateIndex:  make(map[string]int),
		actionIndex: make(map[string]int),
		costIndex:   make(map[string]int, len(costNames)),
	}}
	for k, name := range costNames {
		b.m.costIndex[name] = k
	}
	return b
}

// AddState registers a state and returns its index.
//
// Outputs:
//   - error: ErrDuplicateState for a repeated or empty label.
func (b *Builder) AddState(label string) (int, error) {
	if label == "" {
		return 0, fmt.Errorf("%w: empty state label", ErrDuplicateState)
	}
	if _, dup := b.m.stateIndex[label]; dup {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateState, label)
	}
	i := len(b.m.states)
	b.m.states = append(b.m.states, label)
	b.m.choices = append(b.m.choices, nil)
	b.m.goals = append(b.m.goals, false)
	b.m.stateIndex[label] = i
	return i, nil
}

// StateIndex returns the index of a registered state.
func (b *Builder) StateIndex(label string) (int, bool) {
	i, ok := b.m.stateIndex[label]
	return i, ok
}

// NumStates returns the number of registered states.
func (b *Builder) NumStates() int { return len(b.m.states) }

// AddAction registers an action and returns its index.
func (b *Builder) AddAction(name string) (int, error) {
	if _, dup := b.m.actionIndex[name]; dup {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateAction, name)
	}
	a := len(b.m.actions)
	b.m.actions = append(b.m.actions, name)
	b.m.actionIndex[name] = a
	return a, nil
}

// SetInitial sets the initial state.
func (b *Builder) SetInitial(i int) error {
	if i < 0 || i >= len(b.m.states) {
		return fmt.Errorf("%w: initial state %d", ErrInvalidIndex, i)
	}
	b.m.initial = i
	b.initialSet = true
	return nil
}

// MarkGoal marks state i as a goal.
func (b *Builder) MarkGoal(i int) error {
	if i < 0 || i >= len(b.m.states) {
		return fmt.Errorf("%w: goal state %d", ErrInvalidIndex, i)
	}
	b.m.goals[i] = true
	return nil
}

// AddChoice adds action a to state i.
//
// Outcome states may refer to states registered later; they are checked
// by Build. Probabilities must sum to 1 and costs must have one entry per
// cost slot.
func (b *Builder) AddChoice(i, a int, outcomes []Outcome, costs []float64) error {
	if i < 0 || i >= len(b.m.states) {
		return fmt.Errorf("%w: state %d", ErrInvalidIndex, i)
	}
	if a < 0 || a >= len(b.m.actions) {
		return fmt.Errorf("%w: action %d", ErrInvalidIndex, a)
	}
	if len(costs) != len(b.m.costNames) {
		return fmt.Errorf("%w: %d costs for %d slots", ErrInvalidIndex, len(costs), len(b.m.costNames))
	}
	for _, c := range b.m.choices[i] {
		if c.Action == a {
			return fmt.Errorf("%w: %s twice in state %s", ErrDuplicateAction, b.m.actions[a], b.m.states[i])
		}
	}
	sum := 0.0
	for _, o := range outcomes {
		if o.Prob <= 0 || math.IsNaN(o.Prob) {
			return fmt.Errorf("%w: probability %g in %s/%s", ErrInvalidDistribution, o.Prob, b.m.states[i], b.m.actions[a])
		}
		sum += o.Prob
	}
	if math.Abs(sum-1) > DistributionTolerance {
		return fmt.Errorf("%w: %s/%s sums to %.12g", ErrInvalidDistribution, b.m.states[i], b.m.actions[a], sum)
	}
	b.m.choices[i] = append(b.m.choices[i], Choice{
		Action:   a,
		Outcomes: append([]Outcome(nil), outcomes...),
		Costs:    append([]float64(nil), costs...),
	})
	return nil
}

// Build validates and returns the model. The builder must not be used
// afterwards.
func (b *Builder) Build() (*Model, error) {
	if !b.initialSet {
		return nil, ErrNoInitialState
	}
	n := len(b.m.states)
	for i, cs := range b.m.choices {
		for _, c := range cs {
			for _, o := range c.Outcomes {
				if o.State < 0 || o.State >= n {
					return nil, fmt.Errorf("%w: outcome %d of %s/%s", ErrInvalidIndex, o.State, b.m.states[i], b.m.actions[c.Action])
				}
			}
		}
	}
	m := b.m
	return &m, nil
}

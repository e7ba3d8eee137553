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
	"sort"
	"strings"
)

// Action is a concrete action instance.
//
// Name must be unique within an XMDP; it is the action's identity.
// Domain code may implement Action with its own types to carry derived
// attributes for formula action descriptions.
type Action interface {
	Name() string
}

// BasicAction is an action identified by a type name and parameters.
type BasicAction struct {
	Type   string
	Params []Value
}

// NewAction creates a BasicAction.
func NewAction(actionType string, params ...Value) BasicAction {
	return BasicAction{Type: actionType, Params: params}
}

// Name returns "type" or "type(p1,p2)".
func (a BasicAction) Name() string {
	if len(a.Params) == 0 {
		return a.Type
	}
	parts := make([]string, len(a.Params))
	for i, p := range a.Params {
		parts[i] = p.String()
	}
	return a.Type + "(" + strings.Join(parts, ",") + ")"
}

func (a BasicAction) String() string { return a.Name() }

// -----------------------------------------------------------------------------
// Action Definition
// -----------------------------------------------------------------------------

// ActionDefinition is a named set of action instances of one action type.
//
// Description:
//
//	A composite definition groups the actions of its children so that a
//	single PSO can describe shared structure (e.g. all durative actions).
//	Each definition has at most one composite parent.
//
// Thread Safety: Immutable after construction of its composite parent.
type ActionDefinition struct {
	name     string
	actions  []Action
	index    map[string]int
	parent   *ActionDefinition
	children []*ActionDefinition
}

// NewActionDefinition creates a leaf action definition.
//
// Outputs:
//   - *ActionDefinition: The definition.
//   - error: ErrInvalidValue for an empty name or no actions,
//     ErrDuplicateDefinition for repeated action names.
func NewActionDefinition(name string, actions ...Action) (*ActionDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: action definition name must not be empty", ErrInvalidValue)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: action definition %s has no actions", ErrInvalidValue, name)
	}
	def := &ActionDefinition{name: name, index: make(map[string]int, len(actions))}
	for _, a := range actions {
		if _, dup := def.index[a.Name()]; dup {
			return nil, fmt.Errorf("%w: action %s repeated in %s", ErrDuplicateDefinition, a.Name(), name)
		}
		def.index[a.Name()] = len(def.actions)
		def.actions = append(def.actions, a)
	}
	return def, nil
}

// MustActionDefinition is NewActionDefinition that panics on error.
func MustActionDefinition(name string, actions ...Action) *ActionDefinition {
	def, err := NewActionDefinition(name, actions...)
	if err != nil {
		panic(err)
	}
	return def
}

// NewCompositeActionDefinition creates a composite definition over children.
//
// Description:
//
//	The composite contains the union of its children's actions. Each child
//	records the composite as its parent, so a child can belong to only one
//	composite.
//
// Outputs:
//   - *ActionDefinition: The composite.
//   - error: ErrDuplicateDefinition if a child already has a parent or two
//     children share an action name.
func NewCompositeActionDefinition(name string, children ...*ActionDefinition) (*ActionDefinition, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: composite %s has no children", ErrInvalidValue, name)
	}
	var actions []Action
	for _, c := range children {
		if c.parent != nil {
			return nil, fmt.Errorf("%w: %s already belongs to composite %s", ErrDuplicateDefinition, c.name, c.parent.name)
		}
		actions = append(actions, c.actions...)
	}
	def, err := NewActionDefinition(name, actions...)
	if err != nil {
		return nil, err
	}
	def.children = append(def.children, children...)
	for _, c := range children {
		c.parent = def
	}
	return def, nil
}

// Name returns the definition name.
func (d *ActionDefinition) Name() string { return d.name }

// Actions returns the action instances in registration order.
func (d *ActionDefinition) Actions() []Action {
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// Len returns the number of actions.
func (d *ActionDefinition) Len() int { return len(d.actions) }

// Contains reports whether a belongs to this definition.
func (d *ActionDefinition) Contains(a Action) bool {
	_, ok := d.index[a.Name()]
	return ok
}

// Lookup returns the action with the given name.
func (d *ActionDefinition) Lookup(name string) (Action, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.actions[i], true
}

// Parent returns the composite parent, or nil.
func (d *ActionDefinition) Parent() *ActionDefinition { return d.parent }

// Children returns the constituents of a composite definition.
func (d *ActionDefinition) Children() []*ActionDefinition {
	out := make([]*ActionDefinition, len(d.children))
	copy(out, d.children)
	return out
}

// IsComposite reports whether the definition has children.
func (d *ActionDefinition) IsComposite() bool { return len(d.children) > 0 }

func (d *ActionDefinition) String() string { return d.name }

// -----------------------------------------------------------------------------
// Spaces
// -----------------------------------------------------------------------------

// ActionSpace is the set of action definitions of an XMDP.
//
// Every action belongs to exactly one leaf (non-composite) definition.
type ActionSpace struct {
	defs     []*ActionDefinition
	byName   map[string]*ActionDefinition
	leafOf   map[string]*ActionDefinition
	actions  []Action
	byAction map[string]Action
}

// NewActionSpace creates an action space.
//
// Outputs:
//   - *ActionSpace: The space.
//   - error: ErrDuplicateDefinition if definition names repeat or an action
//     belongs to two leaf definitions.
func NewActionSpace(defs ...*ActionDefinition) (*ActionSpace, error) {
	s := &ActionSpace{
		byName:   make(map[string]*ActionDefinition, len(defs)),
		leafOf:   make(map[string]*ActionDefinition),
		byAction: make(map[string]Action),
	}
	for _, d := range defs {
		if _, dup := s.byName[d.name]; dup {
			return nil, fmt.Errorf("%w: action definition %s", ErrDuplicateDefinition, d.name)
		}
		s.byName[d.name] = d
		s.defs = append(s.defs, d)
		if d.IsComposite() {
			continue
		}
		for _, a := range d.actions {
			if other, dup := s.leafOf[a.Name()]; dup {
				return nil, fmt.Errorf("%w: action %s in %s and %s", ErrDuplicateDefinition, a.Name(), other.name, d.name)
			}
			s.leafOf[a.Name()] = d
			s.byAction[a.Name()] = a
			s.actions = append(s.actions, a)
		}
	}
	return s, nil
}

// Definitions returns all definitions in registration order.
func (s *ActionSpace) Definitions() []*ActionDefinition {
	out := make([]*ActionDefinition, len(s.defs))
	copy(out, s.defs)
	return out
}

// Actions returns all actions of leaf definitions in registration order.
func (s *ActionSpace) Actions() []Action {
	out := make([]Action, len(s.actions))
	copy(out, s.actions)
	return out
}

// Definition returns the definition with the given name.
func (s *ActionSpace) Definition(name string) (*ActionDefinition, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, notFound("action definition", name, "action space", ErrActionDefinitionNotFound)
	}
	return d, nil
}

// DefinitionOf returns the leaf definition that contains a.
func (s *ActionSpace) DefinitionOf(a Action) (*ActionDefinition, error) {
	d, ok := s.leafOf[a.Name()]
	if !ok {
		return nil, notFound("action", a.Name(), "action space", ErrActionNotFound)
	}
	return d, nil
}

// Lookup returns the action with the given name.
func (s *ActionSpace) Lookup(name string) (Action, error) {
	a, ok := s.byAction[name]
	if !ok {
		return nil, notFound("action", name, "action space", ErrActionNotFound)
	}
	return a, nil
}

// Contains reports whether d is registered.
func (s *ActionSpace) Contains(d *ActionDefinition) bool {
	return s.byName[d.name] == d
}

// StateSpace is the set of state variable definitions of an XMDP.
type StateSpace struct {
	defs   []*StateVarDefinition
	byName map[string]*StateVarDefinition
}

// NewStateSpace creates a state space.
//
// Outputs:
//   - *StateSpace: The space, sorted by variable name.
//   - error: ErrDuplicateDefinition if a name repeats.
func NewStateSpace(defs ...*StateVarDefinition) (*StateSpace, error) {
	s := &StateSpace{byName: make(map[string]*StateVarDefinition, len(defs))}
	for _, d := range defs {
		if _, dup := s.byName[d.name]; dup {
			return nil, fmt.Errorf("%w: state variable %s", ErrDuplicateDefinition, d.name)
		}
		s.byName[d.name] = d
		s.defs = append(s.defs, d)
	}
	sort.Slice(s.defs, func(i, j int) bool { return s.defs[i].name < s.defs[j].name })
	return s, nil
}

// Definitions returns the definitions sorted by name.
func (s *StateSpace) Definitions() []*StateVarDefinition {
	out := make([]*StateVarDefinition, len(s.defs))
	copy(out, s.defs)
	return out
}

// Lookup returns the definition with the given name.
func (s *StateSpace) Lookup(name string) (*StateVarDefinition, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, notFound("state variable", name, "state space", ErrStateVarNotFound)
	}
	return d, nil
}

// Contains reports whether d is registered.
func (s *StateSpace) Contains(d *StateVarDefinition) bool { return s.byName[d.name] == d }

// Size returns the number of full states.
func (s *StateSpace) Size() int {
	n := 1
	for _, d := range s.defs {
		n *= len(d.values)
	}
	return n
}

// Enumerate returns every full state, ordered lexicographically by
// variable name and domain order.
func (s *StateSpace) Enumerate() []Tuple {
	states := []Tuple{{}}
	for i := len(s.defs) - 1; i >= 0; i-- {
		d := s.defs[i]
		next := make([]Tuple, 0, len(states)*len(d.values))
		for _, v := range d.values {
			head := newSortedTuple([]StateVar{{def: d, value: v}})
			for _, tail := range states {
				next = append(next, tail.With(head))
			}
		}
		states = next
	}
	return states
}

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
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Values
// -----------------------------------------------------------------------------

// Value is a state variable value.
//
// Implementations must be comparable (usable as a map key) and String must
// be unique among the possible values of one definition.
type Value interface {
	String() string
}

// IntValue is an integer state variable value.
type IntValue int

func (v IntValue) String() string { return strconv.Itoa(int(v)) }

// BoolValue is a boolean state variable value.
type BoolValue bool

func (v BoolValue) String() string { return strconv.FormatBool(bool(v)) }

// StringValue is a symbolic state variable value.
type StringValue string

func (v StringValue) String() string { return string(v) }

// -----------------------------------------------------------------------------
// State Variable Definition
// -----------------------------------------------------------------------------

// StateVarDefinition is a named state variable with a finite set of values.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type StateVarDefinition struct {
	name   string
	values []Value
	index  map[Value]int
}

// NewStateVarDefinition creates a state variable definition.
//
// Inputs:
//   - name: Variable name. Must be non-empty.
//   - values: Possible values in domain order. Must be non-empty and unique.
//
// Outputs:
//   - *StateVarDefinition: The definition.
//   - error: ErrInvalidValue for an empty name/domain, ErrDuplicateDefinition
//     for repeated values.
func NewStateVarDefinition(name string, values ...Value) (*StateVarDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: state variable name must not be empty", ErrInvalidValue)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: state variable %s has no possible values", ErrInvalidValue, name)
	}

	def := &StateVarDefinition{
		name:   name,
		values: make([]Value, 0, len(values)),
		index:  make(map[Value]int, len(values)),
	}
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == nil {
			return nil, fmt.Errorf("%w: nil value for %s", ErrInvalidValue, name)
		}
		if seen[v.String()] {
			return nil, fmt.Errorf("%w: value %s repeated in %s", ErrDuplicateDefinition, v, name)
		}
		seen[v.String()] = true
		def.index[v] = len(def.values)
		def.values = append(def.values, v)
	}
	return def, nil
}

// MustStateVarDefinition is NewStateVarDefinition that panics on error.
// Intended for statically known model authoring code and tests.
func MustStateVarDefinition(name string, values ...Value) *StateVarDefinition {
	def, err := NewStateVarDefinition(name, values...)
	if err != nil {
		panic(err)
	}
	return def
}

// Name returns the variable name.
func (d *StateVarDefinition) Name() string { return d.name }

// Values returns a copy of the possible values in domain order.
func (d *StateVarDefinition) Values() []Value {
	out := make([]Value, len(d.values))
	copy(out, d.values)
	return out
}

// Size returns the number of possible values.
func (d *StateVarDefinition) Size() int { return len(d.values) }

// Contains reports whether v is a possible value.
func (d *StateVarDefinition) Contains(v Value) bool {
	_, ok := d.index[v]
	return ok
}

// IndexOf returns the domain position of v.
func (d *StateVarDefinition) IndexOf(v Value) (int, bool) {
	i, ok := d.index[v]
	return i, ok
}

// Var assigns v to this definition.
//
// Outputs:
//   - StateVar: The assignment.
//   - error: ErrInvalidValue if v is not a possible value.
func (d *StateVarDefinition) Var(v Value) (StateVar, error) {
	if !d.Contains(v) {
		return StateVar{}, fmt.Errorf("%w: %v is not a value of %s", ErrInvalidValue, v, d.name)
	}
	return StateVar{def: d, value: v}, nil
}

// MustVar is Var that panics on error.
func (d *StateVarDefinition) MustVar(v Value) StateVar {
	sv, err := d.Var(v)
	if err != nil {
		panic(err)
	}
	return sv
}

func (d *StateVarDefinition) String() string { return d.name }

// -----------------------------------------------------------------------------
// State Variable
// -----------------------------------------------------------------------------

// StateVar is a (definition, value) assignment.
type StateVar struct {
	def   *StateVarDefinition
	value Value
}

// Definition returns the variable definition.
func (v StateVar) Definition() *StateVarDefinition { return v.def }

// Value returns the assigned value.
func (v StateVar) Value() Value { return v.value }

// Equal reports whether both assignments have the same definition and value.
func (v StateVar) Equal(o StateVar) bool {
	return v.def == o.def && v.value == o.value
}

func (v StateVar) String() string {
	if v.def == nil {
		return "<nil>"
	}
	return v.def.name + "=" + v.value.String()
}

// ValueAs returns the value of def in t as type T.
//
// Outputs:
//   - T: The typed value.
//   - error: ErrStateVarNotFound if t does not assign def, ErrInvalidValue if
//     the value has a different dynamic type.
func ValueAs[T Value](t Tuple, def *StateVarDefinition) (T, error) {
	var zero T
	v, ok := t.Get(def)
	if !ok {
		return zero, notFound("state variable", def.Name(), t.String(), ErrStateVarNotFound)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T", ErrInvalidValue, def.Name(), v)
	}
	return typed, nil
}

// -----------------------------------------------------------------------------
// State Variable Tuple
// -----------------------------------------------------------------------------

// Tuple maps state variable definitions to values, at most one per definition.
//
// Description:
//
//	Tuples represent full states, partial predicates, discriminants and
//	effects alike. Definitions absent from a tuple are unconstrained. Entries
//	are kept sorted by definition name and the canonical key is computed at
//	construction, so equality is a string comparison.
//
// The zero value is the empty tuple.
//
// Thread Safety: Immutable; safe for concurrent use.
type Tuple struct {
	vars []StateVar
	key  string
}

// NewTuple builds a tuple from assignments.
//
// Outputs:
//   - Tuple: The tuple.
//   - error: ErrDuplicateDefinition if two assignments share a definition name.
func NewTuple(vars ...StateVar) (Tuple, error) {
	sorted := make([]StateVar, 0, len(vars))
	for _, v := range vars {
		if v.def == nil {
			return Tuple{}, fmt.Errorf("%w: unassigned state variable", ErrInvalidValue)
		}
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].def.name < sorted[j].def.name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].def.name == sorted[i-1].def.name {
			return Tuple{}, fmt.Errorf("%w: %s assigned twice", ErrDuplicateDefinition, sorted[i].def.name)
		}
	}
	return newSortedTuple(sorted), nil
}

// MustTuple is NewTuple that panics on error.
func MustTuple(vars ...StateVar) Tuple {
	t, err := NewTuple(vars...)
	if err != nil {
		panic(err)
	}
	return t
}

func newSortedTuple(sorted []StateVar) Tuple {
	var b strings.Builder
	for i, v := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(v.def.name)
		b.WriteByte('=')
		b.WriteString(v.value.String())
	}
	return Tuple{vars: sorted, key: b.String()}
}

func (t Tuple) find(def *StateVarDefinition) int {
	i := sort.Search(len(t.vars), func(i int) bool { return t.vars[i].def.name >= def.name })
	if i < len(t.vars) && t.vars[i].def == def {
		return i
	}
	return -1
}

// Get returns the value assigned to def.
func (t Tuple) Get(def *StateVarDefinition) (Value, bool) {
	if i := t.find(def); i >= 0 {
		return t.vars[i].value, true
	}
	return nil, false
}

// Contains reports whether def is assigned.
func (t Tuple) Contains(def *StateVarDefinition) bool { return t.find(def) >= 0 }

// Len returns the number of assigned definitions.
func (t Tuple) Len() int { return len(t.vars) }

// IsEmpty reports whether the tuple assigns nothing.
func (t Tuple) IsEmpty() bool { return len(t.vars) == 0 }

// Vars returns a copy of the assignments sorted by definition name.
func (t Tuple) Vars() []StateVar {
	out := make([]StateVar, len(t.vars))
	copy(out, t.vars)
	return out
}

// Definitions returns the assigned definitions sorted by name.
func (t Tuple) Definitions() []*StateVarDefinition {
	out := make([]*StateVarDefinition, len(t.vars))
	for i, v := range t.vars {
		out[i] = v.def
	}
	return out
}

// Key returns the canonical key. Equal tuples have equal keys.
func (t Tuple) Key() string { return t.key }

// Equal reports whether both tuples hold the same assignments.
func (t Tuple) Equal(o Tuple) bool { return t.key == o.key }

// Matches reports whether every assignment in partial also holds in t.
func (t Tuple) Matches(partial Tuple) bool {
	for _, v := range partial.vars {
		got, ok := t.Get(v.def)
		if !ok || got != v.value {
			return false
		}
	}
	return true
}

// Union merges two tuples.
//
// Outputs:
//   - Tuple: Assignments of both tuples.
//   - error: ErrConflictingAssignment if a definition has different values.
func (t Tuple) Union(o Tuple) (Tuple, error) {
	merged := make([]StateVar, 0, len(t.vars)+len(o.vars))
	i, j := 0, 0
	for i < len(t.vars) && j < len(o.vars) {
		a, b := t.vars[i], o.vars[j]
		switch {
		case a.def.name < b.def.name:
			merged = append(merged, a)
			i++
		case a.def.name > b.def.name:
			merged = append(merged, b)
			j++
		default:
			if a.def != b.def || a.value != b.value {
				return Tuple{}, fmt.Errorf("%w: %s vs %s", ErrConflictingAssignment, a, b)
			}
			merged = append(merged, a)
			i++
			j++
		}
	}
	merged = append(merged, t.vars[i:]...)
	merged = append(merged, o.vars[j:]...)
	return newSortedTuple(merged), nil
}

// With returns a copy of t where the assignments in update replace or
// extend the existing ones.
func (t Tuple) With(update Tuple) Tuple {
	if update.IsEmpty() {
		return t
	}
	merged := make([]StateVar, 0, len(t.vars)+len(update.vars))
	i, j := 0, 0
	for i < len(t.vars) && j < len(update.vars) {
		a, b := t.vars[i], update.vars[j]
		switch {
		case a.def.name < b.def.name:
			merged = append(merged, a)
			i++
		case a.def.name > b.def.name:
			merged = append(merged, b)
			j++
		default:
			merged = append(merged, b)
			i++
			j++
		}
	}
	merged = append(merged, t.vars[i:]...)
	merged = append(merged, update.vars[j:]...)
	return newSortedTuple(merged)
}

// Project restricts t to the given definitions. Definitions t does not
// assign are skipped.
func (t Tuple) Project(defs []*StateVarDefinition) Tuple {
	want := make(map[*StateVarDefinition]bool, len(defs))
	for _, d := range defs {
		want[d] = true
	}
	out := make([]StateVar, 0, len(defs))
	for _, v := range t.vars {
		if want[v.def] {
			out = append(out, v)
		}
	}
	return newSortedTuple(out)
}

// ProjectClass restricts t to the definitions of c.
func (t Tuple) ProjectClass(c StateVarClass) Tuple {
	return t.Project(c.defs)
}

func (t Tuple) String() string {
	return "{" + t.key + "}"
}

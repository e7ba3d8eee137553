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

// -----------------------------------------------------------------------------
// State Variable Class
// -----------------------------------------------------------------------------

// StateVarClass is a set of state variable definitions.
//
// Two classes overlap if they share a definition. The zero value is the
// empty class.
type StateVarClass struct {
	defs []*StateVarDefinition
	key  string
}

// NewStateVarClass builds a class from definitions.
//
// Outputs:
//   - StateVarClass: The class, sorted by definition name.
//   - error: ErrDuplicateDefinition if a definition name appears twice.
func NewStateVarClass(defs ...*StateVarDefinition) (StateVarClass, error) {
	sorted := make([]*StateVarDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].name == sorted[i-1].name {
			return StateVarClass{}, fmt.Errorf("%w: %s appears twice in class", ErrDuplicateDefinition, sorted[i].name)
		}
	}
	return newSortedClass(sorted), nil
}

func newSortedClass(sorted []*StateVarDefinition) StateVarClass {
	names := make([]string, len(sorted))
	for i, d := range sorted {
		names[i] = d.name
	}
	return StateVarClass{defs: sorted, key: strings.Join(names, ",")}
}

// Definitions returns the definitions sorted by name.
func (c StateVarClass) Definitions() []*StateVarDefinition {
	out := make([]*StateVarDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Len returns the number of definitions.
func (c StateVarClass) Len() int { return len(c.defs) }

// Key returns the canonical key (sorted, comma-joined names).
func (c StateVarClass) Key() string { return c.key }

// Contains reports whether def is a member.
func (c StateVarClass) Contains(def *StateVarDefinition) bool {
	i := sort.Search(len(c.defs), func(i int) bool { return c.defs[i].name >= def.name })
	return i < len(c.defs) && c.defs[i] == def
}

// Equal reports whether both classes have the same members.
func (c StateVarClass) Equal(o StateVarClass) bool { return c.key == o.key }

// Overlaps reports whether the classes share a definition.
func (c StateVarClass) Overlaps(o StateVarClass) bool {
	for _, d := range o.defs {
		if c.Contains(d) {
			return true
		}
	}
	return false
}

// IsSubsetOf reports whether every member of c is in o.
func (c StateVarClass) IsSubsetOf(o StateVarClass) bool {
	for _, d := range c.defs {
		if !o.Contains(d) {
			return false
		}
	}
	return true
}

// Union returns the class containing members of both.
func (c StateVarClass) Union(o StateVarClass) StateVarClass {
	seen := make(map[*StateVarDefinition]bool, len(c.defs)+len(o.defs))
	merged := make([]*StateVarDefinition, 0, len(c.defs)+len(o.defs))
	for _, d := range append(c.Definitions(), o.defs...) {
		if !seen[d] {
			seen[d] = true
			merged = append(merged, d)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].name < merged[j].name })
	return newSortedClass(merged)
}

// Intersect returns the members shared by both classes.
func (c StateVarClass) Intersect(o StateVarClass) StateVarClass {
	shared := make([]*StateVarDefinition, 0)
	for _, d := range c.defs {
		if o.Contains(d) {
			shared = append(shared, d)
		}
	}
	return newSortedClass(shared)
}

func (c StateVarClass) String() string { return "[" + c.key + "]" }

// -----------------------------------------------------------------------------
// Discriminant and Effect Classes
// -----------------------------------------------------------------------------

// DiscriminantClass is the set of source variables that determine which
// probabilistic effect an action has.
type DiscriminantClass struct {
	StateVarClass
}

// NewDiscriminantClass builds a discriminant class.
func NewDiscriminantClass(defs ...*StateVarDefinition) (*DiscriminantClass, error) {
	c, err := NewStateVarClass(defs...)
	if err != nil {
		return nil, err
	}
	return &DiscriminantClass{StateVarClass: c}, nil
}

// MustDiscriminantClass is NewDiscriminantClass that panics on error.
func MustDiscriminantClass(defs ...*StateVarDefinition) *DiscriminantClass {
	c, err := NewDiscriminantClass(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// EffectClass is a set of state variables an action type updates together.
type EffectClass struct {
	StateVarClass
}

// NewEffectClass builds an effect class. An effect class must not be empty.
func NewEffectClass(defs ...*StateVarDefinition) (*EffectClass, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: effect class must not be empty", ErrInvalidValue)
	}
	c, err := NewStateVarClass(defs...)
	if err != nil {
		return nil, err
	}
	return &EffectClass{StateVarClass: c}, nil
}

// MustEffectClass is NewEffectClass that panics on error.
func MustEffectClass(defs ...*StateVarDefinition) *EffectClass {
	c, err := NewEffectClass(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// -----------------------------------------------------------------------------
// Discriminant and Effect
// -----------------------------------------------------------------------------

// Discriminant is a full assignment of a discriminant class.
type Discriminant struct {
	class  *DiscriminantClass
	values Tuple
}

// NewDiscriminant builds a discriminant of class from assignments.
//
// Outputs:
//   - Discriminant: The discriminant.
//   - error: ErrIncompatibleDiscriminantClass if the assignments do not cover
//     exactly the members of class.
func NewDiscriminant(class *DiscriminantClass, vars ...StateVar) (Discriminant, error) {
	t, err := NewTuple(vars...)
	if err != nil {
		return Discriminant{}, err
	}
	return DiscriminantFromTuple(class, t)
}

// DiscriminantFromTuple builds a discriminant of class from a tuple that
// assigns exactly the members of class.
func DiscriminantFromTuple(class *DiscriminantClass, t Tuple) (Discriminant, error) {
	if !coversExactly(t, class.StateVarClass) {
		return Discriminant{}, fmt.Errorf("%w: %s does not assign exactly %s",
			ErrIncompatibleDiscriminantClass, t, class)
	}
	return Discriminant{class: class, values: t}, nil
}

// Class returns the discriminant class.
func (d Discriminant) Class() *DiscriminantClass { return d.class }

// Values returns the assignments.
func (d Discriminant) Values() Tuple { return d.values }

// Key returns the canonical key of the assignments.
func (d Discriminant) Key() string { return d.values.key }

func (d Discriminant) String() string { return d.values.String() }

// Effect is a full assignment of an effect class.
type Effect struct {
	class  *EffectClass
	values Tuple
}

// NewEffect builds an effect of class from assignments.
//
// Outputs:
//   - Effect: The effect.
//   - error: ErrIncompatibleEffectClass if the assignments do not cover
//     exactly the members of class.
func NewEffect(class *EffectClass, vars ...StateVar) (Effect, error) {
	t, err := NewTuple(vars...)
	if err != nil {
		return Effect{}, err
	}
	return EffectFromTuple(class, t)
}

// EffectFromTuple builds an effect of class from a tuple.
func EffectFromTuple(class *EffectClass, t Tuple) (Effect, error) {
	if !coversExactly(t, class.StateVarClass) {
		return Effect{}, fmt.Errorf("%w: %s does not assign exactly %s", ErrIncompatibleEffectClass, t, class)
	}
	return Effect{class: class, values: t}, nil
}

// Class returns the effect class.
func (e Effect) Class() *EffectClass { return e.class }

// Values returns the assignments.
func (e Effect) Values() Tuple { return e.values }

// Key returns the canonical key of the assignments.
func (e Effect) Key() string { return e.values.key }

func (e Effect) String() string { return e.values.String() }

func coversExactly(t Tuple, c StateVarClass) bool {
	if t.Len() != c.Len() {
		return false
	}
	for _, d := range c.defs {
		if !t.Contains(d) {
			return false
		}
	}
	return true
}

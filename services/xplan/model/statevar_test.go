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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binaryVar(name string) *StateVarDefinition {
	return MustStateVarDefinition(name, IntValue(0), IntValue(1))
}

func TestNewStateVarDefinition(t *testing.T) {
	t.Run("rejects empty name", func(t *testing.T) {
		_, err := NewStateVarDefinition("", IntValue(0))
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("rejects empty domain", func(t *testing.T) {
		_, err := NewStateVarDefinition("x")
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("rejects repeated values", func(t *testing.T) {
		_, err := NewStateVarDefinition("x", IntValue(1), IntValue(1))
		assert.ErrorIs(t, err, ErrDuplicateDefinition)
	})

	t.Run("keeps domain order", func(t *testing.T) {
		d := MustStateVarDefinition("color", StringValue("red"), StringValue("green"))
		assert.Equal(t, []Value{StringValue("red"), StringValue("green")}, d.Values())
		i, ok := d.IndexOf(StringValue("green"))
		assert.True(t, ok)
		assert.Equal(t, 1, i)
		assert.Equal(t, 2, d.Size())
	})

	t.Run("Var rejects values outside the domain", func(t *testing.T) {
		d := binaryVar("x")
		_, err := d.Var(IntValue(2))
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestTuple(t *testing.T) {
	x, y, z := binaryVar("x"), binaryVar("y"), binaryVar("z")

	t.Run("key is independent of construction order", func(t *testing.T) {
		a := MustTuple(x.MustVar(IntValue(1)), y.MustVar(IntValue(0)))
		b := MustTuple(y.MustVar(IntValue(0)), x.MustVar(IntValue(1)))
		assert.True(t, a.Equal(b))
		assert.Equal(t, "x=1,y=0", a.Key())
		assert.Equal(t, "{x=1,y=0}", a.String())
	})

	t.Run("rejects two assignments of one variable", func(t *testing.T) {
		_, err := NewTuple(x.MustVar(IntValue(0)), x.MustVar(IntValue(1)))
		assert.ErrorIs(t, err, ErrDuplicateDefinition)
	})

	t.Run("zero value is empty", func(t *testing.T) {
		var empty Tuple
		assert.True(t, empty.IsEmpty())
		assert.Equal(t, "", empty.Key())
	})

	t.Run("Matches partial assignments", func(t *testing.T) {
		full := MustTuple(x.MustVar(IntValue(1)), y.MustVar(IntValue(0)))
		assert.True(t, full.Matches(MustTuple(x.MustVar(IntValue(1)))))
		assert.False(t, full.Matches(MustTuple(y.MustVar(IntValue(1)))))
		assert.False(t, full.Matches(MustTuple(z.MustVar(IntValue(0)))))
		assert.True(t, full.Matches(Tuple{}))
	})

	t.Run("Union merges and detects conflicts", func(t *testing.T) {
		a := MustTuple(x.MustVar(IntValue(1)))
		b := MustTuple(y.MustVar(IntValue(0)), x.MustVar(IntValue(1)))
		u, err := a.Union(b)
		require.NoError(t, err)
		assert.Equal(t, "x=1,y=0", u.Key())

		_, err = a.Union(MustTuple(x.MustVar(IntValue(0))))
		assert.ErrorIs(t, err, ErrConflictingAssignment)
	})

	t.Run("With overrides and extends", func(t *testing.T) {
		base := MustTuple(x.MustVar(IntValue(0)), y.MustVar(IntValue(0)))
		got := base.With(MustTuple(y.MustVar(IntValue(1)), z.MustVar(IntValue(1))))
		assert.Equal(t, "x=0,y=1,z=1", got.Key())
		assert.Equal(t, "x=0,y=0", base.Key(), "receiver must be unchanged")
	})

	t.Run("Project keeps only requested variables", func(t *testing.T) {
		full := MustTuple(x.MustVar(IntValue(0)), y.MustVar(IntValue(1)), z.MustVar(IntValue(1)))
		assert.Equal(t, "x=0,z=1", full.Project([]*StateVarDefinition{z, x}).Key())
	})
}

func TestValueAs(t *testing.T) {
	x := binaryVar("x")
	s := MustStateVarDefinition("s", StringValue("a"))
	tuple := MustTuple(x.MustVar(IntValue(1)), s.MustVar(StringValue("a")))

	v, err := ValueAs[IntValue](tuple, x)
	require.NoError(t, err)
	assert.Equal(t, IntValue(1), v)

	_, err = ValueAs[IntValue](tuple, s)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ValueAs[IntValue](Tuple{}, x)
	var lookup *LookupError
	require.True(t, errors.As(err, &lookup))
	assert.Equal(t, "x", lookup.Key)
	assert.ErrorIs(t, err, ErrStateVarNotFound)
}

func TestStateSpace_Enumerate(t *testing.T) {
	x, y := binaryVar("x"), binaryVar("y")
	c := MustStateVarDefinition("c", StringValue("r"), StringValue("g"), StringValue("b"))
	space, err := NewStateSpace(y, x, c)
	require.NoError(t, err)

	states := space.Enumerate()
	assert.Len(t, states, 12)
	assert.Equal(t, 12, space.Size())

	seen := make(map[string]bool)
	for _, s := range states {
		assert.Equal(t, 3, s.Len())
		seen[s.Key()] = true
	}
	assert.Len(t, seen, 12, "states must be distinct")
	assert.Equal(t, "c=r,x=0,y=0", states[0].Key())
	assert.Equal(t, "c=b,x=1,y=1", states[11].Key())

	_, err = NewStateSpace(x, binaryVar("x"))
	assert.ErrorIs(t, err, ErrDuplicateDefinition)
}

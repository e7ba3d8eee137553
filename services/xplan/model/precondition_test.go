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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateVarClass(t *testing.T) {
	x, y, z := binaryVar("x"), binaryVar("y"), binaryVar("z")
	xy, err := NewStateVarClass(y, x)
	require.NoError(t, err)
	yz, err := NewStateVarClass(z, y)
	require.NoError(t, err)
	onlyZ, err := NewStateVarClass(z)
	require.NoError(t, err)

	assert.Equal(t, "x,y", xy.Key())
	assert.True(t, xy.Overlaps(yz))
	assert.False(t, xy.Overlaps(onlyZ))
	assert.Equal(t, "x,y,z", xy.Union(yz).Key())
	assert.Equal(t, "y", xy.Intersect(yz).Key())
	assert.True(t, onlyZ.IsSubsetOf(yz))
	assert.False(t, xy.IsSubsetOf(yz))

	_, err = NewStateVarClass(x, x)
	assert.ErrorIs(t, err, ErrDuplicateDefinition)

	_, err = NewEffectClass()
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestPrecondition(t *testing.T) {
	x, y := binaryVar("x"), binaryVar("y")
	c := MustStateVarDefinition("c", StringValue("r"), StringValue("g"), StringValue("b"))
	move := NewAction("move")
	stay := NewAction("stay")
	def := MustActionDefinition("move", move)

	t.Run("unconstrained variables allow every value", func(t *testing.T) {
		pre := NewPrecondition(def)
		values, err := pre.ApplicableValues(move, c)
		require.NoError(t, err)
		assert.Equal(t, c.Values(), values)
	})

	t.Run("univariate predicates are disjunctions in domain order", func(t *testing.T) {
		pre := NewPrecondition(def)
		require.NoError(t, pre.AddUnivariate(move, c.MustVar(StringValue("b"))))
		require.NoError(t, pre.AddUnivariate(move, c.MustVar(StringValue("r"))))
		values, err := pre.ApplicableValues(move, c)
		require.NoError(t, err)
		assert.Equal(t, []Value{StringValue("r"), StringValue("b")}, values)
	})

	t.Run("foreign actions are rejected", func(t *testing.T) {
		pre := NewPrecondition(def)
		_, err := pre.ApplicableValues(stay, c)
		assert.ErrorIs(t, err, ErrIncompatibleAction)
		assert.ErrorIs(t, pre.AddUnivariate(stay, x.MustVar(IntValue(0))), ErrIncompatibleAction)
	})

	t.Run("multivariate predicates require an exact class", func(t *testing.T) {
		pre := NewPrecondition(def)
		require.NoError(t, pre.AddMultivariate(move, MustTuple(x.MustVar(IntValue(0)), y.MustVar(IntValue(1)))))
		require.NoError(t, pre.AddMultivariate(move, MustTuple(x.MustVar(IntValue(1)), y.MustVar(IntValue(1)))))

		xy, _ := NewStateVarClass(x, y)
		tuples, err := pre.ApplicableTuples(move, xy)
		require.NoError(t, err)
		assert.Len(t, tuples, 2)

		onlyX, _ := NewStateVarClass(x)
		_, err = pre.ApplicableTuples(move, onlyX)
		assert.ErrorIs(t, err, ErrStateVarClassNotFound)

		partial, err := pre.PartialApplicableTuples(move, onlyX)
		require.NoError(t, err)
		assert.Len(t, partial, 2)

		onlyY, _ := NewStateVarClass(y)
		partial, err = pre.PartialApplicableTuples(move, onlyY)
		require.NoError(t, err)
		assert.Len(t, partial, 1, "projections are distinct")
	})

	t.Run("overlapping multivariate classes are rejected", func(t *testing.T) {
		pre := NewPrecondition(def)
		require.NoError(t, pre.AddMultivariate(move, MustTuple(x.MustVar(IntValue(0)), y.MustVar(IntValue(1)))))
		err := pre.AddMultivariate(move, MustTuple(y.MustVar(IntValue(0)), c.MustVar(StringValue("r"))))
		assert.ErrorIs(t, err, ErrOverlappingClasses)
	})

	t.Run("IsApplicable checks every predicate", func(t *testing.T) {
		pre := NewPrecondition(def)
		require.NoError(t, pre.AddUnivariate(move, c.MustVar(StringValue("g"))))
		require.NoError(t, pre.AddMultivariate(move, MustTuple(x.MustVar(IntValue(1)), y.MustVar(IntValue(0)))))

		ok, err := pre.IsApplicable(MustTuple(c.MustVar(StringValue("g")), x.MustVar(IntValue(1)), y.MustVar(IntValue(0))), move)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = pre.IsApplicable(MustTuple(c.MustVar(StringValue("r")), x.MustVar(IntValue(1)), y.MustVar(IntValue(0))), move)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = pre.IsApplicable(MustTuple(c.MustVar(StringValue("g")), x.MustVar(IntValue(0)), y.MustVar(IntValue(0))), move)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPrecondition_IsWeakerThan(t *testing.T) {
	c := MustStateVarDefinition("c", StringValue("r"), StringValue("g"), StringValue("b"))
	move := NewAction("move")
	def := MustActionDefinition("move", move)

	child := NewPrecondition(def)
	require.NoError(t, child.AddUnivariate(move, c.MustVar(StringValue("r"))))

	weak := NewPrecondition(def)
	require.NoError(t, weak.AddUnivariate(move, c.MustVar(StringValue("r"))))
	require.NoError(t, weak.AddUnivariate(move, c.MustVar(StringValue("g"))))
	ok, err := weak.IsWeakerThan(child, move)
	require.NoError(t, err)
	assert.True(t, ok)

	strong := NewPrecondition(def)
	require.NoError(t, strong.AddUnivariate(move, c.MustVar(StringValue("g"))))
	ok, err = strong.IsWeakerThan(child, move)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = NewPrecondition(def).IsWeakerThan(child, move)
	require.NoError(t, err)
	assert.True(t, ok, "an empty precondition is weaker than anything")
}

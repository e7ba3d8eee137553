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

func TestNewFactoredPSO(t *testing.T) {
	x, y := binaryVar("x"), binaryVar("y")
	act := NewAction("act")
	def := MustActionDefinition("act", act)
	pre := NewPrecondition(def)
	xClass, xyClass := MustEffectClass(x), MustEffectClass(x, y)

	a, err := NewFormulaActionDescription(def, pre, MustDiscriminantClass(), xClass, uniformOver(xClass, x))
	require.NoError(t, err)
	b := NewTabularActionDescription(def, MustDiscriminantClass(), xyClass)

	_, err = NewFactoredPSO(def, pre, a, b)
	assert.ErrorIs(t, err, ErrOverlappingClasses)

	otherDef := MustActionDefinition("other", NewAction("other"))
	_, err = NewFactoredPSO(otherDef, nil, a)
	assert.ErrorIs(t, err, ErrInvalidModel)

	pso, err := NewFactoredPSO(def, pre, a)
	require.NoError(t, err)
	got, err := pso.ActionDescription(xClass)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = pso.ActionDescription(MustEffectClass(y))
	assert.ErrorIs(t, err, ErrEffectClassNotFound)
}

func TestFactoredPSO_TransitionProbability(t *testing.T) {
	x, y, z := binaryVar("x"), binaryVar("y"), binaryVar("z")
	act := NewAction("act")
	def := MustActionDefinition("act", act)
	pre := NewPrecondition(def)
	require.NoError(t, pre.AddUnivariate(act, z.MustVar(IntValue(0))))

	xClass, yClass := MustEffectClass(x), MustEffectClass(y)
	biased := func(class *EffectClass, def *StateVarDefinition, p1 float64) EffectFormula {
		return func(Discriminant, Action) (*ProbabilisticEffect, error) {
			pe := NewProbabilisticEffect(class)
			if err := pe.PutValues(p1, def.MustVar(IntValue(1))); err != nil {
				return nil, err
			}
			return pe, pe.PutValues(1-p1, def.MustVar(IntValue(0)))
		}
	}
	xDesc, err := NewFormulaActionDescription(def, pre, MustDiscriminantClass(x), xClass, biased(xClass, x, 0.3))
	require.NoError(t, err)
	yDesc, err := NewFormulaActionDescription(def, pre, MustDiscriminantClass(), yClass, biased(yClass, y, 0.6))
	require.NoError(t, err)
	pso, err := NewFactoredPSO(def, pre, xDesc, yDesc)
	require.NoError(t, err)

	state := func(xv, yv, zv int) Tuple {
		return MustTuple(x.MustVar(IntValue(xv)), y.MustVar(IntValue(yv)), z.MustVar(IntValue(zv)))
	}
	src := state(0, 0, 0)

	tests := []struct {
		name string
		dest Tuple
		want float64
	}{
		{"both set", state(1, 1, 0), 0.3 * 0.6},
		{"x set only", state(1, 0, 0), 0.3 * 0.4},
		{"neither", state(0, 0, 0), 0.7 * 0.4},
		{"untouched variable changed", state(1, 1, 1), 0},
	}
	total := 0.0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pso.TransitionProbability(src, act, tt.dest)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, p, 1e-12)
		})
	}
	for _, dest := range []Tuple{state(0, 0, 0), state(0, 1, 0), state(1, 0, 0), state(1, 1, 0)} {
		p, err := pso.TransitionProbability(src, act, dest)
		require.NoError(t, err)
		total += p
	}
	assert.InDelta(t, 1.0, total, ProbabilityTolerance)

	p, err := pso.TransitionProbability(state(0, 0, 1), act, state(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, p, "inapplicable action")
}

func TestTransitionFunction(t *testing.T) {
	c := MustStateVarDefinition("c", StringValue("r"), StringValue("g"))
	run, walk := NewAction("run"), NewAction("walk")
	runDef := MustActionDefinition("run", run)
	walkDef := MustActionDefinition("walk", walk)
	moveDef, err := NewCompositeActionDefinition("move", runDef, walkDef)
	require.NoError(t, err)
	assert.Same(t, moveDef, runDef.Parent())
	assert.True(t, moveDef.IsComposite())
	assert.Equal(t, 2, moveDef.Len())

	_, err = NewCompositeActionDefinition("again", runDef)
	assert.ErrorIs(t, err, ErrDuplicateDefinition)

	runPre := NewPrecondition(runDef)
	require.NoError(t, runPre.AddUnivariate(run, c.MustVar(StringValue("r"))))
	runPSO, err := NewFactoredPSO(runDef, runPre)
	require.NoError(t, err)

	t.Run("composite weaker than constituent", func(t *testing.T) {
		movePSO, err := NewFactoredPSO(moveDef, nil)
		require.NoError(t, err)
		tf, err := NewTransitionFunction(movePSO, runPSO)
		require.NoError(t, err)

		got, err := tf.PSOFor(runDef)
		require.NoError(t, err)
		assert.Same(t, runPSO, got, "leaf PSO wins")
		got, err = tf.PSOFor(walkDef)
		require.NoError(t, err)
		assert.Same(t, movePSO, got, "walk falls back to the composite")
	})

	t.Run("composite stronger than constituent", func(t *testing.T) {
		movePre := NewPrecondition(moveDef)
		require.NoError(t, movePre.AddUnivariate(run, c.MustVar(StringValue("g"))))
		movePSO, err := NewFactoredPSO(moveDef, movePre)
		require.NoError(t, err)
		_, err = NewTransitionFunction(movePSO, runPSO)
		assert.ErrorIs(t, err, ErrCompositePrecondition)
	})

	t.Run("missing PSO", func(t *testing.T) {
		tf, err := NewTransitionFunction(runPSO)
		require.NoError(t, err)
		_, err = tf.PSOFor(walkDef)
		assert.ErrorIs(t, err, ErrActionDefinitionNotFound)
	})

	t.Run("duplicate PSO", func(t *testing.T) {
		_, err := NewTransitionFunction(runPSO, runPSO)
		assert.ErrorIs(t, err, ErrDuplicateDefinition)
	})
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model/modeltest"
	xbadger "github.com/AleutianAI/AleutianXPlan/services/xplan/storage/badger"
)

func newStore(t *testing.T) *SolutionStore {
	t.Helper()
	db, err := xbadger.Open(xbadger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSolutionStore(db, nil)
}

func flipWorld(t *testing.T) *compile.ExplicitModel {
	t.Helper()
	fm, err := compile.Flatten(modeltest.NewFlipWorld().XMDP)
	require.NoError(t, err)
	em, err := compile.BuildExplicitModel(fm, nil, compile.DefaultOptions())
	require.NoError(t, err)
	return em
}

func TestSolutionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	em := flipWorld(t)
	req := lp.Request{Criterion: lp.TotalCost}
	r, err := lp.NewSolver(nil, lp.DefaultConfig(), nil).Solve(ctx, em.Model, req)
	require.NoError(t, err)

	key := Key(em.Model, req, lp.DefaultConfig())
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, key, r))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKey(t *testing.T) {
	em := flipWorld(t)
	cfg := lp.DefaultConfig()
	base := lp.Request{Criterion: lp.TotalCost}
	hard := lp.Request{Criterion: lp.TotalCost, Hard: []lp.Constraint{{CostIndex: 1, Value: 3}}}
	strict := lp.Request{Criterion: lp.TotalCost, Hard: []lp.Constraint{{CostIndex: 1, Value: 3, Strict: true}}}
	soft := func(p lp.PenaltyFunc) lp.Request {
		return lp.Request{Criterion: lp.TotalCost, Soft: []lp.SoftConstraint{{
			Constraint: lp.Constraint{CostIndex: 1, Value: 2}, MaxViolation: 1, Penalty: p,
		}}}
	}

	assert.Equal(t, Key(em.Model, base, cfg), Key(em.Model, base, cfg))
	assert.Len(t, Key(em.Model, base, cfg), 64)

	keys := map[string]string{
		"base":      Key(em.Model, base, cfg),
		"hard":      Key(em.Model, hard, cfg),
		"strict":    Key(em.Model, strict, cfg),
		"linear":    Key(em.Model, soft(nil), cfg),
		"quadratic": Key(em.Model, soft(lp.QuadraticPenalty), cfg),
		"average":   Key(em.Model, lp.Request{Criterion: lp.AverageCost}, cfg),
	}
	other := cfg
	other.DiscountFactor = 0.9
	keys["config"] = Key(em.Model, base, other)

	seen := make(map[string]string)
	for name, k := range keys {
		if prev, dup := seen[k]; dup {
			t.Errorf("%s and %s share a key", name, prev)
		}
		seen[k] = name
	}
	assert.Equal(t, Key(em.Model, soft(nil), cfg), Key(em.Model, soft(lp.LinearPenalty), cfg), "nil penalty is linear")
}

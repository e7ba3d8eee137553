// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package xplan

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/checker"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/config"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model/modeltest"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/policy"
	xbadger "github.com/AleutianAI/AleutianXPlan/services/xplan/storage/badger"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/store"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/telemetry"
)

func newPlanner(t *testing.T, opts ...Option) *Planner {
	t.Helper()
	cfg := config.Default()
	cfg.Observability.TracingEnabled = false
	p, err := NewPlanner(cfg, opts...)
	require.NoError(t, err)
	return p
}

func routeOf(t *testing.T, c *modeltest.Commute, info *policy.Info) string {
	t.Helper()
	a, ok := info.Policy().Action(c.XMDP.Initial())
	require.True(t, ok)
	return a.Name()
}

// counter sums the samples of a counter family whose labels include
// labelValue.
func counter(t *testing.T, m *telemetry.Metrics, name, labelValue string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if hasLabelValue(metric, labelValue) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabelValue(m *dto.Metric, v string) bool {
	for _, l := range m.GetLabel() {
		if l.GetValue() == v {
			return true
		}
	}
	return false
}

func TestPlanner_SolveFlipWorld(t *testing.T) {
	p := newPlanner(t)
	w := modeltest.NewFlipWorld()

	sol, err := p.Solve(context.Background(), w.XMDP, Request{})
	require.NoError(t, err)
	require.True(t, sol.Feasible())
	assert.NotEmpty(t, sol.RunID)
	assert.False(t, sol.Cached)
	assert.Equal(t, lp.StatusOptimal, sol.Result.Status)
	assert.Equal(t, 4, sol.Compiled.Explicit.NumStates())
	assert.InDelta(t, 3, sol.Info.ObjectiveCost(), 1e-6)

	v, err := sol.Info.QAValue(modeltest.TimeAttribute)
	require.NoError(t, err)
	assert.InDelta(t, 3, v, 1e-6)

	flip, ok := sol.Info.Policy().Action(w.Initial)
	require.True(t, ok)
	assert.Equal(t, w.Flip.Name(), flip.Name())
}

func TestPlanner_HardBounds(t *testing.T) {
	tests := []struct {
		name      string
		bounds    []string
		feasible  bool
		route     string
		objective float64
	}{
		{name: "unconstrained", feasible: true, route: "go(fast)", objective: 2.5},
		{name: "risk bound forces safe", bounds: []string{"risk<=1"}, feasible: true, route: "go(safe)", objective: 3},
		{name: "strict bound", bounds: []string{"risk<1.5"}, feasible: true, route: "go(safe)", objective: 3},
		{name: "non-strict bound at the optimum", bounds: []string{"risk<=1.5"}, feasible: true, route: "go(fast)", objective: 2.5},
		{name: "conflicting bounds", bounds: []string{"risk<=1", "time<=2"}, feasible: false},
	}

	p := newPlanner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := modeltest.NewCommute()
			var req Request
			for _, s := range tt.bounds {
				b, err := ParseBound(s)
				require.NoError(t, err)
				req.Hard = append(req.Hard, b)
			}
			sol, err := p.Solve(context.Background(), c.XMDP, req)
			require.NoError(t, err)
			require.Equal(t, tt.feasible, sol.Feasible())
			if !tt.feasible {
				assert.Equal(t, lp.StatusInfeasible, sol.Result.Status)
				return
			}
			assert.Equal(t, tt.route, routeOf(t, c, sol.Info))
			assert.InDelta(t, tt.objective, sol.Info.ObjectiveCost(), 1e-6)
		})
	}
}

func TestPlanner_SoftBound(t *testing.T) {
	p := newPlanner(t)
	c := modeltest.NewCommute()

	// Violating risk<=1 by 0.5 costs 0.5*4 = 2, more than switching to safe.
	sol, err := p.Solve(context.Background(), c.XMDP, Request{Soft: []SoftBound{{
		Bound:        Bound{Attribute: modeltest.RiskAttribute, Kind: lp.UpperBound, Value: 1},
		MaxViolation: 1,
		Weight:       4,
	}}})
	require.NoError(t, err)
	require.True(t, sol.Feasible())
	assert.Equal(t, c.Safe.Name(), routeOf(t, c, sol.Info))
}

func TestPlanner_UnknownAttribute(t *testing.T) {
	p := newPlanner(t)
	_, err := p.Solve(context.Background(), modeltest.NewCommute().XMDP, Request{
		Hard: []Bound{{Attribute: "comfort", Kind: lp.LowerBound, Value: 1}},
	})
	assert.ErrorIs(t, err, model.ErrAttributeNotFound)
}

func TestPlanner_NilModel(t *testing.T) {
	p := newPlanner(t)
	_, err := p.Solve(context.Background(), nil, Request{})
	assert.ErrorIs(t, err, ErrNilModel)
	_, err = p.Explain(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilModel)
}

func TestNewPlanner_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Solver.DiscountFactor = 1
	_, err := NewPlanner(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestPlanner_Explain(t *testing.T) {
	for _, mode := range []string{"hard", "soft"} {
		t.Run(mode, func(t *testing.T) {
			cfg := config.Default()
			cfg.Observability.TracingEnabled = false
			cfg.Explorer.Mode = mode
			p, err := NewPlanner(cfg)
			require.NoError(t, err)

			c := modeltest.NewCommute()
			sol, err := p.Solve(context.Background(), c.XMDP, Request{})
			require.NoError(t, err)

			alts, err := p.Explain(context.Background(), sol)
			require.NoError(t, err)
			require.Len(t, alts, 1)
			assert.Equal(t, modeltest.RiskAttribute, alts[0].Target)
			assert.Equal(t, c.Safe.Name(), routeOf(t, c, alts[0].Info))
			assert.InDelta(t, 3, alts[0].Info.ObjectiveCost(), 1e-6)

			stats := sol.Compiled.CacheStats()
			assert.Equal(t, 2, stats.Entries, "fast and safe are evaluated once each")
			assert.EqualValues(t, 2, stats.Misses)
			assert.Equal(t, 4.0, counter(t, p.Metrics(), "xplan_solver_solves_total", "total"), "one solve, two optimum solves, one re-solve")
		})
	}
}

func TestPlanner_ExplainInfeasible(t *testing.T) {
	p := newPlanner(t)
	sol, err := p.Solve(context.Background(), modeltest.NewCommute().XMDP, Request{
		Hard: []Bound{{Attribute: modeltest.TimeAttribute, Kind: lp.UpperBound, Value: 0.5}},
	})
	require.NoError(t, err)
	require.False(t, sol.Feasible())

	_, err = p.Explain(context.Background(), sol)
	assert.ErrorIs(t, err, policy.ErrNoPolicy)
}

func TestPlanner_Store(t *testing.T) {
	ctx := context.Background()
	db, err := xbadger.Open(xbadger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewSolutionStore(db, nil)

	p := newPlanner(t, WithStore(s))
	w := modeltest.NewFlipWorld()

	first, err := p.Solve(ctx, w.XMDP, Request{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := p.Solve(ctx, w.XMDP, Request{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.InDelta(t, first.Info.ObjectiveCost(), second.Info.ObjectiveCost(), 1e-9)
	assert.True(t, first.Info.Policy().Equal(second.Info.Policy()))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, counter(t, p.Metrics(), "xplan_store_lookups_total", "hit"))
	assert.Equal(t, 1.0, counter(t, p.Metrics(), "xplan_store_lookups_total", "miss"))
}

// constantChecker answers every property with value and records the
// models it was given.
type constantChecker struct {
	value float64

	mu     sync.Mutex
	models [][]byte
	props  []string
}

func (c *constantChecker) Check(_ context.Context, m []byte, props []string) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = append(c.models, m)
	c.props = append(c.props, props...)
	out := make([]float64, len(props))
	for i := range out {
		out[i] = c.value
	}
	return out, nil
}

type failingChecker struct{}

func (failingChecker) Check(context.Context, []byte, []string) ([]float64, error) {
	return nil, errors.New("prism crashed")
}

func TestPlanner_Checker(t *testing.T) {
	chk := &constantChecker{value: 7}
	p := newPlanner(t, WithChecker(chk))

	sol, err := p.Solve(context.Background(), modeltest.NewFlipWorld().XMDP, Request{})
	require.NoError(t, err)
	v, err := sol.Info.QAValue(modeltest.TimeAttribute)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	require.Len(t, chk.models, 1)
	assert.True(t, bytes.HasPrefix(chk.models[0], []byte("dtmc")))
	assert.True(t, strings.Contains(chk.props[0], `R{"time"}`))

	p = newPlanner(t, WithChecker(failingChecker{}))
	_, err = p.Solve(context.Background(), modeltest.NewFlipWorld().XMDP, Request{})
	assert.ErrorContains(t, err, "prism crashed")
}

func TestPlanner_Evaluator(t *testing.T) {
	p := newPlanner(t)
	assert.IsType(t, policy.CrossCheckEvaluator{}, p.evaluator(nil, nil, nil), "total cost values are checked on the chain")

	cfg := config.Default()
	cfg.Observability.TracingEnabled = false
	cfg.Solver.Criterion = lp.AverageCost.String()
	avg, err := NewPlanner(cfg)
	require.NoError(t, err)
	assert.IsType(t, policy.MeasureEvaluator{}, avg.evaluator(nil, nil, nil), "the chain evaluator sums costs to a goal")

	withChecker := newPlanner(t, WithChecker(&constantChecker{value: 1}))
	assert.IsType(t, checker.Evaluator{}, withChecker.evaluator(&Compiled{}, nil, nil))
}

func TestPlanner_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	p := newPlanner(t, WithTracer(telemetry.NewTracerWithProvider(tp, nil, true)))

	_, err := p.Solve(context.Background(), modeltest.NewFlipWorld().XMDP, Request{})
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"xplan.compile", "xplan.solve", "xplan.solve"}, names)
	run := sr.Ended()[2]
	for _, child := range sr.Ended()[:2] {
		assert.Equal(t, run.SpanContext().SpanID(), child.Parent().SpanID())
	}
}

func TestParseBound(t *testing.T) {
	tests := []struct {
		in   string
		want Bound
		err  bool
	}{
		{in: "risk<=1", want: Bound{Attribute: "risk", Kind: lp.UpperBound, Value: 1}},
		{in: "time < 2.5", want: Bound{Attribute: "time", Kind: lp.UpperBound, Value: 2.5, Strict: true}},
		{in: "comfort>=0.5", want: Bound{Attribute: "comfort", Kind: lp.LowerBound, Value: 0.5}},
		{in: "comfort>-1", want: Bound{Attribute: "comfort", Kind: lp.LowerBound, Value: -1, Strict: true}},
		{in: "<=1", err: true},
		{in: "risk=1", err: true},
		{in: "risk<=high", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBound(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidBound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "time<2.5", Bound{Attribute: "time", Kind: lp.UpperBound, Value: 2.5, Strict: true}.String())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xplan"

// Metrics holds the planner's Prometheus collectors on a private registry,
// so that several planners can live in one process.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	solves        *prometheus.CounterVec
	solveDuration *prometheus.HistogramVec
	modelStates   prometheus.Histogram
	modelChoices  prometheus.Histogram
	modelChains   prometheus.Histogram
	alternatives  prometheus.Histogram
	cacheLookups  *prometheus.CounterVec
	storeLookups  *prometheus.CounterVec
}

// NewMetrics creates the collectors on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	sizes := prometheus.ExponentialBuckets(1, 4, 10)
	return &Metrics{
		registry: reg,
		solves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "solves_total",
			Help:      "Total solves by optimization criterion and status",
		}, []string{"criterion", "status"}),
		solveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "duration_seconds",
			Help:      "Solve latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"criterion"}),
		modelStates: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compile",
			Name:      "states",
			Help:      "States of compiled explicit models",
			Buckets:   sizes,
		}),
		modelChoices: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compile",
			Name:      "choices",
			Help:      "State-action choices of compiled explicit models",
			Buckets:   sizes,
		}),
		modelChains: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compile",
			Name:      "chains",
			Help:      "Effect-class chains per compiled model",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		alternatives: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "explore",
			Name:      "alternatives",
			Help:      "Alternative policies found per explanation",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "policy_info_lookups_total",
			Help:      "Policy info cache lookups by result",
		}, []string{"result"}),
		storeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "lookups_total",
			Help:      "Solution store lookups by result",
		}, []string{"result"}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSolve records one solve.
func (m *Metrics) RecordSolve(criterion, status string, d time.Duration) {
	m.solves.WithLabelValues(criterion, status).Inc()
	m.solveDuration.WithLabelValues(criterion).Observe(d.Seconds())
}

// RecordModel records the size of a compiled model.
func (m *Metrics) RecordModel(chains, states, choices int) {
	m.modelChains.Observe(float64(chains))
	m.modelStates.Observe(float64(states))
	m.modelChoices.Observe(float64(choices))
}

// RecordAlternatives records the outcome of one explanation.
func (m *Metrics) RecordAlternatives(n int) {
	m.alternatives.Observe(float64(n))
}

// RecordCacheLookup records a policy info cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	m.cacheLookups.WithLabelValues(hitLabel(hit)).Inc()
}

// RecordStoreLookup records a solution store lookup.
func (m *Metrics) RecordStoreLookup(hit bool) {
	m.storeLookups.WithLabelValues(hitLabel(hit)).Inc()
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

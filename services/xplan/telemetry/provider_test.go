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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// restoreProviders puts the global providers back after a test.
func restoreProviders(t *testing.T) {
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestInit_Errors(t *testing.T) {
	var nilCtx context.Context
	_, err := Init(nilCtx, ProviderConfig{})
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = Init(context.Background(), ProviderConfig{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), ProviderConfig{MetricExporter: "statsd"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_None(t *testing.T) {
	restoreProviders(t)
	shutdown, err := Init(context.Background(), ProviderConfig{TraceExporter: ExporterNone, MetricExporter: ExporterNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_StdoutTraces(t *testing.T) {
	restoreProviders(t)
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), ProviderConfig{
		ServiceName:   "xplan-test",
		TraceExporter: ExporterStdout,
		Writer:        &buf,
	})
	require.NoError(t, err)

	tr := NewTracer(nil, true)
	_, span := tr.StartCompile(context.Background(), "all")
	tr.EndCompile(span, 1, 4, 5, nil)
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "xplan.compile")
	assert.Contains(t, buf.String(), "xplan-test")
}

func TestInit_PrometheusMetrics(t *testing.T) {
	restoreProviders(t)
	reg := prometheus.NewRegistry()
	shutdown, err := Init(context.Background(), ProviderConfig{
		MetricExporter: ExporterPrometheus,
		Registerer:     reg,
	})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	counter, err := otel.Meter("xplan.test").Int64Counter("provider_check_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	found := false
	for _, n := range names {
		if strings.HasPrefix(n, "provider_check") {
			found = true
		}
	}
	assert.True(t, found, "families: %v", names)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry tracing and Prometheus metrics
// for compiling, solving and exploring planning models.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "aleutian.xplan"

// Tracer provides OpenTelemetry tracing for planner operations.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer on the global tracer provider.
//
// Inputs:
//   - logger: Logger for structured logging (can be nil).
//   - enabled: When false every span is a no-op.
//
// Outputs:
//   - *Tracer: Tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	return NewTracerWithProvider(otel.GetTracerProvider(), logger, enabled)
}

// NewTracerWithProvider creates a tracer on the given provider.
func NewTracerWithProvider(tp trace.TracerProvider, logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{tracer: tp.Tracer(tracerName), logger: logger, enabled: enabled}
}

// StartRun starts the span of one planner invocation.
func (t *Tracer) StartRun(ctx context.Context, runID, operation string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "xplan."+operation,
		trace.WithAttributes(
			attribute.String("xplan.run_id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRun completes a run span.
func (t *Tracer) EndRun(span trace.Span, err error) {
	finish(span, err)
}

// StartCompile starts the span of model compilation.
func (t *Tracer) StartCompile(ctx context.Context, enumeration string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "xplan.compile",
		trace.WithAttributes(
			attribute.String("xplan.compile.enumeration", enumeration),
		),
	)
}

// EndCompile completes a compile span with the explicit model size.
func (t *Tracer) EndCompile(span trace.Span, chains, states, choices int, err error) {
	span.SetAttributes(
		attribute.Int("xplan.compile.chains", chains),
		attribute.Int("xplan.compile.states", states),
		attribute.Int("xplan.compile.choices", choices),
	)
	finish(span, err)
	if err == nil {
		t.logger.Debug("model compiled",
			slog.Int("chains", chains),
			slog.Int("states", states),
			slog.Int("choices", choices))
	}
}

// StartSolve starts the span of one LP/MIP solve.
func (t *Tracer) StartSolve(ctx context.Context, criterion string, hard, soft int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "xplan.solve",
		trace.WithAttributes(
			attribute.String("xplan.solve.criterion", criterion),
			attribute.Int("xplan.solve.hard_constraints", hard),
			attribute.Int("xplan.solve.soft_constraints", soft),
		),
	)
}

// EndSolve completes a solve span.
func (t *Tracer) EndSolve(span trace.Span, status string, objective float64, nodes int, cached bool, err error) {
	span.SetAttributes(
		attribute.String("xplan.solve.status", status),
		attribute.Float64("xplan.solve.objective", objective),
		attribute.Int("xplan.solve.nodes", nodes),
		attribute.Bool("xplan.solve.cached", cached),
	)
	finish(span, err)
}

// StartExplore starts the span of an alternative-policy search.
func (t *Tracer) StartExplore(ctx context.Context, mode string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "xplan.explore",
		trace.WithAttributes(
			attribute.String("xplan.explore.mode", mode),
		),
	)
}

// EndExplore completes an explore span.
func (t *Tracer) EndExplore(span trace.Span, alternatives int, err error) {
	span.SetAttributes(attribute.Int("xplan.explore.alternatives", alternatives))
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.xplan.checker")

var (
	checkLatency metric.Float64Histogram
	checkTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		checkLatency, err = meter.Float64Histogram(
			"checker_duration_seconds",
			metric.WithDescription("Duration of model checker runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		checkTotal, err = meter.Int64Counter(
			"checker_runs_total",
			metric.WithDescription("Total number of model checker runs"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordCheck(ctx context.Context, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	checkLatency.Record(ctx, d.Seconds(), attrs)
	checkTotal.Add(ctx, 1, attrs)
}

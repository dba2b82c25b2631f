// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linearopt

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for linear optimization.
var (
	tracer = otel.Tracer("aleutian.rao.linearopt")
	meter  = otel.Meter("aleutian.rao.linearopt")
)

var (
	iterationLatency metric.Float64Histogram
	iterationTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		iterationLatency, err = meter.Float64Histogram(
			"rao_lp_iteration_duration_seconds",
			metric.WithDescription("Duration of one linear optimization iteration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		iterationTotal, err = meter.Int64Counter(
			"rao_lp_iterations_total",
			metric.WithDescription("Total number of linear optimization iterations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startIterationSpan(ctx context.Context, iteration, rangeActions int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "linearopt.iteration",
		trace.WithAttributes(
			attribute.Int("linearopt.iteration", iteration),
			attribute.Int("linearopt.range_actions", rangeActions),
		),
	)
}

func recordIterationMetrics(ctx context.Context, duration time.Duration, status Status) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	iterationLatency.Record(ctx, duration.Seconds(), attrs)
	iterationTotal.Add(ctx, 1, attrs)
}

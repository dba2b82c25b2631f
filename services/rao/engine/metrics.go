// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gridrao/services/rao/perimeter"
)

var (
	tracer = otel.Tracer("aleutian.rao.engine")
	meter  = otel.Meter("aleutian.rao.engine")
)

var (
	runLatency       metric.Float64Histogram
	perimeterTotal   metric.Int64Counter
	perimeterLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runLatency, err = meter.Float64Histogram(
			"rao_run_duration_seconds",
			metric.WithDescription("Duration of a full optimization run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		perimeterTotal, err = meter.Int64Counter(
			"rao_perimeters_total",
			metric.WithDescription("Total number of perimeters optimized, by kind and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		perimeterLatency, err = meter.Float64Histogram(
			"rao_perimeter_duration_seconds",
			metric.WithDescription("Duration of one perimeter optimization"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, runID, cracID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "rao.run",
		trace.WithAttributes(
			attribute.String("rao.run_id", runID),
			attribute.String("rao.crac", cracID),
		),
	)
}

func startPerimeterSpan(ctx context.Context, kind Kind, state string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "rao.perimeter",
		trace.WithAttributes(
			attribute.String("rao.perimeter.kind", string(kind)),
			attribute.String("rao.perimeter.state", state),
		),
	)
}

func recordRunMetrics(ctx context.Context, status perimeter.Status, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	runLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status.String())))
}

func recordPerimeterMetrics(ctx context.Context, kind Kind, status perimeter.Status, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", status.String()),
	)
	perimeterTotal.Add(ctx, 1, attrs)
	perimeterLatency.Record(ctx, duration.Seconds(), attrs)
}

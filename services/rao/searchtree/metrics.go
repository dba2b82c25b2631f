// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for the search tree.
var (
	tracer = otel.Tracer("aleutian.rao.searchtree")
	meter  = otel.Meter("aleutian.rao.searchtree")
)

var (
	generationLatency metric.Float64Histogram
	leavesEvaluated   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		generationLatency, err = meter.Float64Histogram(
			"rao_search_generation_duration_seconds",
			metric.WithDescription("Duration of one search tree generation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		leavesEvaluated, err = meter.Int64Counter(
			"rao_search_leaves_evaluated_total",
			metric.WithDescription("Total number of search tree leaves evaluated"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startGenerationSpan(ctx context.Context, depth, leaves int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "searchtree.generation",
		trace.WithAttributes(
			attribute.Int("searchtree.depth", depth),
			attribute.Int("searchtree.leaves", leaves),
		),
	)
}

func recordGenerationMetrics(ctx context.Context, depth int, duration time.Duration, evaluated int) {
	if err := initMetrics(); err != nil {
		return
	}
	root := attribute.Bool("root", depth == 0)
	generationLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(root))
	leavesEvaluated.Add(ctx, int64(evaluated), metric.WithAttributes(root))
}

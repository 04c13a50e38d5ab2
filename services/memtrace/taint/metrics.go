// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taint

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("memtrace.taint")
	meter  = otel.Meter("memtrace.taint")
)

var (
	walkLatency metric.Float64Histogram
	dagNodes    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		walkLatency, err = meter.Float64Histogram(
			"memtrace_taint_walk_duration_seconds",
			metric.WithDescription("Duration of backward taint walks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		dagNodes, err = meter.Int64Histogram(
			"memtrace_taint_dag_nodes",
			metric.WithDescription("Nodes per taint DAG"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startOperationSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Taint."+operation,
		trace.WithAttributes(attribute.String("taint.operation", operation)),
	)
}

func recordDAGSize(ctx context.Context, nodes int, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	walkLatency.Record(ctx, duration.Seconds())
	dagNodes.Record(ctx, int64(nodes))
}

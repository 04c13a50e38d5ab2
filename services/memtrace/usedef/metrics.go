// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usedef

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
	tracer = otel.Tracer("memtrace.usedef")
	meter  = otel.Meter("memtrace.usedef")
)

var (
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter
	tableRecords     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationLatency, err = meter.Float64Histogram(
			"memtrace_usedef_operation_duration_seconds",
			metric.WithDescription("Duration of use-def operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationTotal, err = meter.Int64Counter(
			"memtrace_usedef_operation_total",
			metric.WithDescription("Total number of use-def operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tableRecords, err = meter.Int64Histogram(
			"memtrace_usedef_table_records",
			metric.WithDescription("Records per use-def table"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startOperationSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "UseDef."+operation,
		trace.WithAttributes(attribute.String("usedef.operation", operation)),
	)
}

func recordOperationMetrics(ctx context.Context, operation string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	)
	operationLatency.Record(ctx, duration.Seconds(), attrs)
	operationTotal.Add(ctx, 1, attrs)
}

func recordTableSize(ctx context.Context, records int) {
	if err := initMetrics(); err != nil {
		return
	}
	tableRecords.Record(ctx, int64(records))
}

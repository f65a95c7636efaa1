/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/instance-client/instance"
)

const instrumentationName = "github.com/srediag/instance-client"

// Attribute keys set on spans and measurements.
const (
	AttrOperation  = attribute.Key("instance.operation")
	AttrInstanceID = attribute.Key("instance.id")
	AttrResult     = attribute.Key("instance.result")
)

// Telemetry traces spawn, reload and stop with OpenTelemetry and records
// their duration. It implements instance.Telemetry.
type Telemetry struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

var _ instance.Telemetry = (*Telemetry)(nil)

// NewTelemetry uses tp and mp; nil providers are replaced by no-op ones.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	duration, err := meter.Float64Histogram("instance.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of instance lifecycle operations."),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("instance.operation.failures",
		metric.WithDescription("Lifecycle operations that returned an error."),
	)
	if err != nil {
		return nil, err
	}
	return &Telemetry{
		tracer:   tp.Tracer(instrumentationName),
		duration: duration,
		failures: failures,
	}, nil
}

// Start opens a client span named instance.<operation>.
func (t *Telemetry) Start(ctx context.Context, operation, instanceID string) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "instance."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrOperation.String(operation), AttrInstanceID.String(instanceID)),
	)
	start := time.Now()
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.failures.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(operation)))
		}
		span.SetAttributes(AttrResult.String(result))
		t.duration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(AttrOperation.String(operation), AttrResult.String(result)))
		span.End()
	}
}

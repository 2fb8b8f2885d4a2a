// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires an OpenTelemetry TracerProvider and exposes
// span-scoped helpers for the orchestrator, quality, and reconciliation
// packages. It builds the resource and provider here and an OTLP gRPC
// exporter in export.go; attaching that exporter (for example with
// sdktrace.WithBatcher) is left to the caller.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// NewProvider builds a TracerProvider tagged with serviceName/version and
// the given sample fraction, applies opts, and installs it as the global
// provider with otel.SetTracerProvider. It attaches no span exporter of its
// own; one is attached only when passed in opts (e.g. sdktrace.WithBatcher).
func NewProvider(serviceName, version string, sampleFraction float64, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleFraction))
	allOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

const instrumentationName = "github.com/devgodzilla/core"

// Tracer returns the package-scoped tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartProtocolSpan starts a span for a protocol_run operation, tagging
// it with the ids the Orchestrator and Reconciliation engine key on.
func StartProtocolSpan(ctx context.Context, operation string, protocolRunID, projectID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "protocol."+operation, trace.WithAttributes(
		attribute.Int64("devgodzilla.protocol_run_id", protocolRunID),
		attribute.Int64("devgodzilla.project_id", projectID),
	))
}

// StartStepSpan starts a span for a step_run operation.
func StartStepSpan(ctx context.Context, operation string, stepRunID, protocolRunID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "step."+operation, trace.WithAttributes(
		attribute.Int64("devgodzilla.step_run_id", stepRunID),
		attribute.Int64("devgodzilla.protocol_run_id", protocolRunID),
	))
}

// StartGateSpan starts a span for one quality gate's evaluation.
func StartGateSpan(ctx context.Context, gateID string, stepRunID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gate.evaluate", trace.WithAttributes(
		attribute.String("devgodzilla.gate_id", gateID),
		attribute.Int64("devgodzilla.step_run_id", stepRunID),
	))
}

// RecordError marks span as errored and attaches err, mirroring the
// teacher's span-error convention (status + recorded exception).
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EndOK sets span's status to Ok and ends it. Call via defer after a
// successful operation; on error paths call RecordError then span.End()
// directly instead.
func EndOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
	span.End()
}

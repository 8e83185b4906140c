// Copyright 2023 The bg-perf-tools Authors.
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

// Package telemetry exports synthetic latency records as OpenTelemetry
// spans over OTLP/HTTP.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/Shiztev/bg-perf-tools/pkg/config"
	"github.com/Shiztev/bg-perf-tools/pkg/tracefs"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InitProvider builds a tracer provider exporting to the configured OTLP
// endpoint. The returned shutdown function flushes pending spans;
// call it before process exit.
func InitProvider(cfg *config.Telemetry) (*sdktrace.TracerProvider, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	glog.V(1).Infof("Exporting latency spans to %s as service %q",
		cfg.Endpoint(), cfg.ServiceName)

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint()),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			glog.Warningf("Telemetry shutdown: %v", err)
		}
	}
	return provider, shutdown, nil
}

// LatencyEmitter converts synthetic latency records into spans. Each record
// becomes one span whose duration is the record's delta field and whose end
// aligns with the record's timestamp.
type LatencyEmitter struct {
	tracer     trace.Tracer
	spanName   string
	deltaField string
	joinField  string
}

// NewLatencyEmitter returns an emitter producing spans named spanName. The
// delta field carries the latency in microseconds; the join field carries
// the key the start/end pair was matched on.
func NewLatencyEmitter(
	provider trace.TracerProvider,
	spanName, deltaField, joinField string,
) *LatencyEmitter {
	return &LatencyEmitter{
		tracer:     provider.Tracer("github.com/Shiztev/bg-perf-tools/pkg/telemetry"),
		spanName:   spanName,
		deltaField: deltaField,
		joinField:  joinField,
	}
}

// Emit converts one record to a span. Decode failures are returned to the
// caller's error sink; they never abort the stream.
func (e *LatencyEmitter) Emit(record *tracefs.EventRecord) error {
	delta, err := record.FieldUint(e.deltaField)
	if err != nil {
		return err
	}
	key, err := record.FieldInt(e.joinField)
	if err != nil {
		return err
	}

	// The record's timestamp marks the end of the measured interval.
	end := time.Now()
	start := end.Add(-time.Duration(delta) * time.Microsecond)

	_, span := e.tracer.Start(context.Background(), e.spanName,
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Int64(e.joinField, key),
			attribute.Int64(e.deltaField+"_us", int64(delta)),
			attribute.Int("cpu", record.CPU),
		),
	)
	span.End(trace.WithTimestamp(end))
	return nil
}

package mailstore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailstore"

// otelInstrumentation holds OpenTelemetry instrumentation for registry
// operations. Per-operation mailbox instrumentation lives in the
// otelstore wrapper package.
type otelInstrumentation struct {
	tracingEnabled bool
	metricsEnabled bool
	tracer         trace.Tracer

	createCount  metric.Int64Counter
	createErrors metric.Int64Counter
}

// newOtelInstrumentation creates registry instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}
	if !o.tracingEnabled && !o.metricsEnabled {
		return o, nil
	}

	if o.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if o.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		meter := mp.Meter(instrumentationName)

		var err error
		o.createCount, err = meter.Int64Counter(
			"mailstore.storage.create.count",
			metric.WithDescription("Number of storage create dispatches"),
		)
		if err != nil {
			return nil, err
		}
		o.createErrors, err = meter.Int64Counter(
			"mailstore.storage.create.errors",
			metric.WithDescription("Number of failed storage create dispatches"),
		)
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

// startSpan starts a span if tracing is enabled. The returned func must
// be called with the operation's final error.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordCreate records one storage create dispatch.
func (o *otelInstrumentation) recordCreate(ctx context.Context, backend string, err error) {
	if !o.metricsEnabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	o.createCount.Add(ctx, 1, attrs)
	if err != nil {
		o.createErrors.Add(ctx, 1, attrs)
	}
}

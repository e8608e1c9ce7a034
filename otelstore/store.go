// Package otelstore provides OpenTelemetry instrumentation for storage
// backends. It wraps a mailstore.Storage and traces the mailbox
// lifecycle operations; opened mailboxes come back wrapped so their
// transaction commits are instrumented too.
package otelstore

import (
	"context"
	"fmt"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailstore/otelstore"

// Storage wraps a mailstore.Storage with OpenTelemetry instrumentation.
type Storage struct {
	mailstore.Storage
	opts *options

	// Tracing
	tracer trace.Tracer

	// Metrics
	opLatency     metric.Float64Histogram
	opCount       metric.Int64Counter
	opErrors      metric.Int64Counter
	commitLatency metric.Float64Histogram
	commitCount   metric.Int64Counter
	commitErrors  metric.Int64Counter
}

var _ mailstore.Storage = (*Storage)(nil)

// New creates an OTel-instrumented storage wrapping the given backend.
func New(backend mailstore.Storage, opts ...Option) (*Storage, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "mailstore",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Storage{
		Storage: backend,
		opts:    o,
	}

	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Storage) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	s.opLatency, err = meter.Float64Histogram(
		"mailstore.mailbox.op.duration",
		metric.WithDescription("Duration of mailbox lifecycle operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	s.opCount, err = meter.Int64Counter(
		"mailstore.mailbox.op.count",
		metric.WithDescription("Number of mailbox lifecycle operations"),
	)
	if err != nil {
		return err
	}
	s.opErrors, err = meter.Int64Counter(
		"mailstore.mailbox.op.errors",
		metric.WithDescription("Number of failed mailbox lifecycle operations"),
	)
	if err != nil {
		return err
	}
	s.commitLatency, err = meter.Float64Histogram(
		"mailstore.transaction.commit.duration",
		metric.WithDescription("Duration of transaction commits"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	s.commitCount, err = meter.Int64Counter(
		"mailstore.transaction.commit.count",
		metric.WithDescription("Number of transaction commits"),
	)
	if err != nil {
		return err
	}
	s.commitErrors, err = meter.Int64Counter(
		"mailstore.transaction.commit.errors",
		metric.WithDescription("Number of failed transaction commits"),
	)
	return err
}

// instrument runs op inside a span and records the operation metrics.
func (s *Storage) instrument(ctx context.Context, name string, attrs []attribute.KeyValue, op func(ctx context.Context) error) error {
	attrs = append(attrs,
		attribute.String("backend", s.Storage.BackendName()),
		attribute.String("service.name", s.opts.serviceName),
	)

	var span trace.Span
	if s.opts.tracingEnabled && s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, name,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	start := time.Now()
	err := op(ctx)
	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(append(attrs, attribute.String("op", name))...)
		s.opLatency.Record(ctx, duration, metricAttrs)
		s.opCount.Add(ctx, 1, metricAttrs)
		if err != nil {
			s.opErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return err
}

// CreateMailbox creates a mailbox with tracing and metrics.
func (s *Storage) CreateMailbox(ctx context.Context, name string, directory bool) error {
	return s.instrument(ctx, "mailstore.mailbox.create",
		[]attribute.KeyValue{
			attribute.String("mailbox", name),
			attribute.Bool("directory", directory),
		},
		func(ctx context.Context) error {
			return s.Storage.CreateMailbox(ctx, name, directory)
		})
}

// DeleteMailbox deletes a mailbox with tracing and metrics.
func (s *Storage) DeleteMailbox(ctx context.Context, name string) error {
	return s.instrument(ctx, "mailstore.mailbox.delete",
		[]attribute.KeyValue{attribute.String("mailbox", name)},
		func(ctx context.Context) error {
			return s.Storage.DeleteMailbox(ctx, name)
		})
}

// RenameMailbox renames a mailbox with tracing and metrics.
func (s *Storage) RenameMailbox(ctx context.Context, oldName, newName string) error {
	return s.instrument(ctx, "mailstore.mailbox.rename",
		[]attribute.KeyValue{
			attribute.String("mailbox.old", oldName),
			attribute.String("mailbox.new", newName),
		},
		func(ctx context.Context) error {
			return s.Storage.RenameMailbox(ctx, oldName, newName)
		})
}

// SetSubscribed updates a subscription with tracing and metrics.
func (s *Storage) SetSubscribed(ctx context.Context, name string, subscribed bool) error {
	return s.instrument(ctx, "mailstore.mailbox.subscribe",
		[]attribute.KeyValue{
			attribute.String("mailbox", name),
			attribute.Bool("subscribed", subscribed),
		},
		func(ctx context.Context) error {
			return s.Storage.SetSubscribed(ctx, name, subscribed)
		})
}

// OpenMailbox opens a mailbox with tracing and metrics. The returned
// mailbox is wrapped so its transaction commits are instrumented.
func (s *Storage) OpenMailbox(ctx context.Context, name string, flags mailstore.OpenFlags) (mailstore.Mailbox, error) {
	var box mailstore.Mailbox
	err := s.instrument(ctx, "mailstore.mailbox.open",
		[]attribute.KeyValue{attribute.String("mailbox", name)},
		func(ctx context.Context) error {
			var oerr error
			box, oerr = s.Storage.OpenMailbox(ctx, name, flags)
			return oerr
		})
	if err != nil {
		return nil, err
	}
	return &mailbox{Mailbox: box, store: s}, nil
}

// mailbox wraps an open mailbox so transactions created from it report
// commit telemetry.
type mailbox struct {
	mailstore.Mailbox
	store *Storage
}

var _ mailstore.Mailbox = (*mailbox)(nil)

func (m *mailbox) BeginTransaction(flags mailstore.TransactionFlags) (mailstore.Transaction, error) {
	tx, err := m.Mailbox.BeginTransaction(flags)
	if err != nil {
		return nil, err
	}
	return &transaction{Transaction: tx, box: m}, nil
}

// transaction wraps a transaction to instrument Commit.
type transaction struct {
	mailstore.Transaction
	box *mailbox
}

var _ mailstore.Transaction = (*transaction)(nil)

func (t *transaction) Commit(ctx context.Context, flags mailstore.SyncFlags) error {
	s := t.box.store
	attrs := []attribute.KeyValue{
		attribute.String("backend", s.Storage.BackendName()),
		attribute.String("mailbox", t.box.Name()),
		attribute.String("service.name", s.opts.serviceName),
	}

	var span trace.Span
	if s.opts.tracingEnabled && s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "mailstore.transaction.commit",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	start := time.Now()
	err := t.Transaction.Commit(ctx, flags)
	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.commitLatency.Record(ctx, duration, metricAttrs)
		s.commitCount.Add(ctx, 1, metricAttrs)
		if err != nil {
			s.commitErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return err
}

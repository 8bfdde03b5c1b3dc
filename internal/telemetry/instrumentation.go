package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Span and metric attributes must stay bounded. Target ids, hashes, URLs,
// correlation ids and cache paths belong in logs, never in attributes.
// Safe attributes are operation names, statuses, attachment kinds and
// component names.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentCacheOperation instruments disk cache index operations.
func (t *Telemetry) InstrumentCacheOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "cache_"+operation, "cache", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordCacheOperation(ctx, operation, status, time.Since(start))

	return err
}

// InstrumentFetch instruments one network attempt of the transfer backend.
func (t *Telemetry) InstrumentFetch(ctx context.Context, kind string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	return t.InstrumentOperation(ctx, "fetch", "backend", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "fetch_"+kind)
		defer span.End()

		span.SetAttributes(attribute.String("attachment.kind", kind))

		return fn(ctx)
	})
}

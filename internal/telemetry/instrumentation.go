package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes must stay low cardinality. Download ids, URLs, file names and
// error text belong in logs and span status, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span carrying component/operation/status attributes.
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

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentSourceOperation instruments calls into a transfer source (http, torrent, putio).
func (t *Telemetry) InstrumentSourceOperation(ctx context.Context, source, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "source_"+operation, "transfer_source", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, source+"_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("source.type", source),
			attribute.String("source.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordSourceOperation(source, operation, statusOf(err))

	return err
}

// InstrumentDownload instruments one worker run. fn returns the run outcome (completed, paused,
// failed, ...) which becomes the metric label.
func (t *Telemetry) InstrumentDownload(ctx context.Context, kind string, fn func(ctx context.Context) string) string {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	ctx, span := t.tracer.Start(ctx, "download")
	defer span.End()

	span.SetAttributes(attribute.String("download.kind", kind))

	outcome := fn(ctx)

	span.SetAttributes(attribute.String("download.outcome", outcome))

	if outcome == "failed" {
		span.SetStatus(codes.Error, "download failed")
	}

	t.RecordDownload(kind, outcome, time.Since(start))

	return outcome
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultService names the tracer when no service name is configured.
const DefaultService = "pgmirror"

// Tracer returns a named tracer for the service.
func Tracer(service string) trace.Tracer {
	if service == "" {
		service = DefaultService
	}
	return otel.Tracer(service)
}

// Start opens a span carrying attrs.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks the span as failed. It returns err.
func Fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

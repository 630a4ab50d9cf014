package eventstore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global provider; install one with otel.SetTracerProvider.
var tracer = otel.Tracer("github.com/example/es-engine/internal/eventstore")

func startSpan(ctx context.Context, op, aggType, aggID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventstore."+op,
		trace.WithAttributes(
			attribute.String("aggregate.type", aggType),
			attribute.String("aggregate.id", aggID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

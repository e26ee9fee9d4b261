package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sessionforge"

// StartExecutionSpan starts a span for one execution attempt.
func StartExecutionSpan(ctx context.Context, sessionID, executionID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execution",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("execution.id", executionID),
			attribute.String("execution.kind", kind),
		),
	)
}

// StartReaperSpan starts a span for one reaper pass.
func StartReaperSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reaper",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}

// StartDispatchSpan starts a span for delivering one callback job.
func StartDispatchSpan(ctx context.Context, jobID, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "callback.dispatch",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("session.id", sessionID),
		),
	)
}

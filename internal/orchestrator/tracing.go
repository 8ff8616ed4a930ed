// Tracing instrumentation for the orchestrator.
package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conductor-sh/conductor/internal/capability"
)

func tracer() trace.Tracer {
	return otel.Tracer("github.com/conductor-sh/conductor/internal/orchestrator")
}

// startRunSpan starts the root span for a workflow run.
func (o *Orchestrator) startRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("run.id", runID),
	)
	return ctx, span
}

// endRunSpan ends the run span with its terminal state.
func endRunSpan(span trace.Span, state string, err error) {
	span.SetAttributes(attribute.String("run.state", state))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startPhaseSpan starts a span for one phase attempt.
func (o *Orchestrator) startPhaseSpan(ctx context.Context, phase capability.Phase, iteration int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "phase."+phase.String())
	span.SetAttributes(
		attribute.String("phase.name", phase.String()),
		attribute.Int("phase.iteration", iteration),
	)
	return ctx, span
}

// startDispatchSpan starts a span for a single worker dispatch.
func (o *Orchestrator) startDispatchSpan(ctx context.Context, agent string, phase capability.Phase) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "dispatch."+agent)
	span.SetAttributes(
		attribute.String("dispatch.agent", agent),
		attribute.String("dispatch.phase", phase.String()),
	)
	return ctx, span
}

// endDispatchSpan ends a dispatch span with the worker's result.
func endDispatchSpan(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String("dispatch.result", result))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

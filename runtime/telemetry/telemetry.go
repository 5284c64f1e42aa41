// Package telemetry integrates runtime events with Clue logging and OTEL
// metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime. Implementations
// typically delegate to Clue but the interface is intentionally small so tests can
// provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span. Uses OTEL option types for type safety.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "operation", trace.WithSpanKind(trace.SpanKindClient))
//	defer span.End()
//	span.SetStatus(codes.Ok, "completed successfully")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Well-known metric names recorded by the core. Components emit these through
// the Metrics interface so deployments can aggregate them under one meter.
const (
	// MetricStepsCreated counts strategy steps added to graphs.
	MetricStepsCreated = "strategy_steps_created"
	// MetricSubtaskRounds counts sub-agent rounds started by the sub-task runner.
	MetricSubtaskRounds = "subtask_rounds"
	// MetricSubtaskRetries counts sub-task retry rounds (rounds after the first).
	MetricSubtaskRetries = "subtask_retries"
	// MetricDelegationNodes counts delegation plan nodes executed.
	MetricDelegationNodes = "delegation_nodes"
	// MetricWDKRetries counts retried external platform calls.
	MetricWDKRetries = "wdk_retries"
	// MetricWDKCallDuration times individual external platform calls.
	MetricWDKCallDuration = "wdk_call_duration"
	// MetricSubtaskDuration times whole sub-task executions.
	MetricSubtaskDuration = "subtask_duration"
	// MetricTurnDuration times whole conversational turns.
	MetricTurnDuration = "turn_duration"
)

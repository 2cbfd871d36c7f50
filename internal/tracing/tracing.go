// Package tracing wraps OpenTelemetry spans around workflow runs and steps.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rendis/agentscript"

// Span attribute keys.
const (
	AttrWorkflowName = attribute.Key("agentscript.workflow.name")
	AttrPattern      = attribute.Key("agentscript.workflow.pattern")
	AttrExecutionID  = attribute.Key("agentscript.execution.id")
	AttrStepName     = attribute.Key("agentscript.step.name")
	AttrStepKind     = attribute.Key("agentscript.step.kind")
	AttrStepTarget   = attribute.Key("agentscript.step.target")
	AttrAttempts     = attribute.Key("agentscript.step.attempts")
	AttrStatus       = attribute.Key("agentscript.status")
)

// Tracer returns the runtime tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartWorkflow opens the span covering one pattern engine run.
func StartWorkflow(ctx context.Context, pattern, name, executionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow."+pattern,
		trace.WithAttributes(
			AttrPattern.String(pattern),
			AttrWorkflowName.String(name),
			AttrExecutionID.String(executionID),
		),
	)
}

// StartStep opens the span covering one step including its retries.
func StartStep(ctx context.Context, name, kind, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "step "+name,
		trace.WithAttributes(
			AttrStepName.String(name),
			AttrStepKind.String(kind),
			AttrStepTarget.String(target),
		),
	)
}

// End closes span, marking it failed when err is non-nil or status is not
// "completed".
func End(span trace.Span, status string, err error) {
	span.SetAttributes(AttrStatus.String(status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status != "completed":
		span.SetStatus(codes.Error, status)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NewProvider creates an SDK tracer provider, installs it globally and
// returns it so the caller can shut it down. When w is non-nil spans are
// written to it as JSON lines.
func NewProvider(serviceName, version string, w io.Writer, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	all := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if w != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		all = append(all, sdktrace.WithBatcher(exp))
	}
	all = append(all, opts...)

	tp := sdktrace.NewTracerProvider(all...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

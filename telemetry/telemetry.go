// Package telemetry wraps OpenTelemetry tracing and metrics for runs and turns.
//
// Instruments use the global providers, so they are no-ops unless the host
// configures exporters (for example via clue.ConfigureOpenTelemetry). A nil
// *Instruments is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/roundtable/core"
)

const instrumentationName = "github.com/hupe1980/roundtable"

// Span and instrument names.
const (
	SpanInvoke = "roundtable.invoke"
	SpanTurn   = "roundtable.turn"

	MetricRuns     = "roundtable.runs"
	MetricTurns    = "roundtable.turns"
	MetricRunCost  = "roundtable.run.cost"
	MetricDuration = "roundtable.run.duration"
)

// Instruments bundles the tracer and the metric instruments.
type Instruments struct {
	tracer   trace.Tracer
	runs     metric.Int64Counter
	turns    metric.Int64Counter
	cost     metric.Float64Histogram
	duration metric.Float64Histogram
}

// New creates instruments from the global tracer and meter providers.
func New() (*Instruments, error) {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewWithProviders creates instruments from explicit providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	runs, err := meter.Int64Counter(MetricRuns, metric.WithDescription("Finished runs by status"))
	if err != nil {
		return nil, err
	}
	turns, err := meter.Int64Counter(MetricTurns, metric.WithDescription("Agent turns executed"))
	if err != nil {
		return nil, err
	}
	cost, err := meter.Float64Histogram(MetricRunCost,
		metric.WithDescription("Actual spend per run"), metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Run wall-clock duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Instruments{
		tracer:   tp.Tracer(instrumentationName),
		runs:     runs,
		turns:    turns,
		cost:     cost,
		duration: duration,
	}, nil
}

// StartInvoke opens the span covering one invocation.
func (i *Instruments) StartInvoke(ctx context.Context, runID, toolID string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, SpanInvoke, trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("tool.id", toolID),
	))
}

// EndInvoke records the run metrics and closes span.
func (i *Instruments) EndInvoke(ctx context.Context, span trace.Span, status core.RunStatus, reason string, usage core.Usage, elapsed time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	i.runs.Add(ctx, 1, attrs)
	i.cost.Record(ctx, usage.Cost.Dollars(), attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)

	span.SetAttributes(
		attribute.String("run.status", status.String()),
		attribute.String("run.reason", reason),
		attribute.Int("run.tokens", usage.Tokens),
		attribute.Float64("run.cost_usd", usage.Cost.Dollars()),
	)
	if status == core.StatusError {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}

// StartTurn opens the span covering one agent turn. The returned function
// closes it and counts the turn.
func (i *Instruments) StartTurn(ctx context.Context, role string, turn int) (context.Context, func(usage core.Usage, err error)) {
	if i == nil {
		return ctx, func(core.Usage, error) {}
	}
	ctx, span := i.tracer.Start(ctx, SpanTurn, trace.WithAttributes(
		attribute.String("agent.role", role),
		attribute.Int("turn", turn),
	))
	return ctx, func(usage core.Usage, err error) {
		span.SetAttributes(
			attribute.Int("turn.tokens", usage.Tokens),
			attribute.Float64("turn.cost_usd", usage.Cost.Dollars()),
		)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		i.turns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}

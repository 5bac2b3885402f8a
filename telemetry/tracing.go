// Package telemetry provides OpenTelemetry tracing for message dispatch and
// pipeline runs.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with bus-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return Noop()
	}
	return globalTracer
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (payloads in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Dispatch Spans ---

// DispatchSpanOptions describes the message a handler is about to run for.
type DispatchSpanOptions struct {
	AgentID       string
	MessageID     string
	Type          string
	Priority      string
	Sender        string
	CorrelationID string
	RequestType   string
}

// StartDispatchSpan starts a span for one handler invocation.
func (t *Tracer) StartDispatchSpan(ctx context.Context, opts DispatchSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch."+opts.Type, trace.WithSpanKind(trace.SpanKindConsumer))
	attrs := []attribute.KeyValue{
		attribute.String("agent.id", opts.AgentID),
		attribute.String("message.id", opts.MessageID),
		attribute.String("message.type", opts.Type),
		attribute.String("message.priority", opts.Priority),
		attribute.String("message.sender", opts.Sender),
	}
	if opts.CorrelationID != "" {
		attrs = append(attrs, attribute.String("message.correlation_id", opts.CorrelationID))
	}
	if opts.RequestType != "" {
		attrs = append(attrs, attribute.String("message.request_type", opts.RequestType))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// DispatchResult describes how a handler invocation ended.
type DispatchResult struct {
	Replied bool
	Payload map[string]any // Only included if debug=true
}

// EndDispatchSpan ends a dispatch span.
func (t *Tracer) EndDispatchSpan(span trace.Span, res DispatchResult, err error) {
	span.SetAttributes(attribute.Bool("dispatch.replied", res.Replied))
	if t.debug && len(res.Payload) > 0 {
		span.SetAttributes(attribute.String("dispatch.payload", truncateAny(res.Payload, 2000)))
	}
	end(span, err)
}

// --- Pipeline Spans ---

// StartPipelineSpan starts the span covering a whole pipeline run.
func (t *Tracer) StartPipelineSpan(ctx context.Context, pipelineID, workflow, caller string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "pipeline."+workflow, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("pipeline.workflow", workflow),
		attribute.String("pipeline.caller", caller),
	)
	return ctx, span
}

// PipelineStep records the pipeline advancing to a step.
func (t *Tracer) PipelineStep(span trace.Span, index int, step, agentID string) {
	span.AddEvent("step", trace.WithAttributes(
		attribute.Int("pipeline.step.index", index),
		attribute.String("pipeline.step.name", step),
		attribute.String("pipeline.step.agent", agentID),
	))
}

// EndPipelineSpan ends a pipeline span with its terminal outcome.
func (t *Tracer) EndPipelineSpan(span trace.Span, outcome string, stepsCompleted int, err error) {
	span.SetAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.Int("pipeline.steps_completed", stepsCompleted),
	)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier, typically message headers.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	return truncate(fmt.Sprint(v), maxLen)
}

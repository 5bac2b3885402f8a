package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFromProvider(tp, "test", debug), rec
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDispatchSpan(t *testing.T) {
	tracer, rec := newRecordingTracer(false)

	_, span := tracer.StartDispatchSpan(context.Background(), DispatchSpanOptions{
		AgentID:     "analyzer",
		MessageID:   "m-1",
		Type:        "request",
		Priority:    "normal",
		Sender:      "orchestrator",
		RequestType: "analyze",
	})
	tracer.EndDispatchSpan(span, DispatchResult{Replied: true, Payload: map[string]any{"secret": 1}}, nil)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "dispatch.request" {
		t.Errorf("Name = %q, want dispatch.request", s.Name())
	}
	if v, ok := attr(s, "message.request_type"); !ok || v.AsString() != "analyze" {
		t.Errorf("request_type attribute = %v", v)
	}
	if v, ok := attr(s, "dispatch.replied"); !ok || !v.AsBool() {
		t.Errorf("replied attribute = %v", v)
	}
	if _, ok := attr(s, "dispatch.payload"); ok {
		t.Error("payload must not be recorded outside debug mode")
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

func TestDispatchSpan_DebugAndError(t *testing.T) {
	tracer, rec := newRecordingTracer(true)

	_, span := tracer.StartDispatchSpan(context.Background(), DispatchSpanOptions{Type: "command"})
	tracer.EndDispatchSpan(span, DispatchResult{Payload: map[string]any{"k": "v"}}, errors.New("boom"))

	s := rec.Ended()[0]
	if _, ok := attr(s, "dispatch.payload"); !ok {
		t.Error("payload should be recorded in debug mode")
	}
	if s.Status().Code != codes.Error || s.Status().Description != "boom" {
		t.Errorf("status = %+v, want Error boom", s.Status())
	}
}

func TestPipelineSpan(t *testing.T) {
	tracer, rec := newRecordingTracer(false)

	_, span := tracer.StartPipelineSpan(context.Background(), "p-1", "analytics", "client")
	tracer.PipelineStep(span, 0, "collect", "collector")
	tracer.PipelineStep(span, 1, "analyze", "analyzer")
	tracer.EndPipelineSpan(span, "completed", 2, nil)

	s := rec.Ended()[0]
	if s.Name() != "pipeline.analytics" {
		t.Errorf("Name = %q", s.Name())
	}
	if len(s.Events()) != 2 {
		t.Errorf("events = %d, want 2", len(s.Events()))
	}
	if v, _ := attr(s, "pipeline.steps_completed"); v.AsInt64() != 2 {
		t.Errorf("steps_completed = %v, want 2", v)
	}
}

func TestContextPropagation(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("InitProvider error: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer().StartSpan(context.Background(), "parent")
	carrier := MapCarrier{}
	InjectContext(ctx, carrier)
	span.End()

	if carrier.Get("traceparent") == "" {
		t.Fatalf("traceparent not injected: %v", carrier)
	}

	extracted := ExtractContext(context.Background(), carrier)
	_, child := p.Tracer().StartSpan(extracted, "child")
	defer child.End()

	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("child should continue the injected trace")
	}
}

func TestInitProvider_Stdout(t *testing.T) {
	var buf bytes.Buffer
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "agentbus-test",
		Exporter:    ExporterStdout,
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("InitProvider error: %v", err)
	}

	_, span := p.Tracer().StartSpan(context.Background(), "exported")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if !strings.Contains(buf.String(), "exported") {
		t.Errorf("stdout exporter output missing span: %s", buf.String())
	}
}

func TestInitProvider_Errors(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{Exporter: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown exporter")
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{Exporter: ExporterOTLP}); err == nil {
		t.Error("expected error for missing OTLP endpoint")
	}
}

func TestGetTracer_DefaultNoop(t *testing.T) {
	SetGlobalTracer(nil)
	_, span := GetTracer().StartSpan(context.Background(), "noop")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("default tracer should produce non-recording spans")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncateAny(42, 10); got != "42" {
		t.Errorf("truncateAny = %q", got)
	}
}

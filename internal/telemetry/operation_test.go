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
	"go.opentelemetry.io/otel/trace"
)

func TestStartAndRunStep(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(t.Context(), tracer, "sync.pass", Plan{Steps: []PlannedStep{
		{ID: "host/h1", Title: "2 records"},
		{ID: "host/h2", Title: "1 record"},
	}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := op.RunStep(op.Context(), "host/h1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.SetAttributes(attribute.Int("cyrange.pass.synced", 2))
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}
	root := findSpanByName(spans, "sync.pass")
	if root == nil {
		t.Fatal("missing root span")
	}
	if len(root.Events()) == 0 || root.Events()[0].Name != PlanEventName {
		t.Fatalf("root events = %+v, want plan event", root.Events())
	}
	if !strings.Contains(getAttr(root.Events()[0].Attributes, PlanJSONKey), "host/h2") {
		t.Fatal("plan event does not list host/h2")
	}

	child := findSpanByName(spans, "host/h1")
	if child == nil {
		t.Fatal("missing step span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("step parent = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
}

func TestRunStepFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(t.Context(), tracer, "discovery.pass", Plan{Steps: []PlannedStep{{ID: "scope/a"}}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	boom := errors.New("probe failed")
	if err := op.RunStep(op.Context(), "scope/a", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("RunStep() error = %v, want boom", err)
	}
	op.End(nil)

	child := findSpanByName(recorder.Ended(), "scope/a")
	if child == nil {
		t.Fatal("missing failed step span")
	}
	if child.Status().Code != codes.Error || child.Status().Description != "probe failed" {
		t.Fatalf("step status = %+v, want error 'probe failed'", child.Status())
	}
}

func TestStartRejectsDuplicateSteps(t *testing.T) {
	t.Parallel()

	tracer, _ := newTestTracer()
	_, err := Start(t.Context(), tracer, "sync.pass", Plan{Steps: []PlannedStep{{ID: "host/h1"}, {ID: "host/h1"}}})
	if err == nil {
		t.Fatal("Start() error = nil, want duplicate id error")
	}
}

func TestNilOperationRunsStep(t *testing.T) {
	var op *Operation
	ran := false
	if err := op.RunStep(t.Context(), "x", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !ran {
		t.Fatal("step did not run")
	}
	op.End(nil)
}

func TestSetupStdout(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(true, "cyrange-test", &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	_, span := p.Tracer(TracerName).Start(t.Context(), "probe")
	span.End()
	if err := p.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"Name":"probe"`) {
		t.Fatalf("exported spans = %s, want span named probe", buf.String())
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("telemetry-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

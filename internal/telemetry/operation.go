package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName  = "cyrange.plan"
	PlanVersion    = "1"
	PlanVersionKey = "cyrange.plan.version"
	PlanJSONKey    = "cyrange.plan.json"
)

// PlannedStep is one unit of work announced before a pass starts, e.g. the
// records of one host.
type PlannedStep struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Operation is a root span for one scheduler pass with child spans per step.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens the root span of a pass and attaches plan as an event.
func Start(ctx context.Context, tracer trace.Tracer, name string, plan Plan) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("start operation %s: tracer is required", name)
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("start operation %s: %w", name, err)
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("start operation %s: marshal plan: %w", name, err)
	}

	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("cyrange.plan.steps", len(plan.Steps)),
	))
	span.AddEvent(PlanEventName, trace.WithAttributes(
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn under a child span named id.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, stepID)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// SetAttributes annotates the root span, typically with pass totals.
func (o *Operation) SetAttributes(kv ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(kv...)
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

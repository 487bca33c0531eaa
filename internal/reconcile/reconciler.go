package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cyrange/internal/check"
	"cyrange/internal/state"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultCallTimeout bounds a single runtime call.
const DefaultCallTimeout = 30 * time.Second

// Outcome classifies the result of one reconciliation.
type Outcome uint8

const (
	// OutcomeSkipped means no attempt was made: the record converged, was
	// claimed elsewhere, was deleted or got a new desired status mid-flight.
	OutcomeSkipped Outcome = iota + 1
	OutcomeSynced
	// OutcomeRetry is a failed attempt with budget left.
	OutcomeRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSynced:
		return "synced"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one Reconcile call.
type Result struct {
	RecordID string
	HostID   string
	AssetID  string
	Action   state.Action
	Outcome  Outcome
	Attempt  int
	From     state.SyncStatus
	To       state.SyncStatus
	Error    string
	Duration time.Duration
}

type Reconciler struct {
	Store       state.Store
	Runtime     Runtime
	Clock       state.Clock
	CallTimeout time.Duration
	Tracer      trace.Tracer
	// OnResult observes every concluded or skipped reconciliation.
	OnResult func(Result)
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return state.WallClock{}.Now()
}

func (r *Reconciler) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return noop.NewTracerProvider().Tracer("")
}

func (r *Reconciler) callTimeout() time.Duration {
	if r.CallTimeout > 0 {
		return r.CallTimeout
	}
	return DefaultCallTimeout
}

func (r *Reconciler) report(res Result) Result {
	if r.OnResult != nil {
		r.OnResult(res)
	}
	return res
}

var errNothingToDo = errors.New("record does not need reconciliation")

// Reconcile makes one attempt to converge rec. The attempt is persisted as
// SYNCING before the runtime is called so that a crash mid-call leaves a
// record the stale-sync sweep can recover.
//
// Runtime failures are captured on the record and reported through the
// Result. Only store failures are returned as errors.
func (r *Reconciler) Reconcile(ctx context.Context, rec state.Record) (Result, error) {
	check.Assert(r.Store != nil, "Reconciler.Reconcile: Store must not be nil")
	check.Assert(r.Runtime != nil, "Reconciler.Reconcile: Runtime must not be nil")

	started := r.now()
	res := Result{RecordID: rec.ID, HostID: rec.HostID, AssetID: rec.AssetID, From: rec.Sync}
	log := slog.With("component", "reconciler", "record", rec.ID, "host", rec.HostID)

	ctx, span := r.tracer().Start(ctx, "reconcile.record", trace.WithAttributes(
		attribute.String("cyrange.record.id", rec.ID),
		attribute.String("cyrange.host.id", rec.HostID),
	))
	defer span.End()

	claimed, err := r.Store.Update(ctx, rec.ID, func(cur *state.Record) error {
		if !cur.NeedsReconciliation() {
			return errNothingToDo
		}
		return cur.BeginSync(r.now())
	})
	switch {
	case errors.Is(err, errNothingToDo), errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrConflict):
		log.Debug("reconcile skipped", "reason", err)
		res.Outcome = OutcomeSkipped
		res.To = res.From
		return r.report(res), nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("claim record %s: %w", rec.ID, err)
	}

	res.From = rec.Sync
	res.Attempt = claimed.SyncAttempts
	res.Action = claimed.NextAction()
	span.SetAttributes(
		attribute.String("cyrange.action", res.Action.String()),
		attribute.Int("cyrange.attempt", res.Attempt),
	)

	req := Request{
		HostID: claimed.HostID,
		Container: ContainerRef{
			ID:    claimed.ContainerID,
			Name:  claimed.ContainerName,
			Image: claimed.ImageName,
			Labels: map[string]string{
				LabelRecord: claimed.ID,
				LabelAsset:  claimed.AssetID,
				LabelHost:   claimed.HostID,
			},
		},
		Action:  res.Action,
		Desired: claimed.Desired,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout())
	applied, callErr := r.Runtime.ApplyDesiredState(callCtx, req)
	cancel()
	if callErr != nil {
		callErr = fmt.Errorf("%s container: %w", res.Action, callErr)
		span.RecordError(callErr)
		log.Warn("runtime call failed", "action", res.Action, "attempt", res.Attempt, "err", callErr)
	}

	superseded := false
	final, err := r.Store.Update(ctx, rec.ID, func(cur *state.Record) error {
		now := r.now()
		if callErr != nil {
			err := cur.SyncFailed(callErr.Error(), now)
			if errors.Is(err, state.ErrInvalidTransition) {
				superseded = true
				return state.ErrUnchanged
			}
			return err
		}
		if applied.ContainerID != "" {
			cur.ContainerID = applied.ContainerID
		}
		err := cur.SyncSucceeded(applied.Status, applied.Health, now)
		if errors.Is(err, state.ErrInvalidTransition) {
			// A new desired status arrived while the call was in flight.
			superseded = true
			return cur.Observe(applied.Status, applied.Health, now)
		}
		return err
	})
	res.Duration = r.now().Sub(started)
	if err != nil && !(superseded && errors.Is(err, state.ErrUnchanged)) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("conclude sync of record %s: %w", rec.ID, err)
	}
	if superseded {
		log.Debug("attempt superseded by a new desired status")
		res.Outcome = OutcomeSkipped
		res.To = final.Sync
		return r.report(res), nil
	}

	res.To = final.Sync
	res.Error = final.SyncError
	switch final.Sync {
	case state.SyncSynced:
		res.Outcome = OutcomeSynced
		log.Debug("record synced", "action", res.Action, "attempt", res.Attempt)
	case state.SyncFailed:
		res.Outcome = OutcomeFailed
		span.SetStatus(codes.Error, final.SyncError)
		log.Warn("record exhausted its retry budget", "attempts", final.SyncAttempts, "err", final.SyncError)
	default:
		res.Outcome = OutcomeRetry
		span.SetStatus(codes.Error, final.SyncError)
	}
	return r.report(res), nil
}

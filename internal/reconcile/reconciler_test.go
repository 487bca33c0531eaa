package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cyrange/internal/adapter/fake"
	"cyrange/internal/reconcile"
	"cyrange/internal/state"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*reconcile.Reconciler, *fake.StateStore, *fake.Runtime, *fake.Clock) {
	t.Helper()
	store := fake.NewStateStore()
	rt := fake.NewRuntime()
	clock := fake.NewClock(t0)
	return &reconcile.Reconciler{Store: store, Runtime: rt, Clock: clock, CallTimeout: time.Second}, store, rt, clock
}

func seed(t *testing.T, store *fake.StateStore, rt *fake.Runtime, desired state.DesiredStatus, current state.CurrentStatus) state.Record {
	t.Helper()
	id := rt.AddContainer(fake.Container{HostID: "host-a", Name: "web", Image: "dvwa:latest", Status: current})
	rec := state.NewRecord("rec-1", state.Spec{
		HostID:        "host-a",
		AssetID:       "asset-1",
		ContainerID:   id,
		ContainerName: "web",
		ImageName:     "dvwa:latest",
		Desired:       desired,
	}, t0)
	rec.Current = current
	store.Put(rec)
	return rec
}

func TestReconcileAppliesAction(t *testing.T) {
	tests := []struct {
		name       string
		desired    state.DesiredStatus
		current    state.CurrentStatus
		wantAction state.Action
		wantStatus state.CurrentStatus
		wantDesire state.DesiredStatus
	}{
		{"start", state.DesiredRunning, state.CurrentStopped, state.ActionStart, state.CurrentRunning, state.DesiredRunning},
		{"unpause", state.DesiredRunning, state.CurrentPaused, state.ActionUnpause, state.CurrentRunning, state.DesiredRunning},
		{"stop", state.DesiredStopped, state.CurrentRunning, state.ActionStop, state.CurrentStopped, state.DesiredStopped},
		{"pause", state.DesiredPaused, state.CurrentRunning, state.ActionPause, state.CurrentPaused, state.DesiredPaused},
		{"restart settles on running", state.DesiredRestarted, state.CurrentRunning, state.ActionRestart, state.CurrentRunning, state.DesiredRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, rt, _ := setup(t)
			rec := seed(t, store, rt, tt.desired, tt.current)

			res, err := r.Reconcile(t.Context(), rec)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if res.Outcome != reconcile.OutcomeSynced || res.Action != tt.wantAction {
				t.Fatalf("Reconcile() = %s via %s, want synced via %s", res.Outcome, res.Action, tt.wantAction)
			}

			got, _ := store.Snapshot(rec.ID)
			if got.Sync != state.SyncSynced || got.Current != tt.wantStatus || got.Desired != tt.wantDesire {
				t.Errorf("record = %s current=%s desired=%s, want synced %s/%s", got.Describe(), got.Current, got.Desired, tt.wantStatus, tt.wantDesire)
			}
			if c, _ := rt.Container(rec.ContainerID); c.Status != tt.wantStatus {
				t.Errorf("container status = %s, want %s", c.Status, tt.wantStatus)
			}
		})
	}
}

func TestReconcileCreatesMissingContainer(t *testing.T) {
	r, store, rt, _ := setup(t)
	rec := state.NewRecord("rec-1", state.Spec{
		HostID:        "host-a",
		AssetID:       "asset-1",
		ContainerName: "target-web",
		ImageName:     "dvwa:latest",
		Desired:       state.DesiredRunning,
	}, t0)
	store.Put(rec)

	var req reconcile.Request
	rt.ApplyErr = func(_ context.Context, r reconcile.Request) error {
		req = r
		return nil
	}

	res, err := r.Reconcile(t.Context(), rec)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Action != state.ActionCreate || res.Outcome != reconcile.OutcomeSynced {
		t.Fatalf("Reconcile() = %s via %s, want synced via create", res.Outcome, res.Action)
	}
	if req.Container.Labels[reconcile.LabelRecord] != "rec-1" || req.Container.Labels[reconcile.LabelAsset] != "asset-1" {
		t.Errorf("request labels = %v, want record and asset labels", req.Container.Labels)
	}

	got, _ := store.Snapshot(rec.ID)
	if got.ContainerID == "" {
		t.Fatal("record container id is empty after create")
	}
	c, ok := rt.Container(got.ContainerID)
	if !ok || c.Name != "target-web" || c.Status != state.CurrentRunning {
		t.Errorf("created container = %+v, want running target-web", c)
	}
}

func TestReconcileExhaustsRetryBudget(t *testing.T) {
	r, store, rt, clock := setup(t)
	rec := seed(t, store, rt, state.DesiredRunning, state.CurrentStopped)
	rt.FailAlways(fake.FaultRuntimeApply, errors.New("image not found"))

	want := []reconcile.Outcome{reconcile.OutcomeRetry, reconcile.OutcomeRetry, reconcile.OutcomeFailed}
	for i, outcome := range want {
		clock.Advance(time.Minute)
		cur, _ := store.Snapshot(rec.ID)
		res, err := r.Reconcile(t.Context(), cur)
		if err != nil {
			t.Fatalf("attempt %d: Reconcile() error = %v", i+1, err)
		}
		if res.Outcome != outcome || res.Attempt != i+1 {
			t.Fatalf("attempt %d: outcome=%s attempt=%d, want %s", i+1, res.Outcome, res.Attempt, outcome)
		}
		if !strings.Contains(res.Error, "image not found") {
			t.Errorf("attempt %d: error = %q, want runtime error", i+1, res.Error)
		}
	}

	got, _ := store.Snapshot(rec.ID)
	if got.Sync != state.SyncFailed || got.SyncAttempts != 3 || !got.LastSyncAt.Equal(t0.Add(3*time.Minute)) {
		t.Fatalf("record = %s last_sync=%s, want failed (3/3) at the last attempt", got.Describe(), got.LastSyncAt)
	}

	res, err := r.Reconcile(t.Context(), got)
	if err != nil || res.Outcome != reconcile.OutcomeSkipped {
		t.Fatalf("Reconcile() of failed record = %s, %v, want skipped", res.Outcome, err)
	}
	if calls := rt.Count("ApplyDesiredState"); calls != 3 {
		t.Errorf("ApplyDesiredState calls = %d, want 3", calls)
	}

	rt.ClearFault(fake.FaultRuntimeApply)
	if _, err := store.Update(t.Context(), rec.ID, func(cur *state.Record) error { return cur.ResetSync(clock.Now()) }); err != nil {
		t.Fatalf("reset: %v", err)
	}
	reset, _ := store.Snapshot(rec.ID)
	res, err = r.Reconcile(t.Context(), reset)
	if err != nil || res.Outcome != reconcile.OutcomeSynced || res.Attempt != 1 {
		t.Fatalf("Reconcile() after reset = %+v, %v, want synced on attempt 1", res, err)
	}
	if got, _ := store.Snapshot(rec.ID); got.SyncError != "" || got.Current != state.CurrentRunning {
		t.Errorf("record after success = %s error=%q, want running without error", got.Describe(), got.SyncError)
	}
}

func TestReconcileBoundsRuntimeCall(t *testing.T) {
	r, store, rt, _ := setup(t)
	r.CallTimeout = 20 * time.Millisecond
	rec := seed(t, store, rt, state.DesiredRunning, state.CurrentStopped)
	rt.ApplyErr = func(ctx context.Context, _ reconcile.Request) error {
		<-ctx.Done()
		return ctx.Err()
	}

	res, err := r.Reconcile(t.Context(), rec)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Outcome != reconcile.OutcomeRetry {
		t.Fatalf("Reconcile() outcome = %s, want retry", res.Outcome)
	}
	if !strings.Contains(res.Error, context.DeadlineExceeded.Error()) {
		t.Errorf("error = %q, want deadline exceeded", res.Error)
	}
	got, _ := store.Snapshot(rec.ID)
	if got.Sync != state.SyncOutOfSync || got.SyncAttempts != 1 {
		t.Errorf("record = %s, want out_of_sync (1/3)", got.Describe())
	}
}

func TestReconcileCountsStatusMismatchAsFailure(t *testing.T) {
	r, store, rt, _ := setup(t)
	rec := seed(t, store, rt, state.DesiredRunning, state.CurrentStopped)
	rt.SetStuck(rec.ContainerID, true)

	res, err := r.Reconcile(t.Context(), rec)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Outcome != reconcile.OutcomeRetry {
		t.Fatalf("Reconcile() outcome = %s, want retry", res.Outcome)
	}
	if res.Error != "runtime reported STOPPED, want RUNNING" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestReconcileSkipsConvergedRecord(t *testing.T) {
	r, store, rt, _ := setup(t)
	rec := seed(t, store, rt, state.DesiredRunning, state.CurrentRunning)

	var reported []reconcile.Result
	r.OnResult = func(res reconcile.Result) { reported = append(reported, res) }

	res, err := r.Reconcile(t.Context(), rec)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Outcome != reconcile.OutcomeSkipped {
		t.Errorf("Reconcile() outcome = %s, want skipped", res.Outcome)
	}
	if rt.Count("ApplyDesiredState") != 0 {
		t.Errorf("runtime called for converged record")
	}
	if len(reported) != 1 {
		t.Errorf("OnResult calls = %d, want 1", len(reported))
	}
}

func TestReconcileSupersededByNewDesiredStatus(t *testing.T) {
	r, store, rt, clock := setup(t)
	rec := seed(t, store, rt, state.DesiredRunning, state.CurrentStopped)
	rt.ApplyErr = func(ctx context.Context, _ reconcile.Request) error {
		_, err := store.Update(ctx, rec.ID, func(cur *state.Record) error {
			return cur.SetDesired(state.DesiredPaused, clock.Now())
		})
		return err
	}

	res, err := r.Reconcile(t.Context(), rec)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Outcome != reconcile.OutcomeSkipped {
		t.Fatalf("Reconcile() outcome = %s, want skipped", res.Outcome)
	}
	got, _ := store.Snapshot(rec.ID)
	if got.Desired != state.DesiredPaused || got.Sync != state.SyncOutOfSync || got.SyncAttempts != 0 {
		t.Errorf("record = %s desired=%s, want out_of_sync (0/3) toward PAUSED", got.Describe(), got.Desired)
	}
	if got.Current != state.CurrentRunning {
		t.Errorf("current = %s, want the observed RUNNING", got.Current)
	}
}

func TestReconcileReturnsStoreErrors(t *testing.T) {
	r, store, rt, _ := setup(t)
	rec := seed(t, store, rt, state.DesiredRunning, state.CurrentStopped)
	store.FailOnce(fake.FaultStateStoreUpdate, errors.New("disk I/O error"))

	if _, err := r.Reconcile(t.Context(), rec); err == nil {
		t.Fatal("Reconcile() error = nil, want store error")
	}
	if rt.Count("ApplyDesiredState") != 0 {
		t.Error("runtime called although the claim failed")
	}
}

func TestReconcileSkipsDeletedRecord(t *testing.T) {
	r, _, _, _ := setup(t)
	rec := state.NewRecord("gone", state.Spec{HostID: "host-a", ContainerName: "x", Desired: state.DesiredRunning}, t0)

	res, err := r.Reconcile(t.Context(), rec)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Outcome != reconcile.OutcomeSkipped {
		t.Errorf("Reconcile() outcome = %s, want skipped", res.Outcome)
	}
}

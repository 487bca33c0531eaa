package fake

import (
	"errors"
	"testing"
	"time"

	"cyrange/internal/state"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecord(id string) state.Record {
	return state.NewRecord(id, state.Spec{
		HostID:        "host-a",
		AssetID:       "asset-1",
		ContainerName: id,
		ImageName:     "nginx",
		Desired:       state.DesiredRunning,
	}, testNow)
}

func TestStateStore_InsertGet(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()

	if err := ss.Insert(ctx, newTestRecord("r1")); err != nil {
		t.Fatal(err)
	}
	if err := ss.Insert(ctx, newTestRecord("r1")); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate insert, got %v", err)
	}

	got, err := ss.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if _, err := ss.Get(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStateStore_UpdateBumpsVersion(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()
	if err := ss.Insert(ctx, newTestRecord("r1")); err != nil {
		t.Fatal(err)
	}

	got, err := ss.Update(ctx, "r1", func(r *state.Record) error {
		return r.BeginSync(testNow)
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Sync != state.SyncSyncing {
		t.Errorf("expected syncing record at version 2, got %s at %d", got.Sync, got.Version)
	}
}

func TestStateStore_UpdateMutateErrorWritesNothing(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()
	if err := ss.Insert(ctx, newTestRecord("r1")); err != nil {
		t.Fatal(err)
	}

	loaded, err := ss.Update(ctx, "r1", func(r *state.Record) error {
		r.ImageName = "changed"
		return state.ErrUnchanged
	})
	if !errors.Is(err, state.ErrUnchanged) {
		t.Fatalf("expected ErrUnchanged, got %v", err)
	}
	if loaded.ImageName != "nginx" {
		t.Errorf("expected loaded record returned, got image %q", loaded.ImageName)
	}
	stored, _ := ss.Snapshot("r1")
	if stored.ImageName != "nginx" || stored.Version != 1 {
		t.Errorf("expected stored record untouched, got image %q version %d", stored.ImageName, stored.Version)
	}
}

func TestStateStore_UpdateRetriesOnConcurrentWrite(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()
	if err := ss.Insert(ctx, newTestRecord("r1")); err != nil {
		t.Fatal(err)
	}

	interleaved := false
	ss.BeforeWrite = func(id string) {
		if interleaved {
			return
		}
		interleaved = true
		rec, _ := ss.Snapshot(id)
		rec.Version++
		rec.Desired = state.DesiredStopped
		ss.Put(rec)
	}

	mutations := 0
	got, err := ss.Update(ctx, "r1", func(r *state.Record) error {
		mutations++
		r.ImageName = "nginx:1.27"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if mutations != 2 {
		t.Errorf("expected mutate to run twice, ran %d times", mutations)
	}
	if got.Desired != state.DesiredStopped || got.ImageName != "nginx:1.27" {
		t.Errorf("expected both writes kept, got desired %s image %q", got.Desired, got.ImageName)
	}
}

func TestStateStore_UpdateGivesUpAfterRetries(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()
	if err := ss.Insert(ctx, newTestRecord("r1")); err != nil {
		t.Fatal(err)
	}
	ss.BeforeWrite = func(id string) {
		rec, _ := ss.Snapshot(id)
		rec.Version++
		ss.Put(rec)
	}

	if _, err := ss.Update(ctx, "r1", func(*state.Record) error { return nil }); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestStateStore_ListFilters(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()

	a := newTestRecord("a")
	b := newTestRecord("b")
	b.HostID = "host-b"
	b.CreatedAt = testNow.Add(-time.Hour)
	c := newTestRecord("c")
	c.Sync = state.SyncFailed
	c.SyncAttempts = 3
	for _, r := range []state.Record{a, b, c} {
		ss.Put(r)
	}

	all, err := ss.List(ctx, state.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "b" {
		t.Errorf("expected 3 records oldest first, got %d starting with %q", len(all), all[0].ID)
	}

	onA, _ := ss.List(ctx, state.Filter{HostID: "host-a"})
	if len(onA) != 2 {
		t.Errorf("expected 2 records on host-a, got %d", len(onA))
	}
	pending, _ := ss.List(ctx, state.Filter{NeedsReconciliation: true})
	if len(pending) != 2 {
		t.Errorf("expected 2 records needing reconciliation, got %d", len(pending))
	}
	failed, _ := ss.List(ctx, state.Filter{Failed: true})
	if len(failed) != 1 || failed[0].ID != "c" {
		t.Errorf("expected only c failed, got %v", failed)
	}
}

func TestStateStore_DeleteSyncedBefore(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()

	old := newTestRecord("old")
	old.Sync = state.SyncSynced
	recent := newTestRecord("recent")
	recent.Sync = state.SyncSynced
	recent.UpdatedAt = testNow.Add(48 * time.Hour)
	pending := newTestRecord("pending")
	for _, r := range []state.Record{old, recent, pending} {
		ss.Put(r)
	}

	n, err := ss.DeleteSyncedBefore(ctx, testNow.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 deletion, got %d", n)
	}
	if _, ok := ss.Snapshot("old"); ok {
		t.Error("expected old record deleted")
	}
}

func TestStateStore_FaultInjection(t *testing.T) {
	ss := NewStateStore()
	ctx := t.Context()
	injected := errors.New("disk full")

	ss.FailOnce(FaultStateStoreInsert, injected)
	if err := ss.Insert(ctx, newTestRecord("r1")); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := ss.Insert(ctx, newTestRecord("r1")); err != nil {
		t.Fatalf("expected second insert to succeed, got %v", err)
	}

	ss.FailAlways(FaultStateStoreStats, injected)
	if _, err := ss.Stats(ctx); !errors.Is(err, injected) {
		t.Errorf("expected stats fault, got %v", err)
	}
	ss.ClearFault(FaultStateStoreStats)
	st, err := ss.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 {
		t.Errorf("expected total 1, got %d", st.Total)
	}
}

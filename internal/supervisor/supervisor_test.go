package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cyrange/internal/adapter/fake"
	"cyrange/internal/discovery"
	"cyrange/internal/events"
	"cyrange/internal/metrics"
	"cyrange/internal/reconcile"
	"cyrange/internal/signal/ntp"
	"cyrange/internal/state"
	"cyrange/internal/supervisor"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *fake.StateStore
	runtime   *fake.Runtime
	discovery *fake.DiscoveryStore
	clock     *fake.Clock
	events    *fake.Publisher
	sup       *supervisor.Supervisor
}

func testConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.HostMinInterval = 0
	cfg.RecordInterval = 0
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg supervisor.Config) *harness {
	t.Helper()
	h := &harness{
		store:     fake.NewStateStore(),
		runtime:   fake.NewRuntime(),
		discovery: fake.NewDiscoveryStore(),
		clock:     fake.NewClock(t0),
		events:    fake.NewPublisher(),
	}
	h.sup = supervisor.New(supervisor.Deps{
		Store:     h.store,
		Runtime:   h.runtime,
		Discovery: h.discovery,
		Clock:     h.clock,
		Metrics:   metrics.New(),
		Events:    h.events,
	}, cfg)
	return h
}

// put stores a record for an existing container on host.
func (h *harness) put(t *testing.T, id, host string, desired state.DesiredStatus, current state.CurrentStatus) state.Record {
	t.Helper()
	ctrID := h.runtime.AddContainer(fake.Container{HostID: host, Name: id, Image: "kali:latest", Status: current})
	rec := state.NewRecord(id, state.Spec{
		HostID:        host,
		AssetID:       "asset-" + id,
		ContainerID:   ctrID,
		ContainerName: id,
		ImageName:     "kali:latest",
		Desired:       desired,
	}, h.clock.Now())
	rec.Current = current
	h.store.Put(rec)
	return rec
}

func (h *harness) get(t *testing.T, id string) state.Record {
	t.Helper()
	rec, ok := h.store.Snapshot(id)
	if !ok {
		t.Fatalf("record %s not found", id)
	}
	return rec
}

func TestSyncNowConvergesRecordsAcrossHosts(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)
	b := h.put(t, "db", "host-b", state.DesiredStopped, state.CurrentRunning)

	res, err := h.sup.SyncNow(t.Context())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Processed != 2 || res.Synced != 2 || res.Failed != 0 {
		t.Fatalf("SyncNow() = %+v, want 2 processed and synced", res)
	}

	for _, rec := range []state.Record{a, b} {
		got := h.get(t, rec.ID)
		if got.Sync != state.SyncSynced || got.SyncAttempts != 1 {
			t.Errorf("record %s = %s, want synced after one attempt", rec.ID, got.Describe())
		}
	}
	if c, _ := h.runtime.Container(a.ContainerID); c.Status != state.CurrentRunning {
		t.Errorf("container %s status = %s, want RUNNING", a.ContainerID, c.Status)
	}
	if c, _ := h.runtime.Container(b.ContainerID); c.Status != state.CurrentStopped {
		t.Errorf("container %s status = %s, want STOPPED", b.ContainerID, c.Status)
	}

	if got := len(h.events.Events(events.TypeRecordTransition)); got != 2 {
		t.Errorf("transition events = %d, want 2", got)
	}
	if got := len(h.events.Events(events.TypeSyncPass)); got != 1 {
		t.Errorf("sync pass events = %d, want 1", got)
	}

	st := h.sup.Status()
	if !st.Healthy || st.InProgress || st.LastResult == nil || st.LastResult.Synced != 2 {
		t.Errorf("Status() = %+v, want healthy idle status with last result", st)
	}
}

func TestSyncNowSkipsUnreachableHost(t *testing.T) {
	h := newHarness(t, testConfig())
	h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)
	h.put(t, "db", "host-b", state.DesiredRunning, state.CurrentStopped)
	h.runtime.PingErr = func(_ context.Context, hostID string) error {
		if hostID == "host-b" {
			return errors.New("connection refused")
		}
		return nil
	}

	res, err := h.sup.SyncNow(t.Context())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Synced != 1 || res.Skipped != 1 {
		t.Fatalf("SyncNow() synced=%d skipped=%d, want 1 and 1", res.Synced, res.Skipped)
	}
	if len(res.SkippedHosts) != 1 || res.SkippedHosts[0] != "host-b" {
		t.Errorf("SkippedHosts = %v, want [host-b]", res.SkippedHosts)
	}

	got := h.get(t, "db")
	if got.Sync != state.SyncOutOfSync || got.SyncAttempts != 0 {
		t.Errorf("record on unreachable host = %s, want untouched out_of_sync (0/3)", got.Describe())
	}
	if h.runtime.Count("ApplyDesiredState") != 1 {
		t.Errorf("ApplyDesiredState calls = %d, want 1", h.runtime.Count("ApplyDesiredState"))
	}

	hosts := h.sup.Status().Hosts
	if len(hosts) != 2 || hosts[1].HostID != "host-b" || hosts[1].LastError == "" {
		t.Errorf("host snapshot = %+v, want host-b with its probe error", hosts)
	}
}

func TestSyncNowThrottlesRepeatedHostAccess(t *testing.T) {
	cfg := testConfig()
	cfg.HostMinInterval = 30 * time.Second
	h := newHarness(t, cfg)
	h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)

	if _, err := h.sup.SyncNow(t.Context()); err != nil {
		t.Fatalf("first SyncNow() error = %v", err)
	}

	h.put(t, "db", "host-a", state.DesiredRunning, state.CurrentStopped)
	h.clock.Advance(10 * time.Second)
	res, err := h.sup.SyncNow(t.Context())
	if err != nil {
		t.Fatalf("second SyncNow() error = %v", err)
	}
	if res.Processed != 0 || res.Skipped != 1 {
		t.Fatalf("throttled pass = %+v, want the record skipped", res)
	}

	h.clock.Advance(25 * time.Second)
	res, err = h.sup.SyncNow(t.Context())
	if err != nil {
		t.Fatalf("third SyncNow() error = %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("pass after interval synced = %d, want 1", res.Synced)
	}
}

func TestBreakerOpensAfterConsecutiveFailedPasses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, cfg)
	rec := h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)
	rec.MaxSyncAttempts = 10
	h.store.Put(rec)
	h.runtime.FailAlways(fake.FaultRuntimeApply, errors.New("daemon error"))

	for i := range 2 {
		res, err := h.sup.SyncNow(t.Context())
		if err != nil {
			t.Fatalf("pass %d: SyncNow() error = %v", i+1, err)
		}
		if res.Failed != 1 {
			t.Fatalf("pass %d: failed = %d, want 1", i+1, res.Failed)
		}
	}

	st := h.sup.Status()
	if st.Breaker != supervisor.BreakerOpen || st.Healthy || st.ConsecutiveFailures != 2 {
		t.Fatalf("Status() = %+v, want open unhealthy breaker after 2 failures", st)
	}
	if len(h.events.Events(events.TypeBreakerOpened)) != 1 {
		t.Errorf("breaker opened events = %d, want 1", len(h.events.Events(events.TypeBreakerOpened)))
	}

	if _, err := h.sup.SyncNow(t.Context()); !errors.Is(err, supervisor.ErrCircuitOpen) {
		t.Fatalf("SyncNow() with open breaker error = %v, want ErrCircuitOpen", err)
	}
	if got := h.get(t, "web").SyncAttempts; got != 2 {
		t.Errorf("attempts after blocked pass = %d, want 2", got)
	}

	h.runtime.ClearFault(fake.FaultRuntimeApply)
	h.sup.ResetFailureCount(t.Context())
	if st := h.sup.Status(); st.Breaker != supervisor.BreakerClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("Status() after reset = %+v, want closed breaker", st)
	}
	res, err := h.sup.SyncNow(t.Context())
	if err != nil || res.Synced != 1 {
		t.Fatalf("SyncNow() after reset = %+v, %v, want one synced record", res, err)
	}
}

func TestPartiallySuccessfulPassDoesNotCountAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(t, cfg)
	h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)
	h.put(t, "db", "host-b", state.DesiredRunning, state.CurrentStopped)
	h.runtime.ApplyErr = func(_ context.Context, req reconcile.Request) error {
		if req.HostID == "host-b" {
			return errors.New("no space left on device")
		}
		return nil
	}

	res, err := h.sup.SyncNow(t.Context())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Synced != 1 || res.Failed != 1 {
		t.Fatalf("SyncNow() = %+v, want one synced and one failed", res)
	}
	if st := h.sup.Status(); st.Breaker != supervisor.BreakerClosed || st.ConsecutiveFailures != 0 {
		t.Errorf("Status() = %+v, want closed breaker", st)
	}
}

func TestStoreErrorCountsAsFailedPass(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(t, cfg)
	h.store.FailOnce(fake.FaultStateStoreList, errors.New("database is locked"))

	if _, err := h.sup.SyncNow(t.Context()); err == nil {
		t.Fatal("SyncNow() error = nil, want store error")
	}
	if st := h.sup.Status(); st.Breaker != supervisor.BreakerOpen {
		t.Errorf("breaker = %s, want open", st.Breaker)
	}
}

func TestTriggerManualSyncIsSingleFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.runtime.ApplyErr = func(ctx context.Context, _ reconcile.Request) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !h.sup.TriggerManualSync() {
		t.Fatal("first TriggerManualSync() = false, want accepted")
	}
	<-entered

	if h.sup.TriggerManualSync() {
		t.Error("second TriggerManualSync() = true, want already running")
	}
	if _, err := h.sup.SyncNow(t.Context()); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Errorf("SyncNow() during manual pass error = %v, want ErrAlreadyRunning", err)
	}
	if !h.sup.Status().InProgress {
		t.Error("Status().InProgress = false during pass")
	}

	close(release)
	h.sup.Wait()

	st := h.sup.Status()
	if st.InProgress {
		t.Error("Status().InProgress = true after pass")
	}
	if st.LastResult == nil || st.LastResult.Synced != 1 {
		t.Fatalf("LastResult = %+v, want one synced record", st.LastResult)
	}
	if h.runtime.Count("ApplyDesiredState") != 1 {
		t.Errorf("ApplyDesiredState calls = %d, want 1", h.runtime.Count("ApplyDesiredState"))
	}
}

func TestSyncNowRecoversStaleSyncingRecords(t *testing.T) {
	h := newHarness(t, testConfig())

	retry := state.NewRecord("retry", state.Spec{
		HostID: "host-a", AssetID: "asset-1", ContainerName: "retry", ImageName: "nginx", Desired: state.DesiredRunning,
	}, t0)
	retry.Sync = state.SyncSyncing
	retry.SyncAttempts = 1
	retry.LastSyncAt = t0
	h.store.Put(retry)

	spent := retry
	spent.ID = "spent"
	spent.ContainerName = "spent"
	spent.SyncAttempts = 3
	h.store.Put(spent)

	fresh := retry
	fresh.ID = "fresh"
	fresh.ContainerName = "fresh"
	fresh.LastSyncAt = t0.Add(9 * time.Minute)
	h.store.Put(fresh)

	h.clock.Advance(10 * time.Minute)
	res, err := h.sup.SyncNow(t.Context())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.StaleRecovered != 2 {
		t.Fatalf("StaleRecovered = %d, want 2", res.StaleRecovered)
	}

	got := h.get(t, "retry")
	if got.Sync != state.SyncSynced || got.SyncAttempts != 2 || got.ContainerID == "" {
		t.Errorf("retry = %s container=%q, want synced on the second attempt with a created container", got.Describe(), got.ContainerID)
	}
	got = h.get(t, "spent")
	if got.Sync != state.SyncFailed || got.SyncError == "" {
		t.Errorf("spent = %s error=%q, want failed with the abandon reason", got.Describe(), got.SyncError)
	}
	if got := h.get(t, "fresh"); got.Sync != state.SyncSyncing {
		t.Errorf("fresh = %s, want still syncing", got.Describe())
	}
}

func TestCleanupDeletesOnlyOldSyncedRecords(t *testing.T) {
	h := newHarness(t, testConfig())
	old := h.put(t, "old", "host-a", state.DesiredRunning, state.CurrentRunning)
	old.Sync = state.SyncSynced
	h.store.Put(old)

	h.put(t, "pending", "host-a", state.DesiredRunning, state.CurrentStopped)

	h.clock.Advance(8 * 24 * time.Hour)
	recent := h.put(t, "recent", "host-a", state.DesiredRunning, state.CurrentRunning)
	recent.Sync = state.SyncSynced
	h.store.Put(recent)

	n, err := h.sup.Cleanup(t.Context(), 0)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Cleanup() = %d, want 1", n)
	}
	if _, ok := h.store.Snapshot("old"); ok {
		t.Error("old synced record still present")
	}
	for _, id := range []string{"pending", "recent"} {
		if _, ok := h.store.Snapshot(id); !ok {
			t.Errorf("record %s deleted, want kept", id)
		}
	}
	if len(h.events.Events(events.TypeCleanup)) != 1 {
		t.Errorf("cleanup events = %d, want 1", len(h.events.Events(events.TypeCleanup)))
	}
}

func TestResetFailedRestoresBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)
	rec.Sync = state.SyncFailed
	rec.SyncAttempts = 3
	rec.SyncError = "start container: timeout"
	h.store.Put(rec)
	h.put(t, "db", "host-a", state.DesiredRunning, state.CurrentStopped)

	n, err := h.sup.ResetFailed(t.Context())
	if err != nil {
		t.Fatalf("ResetFailed() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetFailed() = %d, want 1", n)
	}
	got := h.get(t, "web")
	if got.Sync != state.SyncOutOfSync || got.SyncAttempts != 0 || got.SyncError != "" {
		t.Errorf("reset record = %s error=%q, want out_of_sync (0/3) without error", got.Describe(), got.SyncError)
	}
}

func TestForceSyncAssetRetriesFailedRecord(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentStopped)
	rec.Sync = state.SyncFailed
	rec.SyncAttempts = 3
	h.store.Put(rec)

	results, err := h.sup.ForceSyncAsset(t.Context(), rec.AssetID)
	if err != nil {
		t.Fatalf("ForceSyncAsset() error = %v", err)
	}
	if len(results) != 1 || results[0].Outcome != reconcile.OutcomeSynced {
		t.Fatalf("ForceSyncAsset() = %+v, want one synced result", results)
	}
	if got := h.get(t, "web"); got.Sync != state.SyncSynced || got.SyncAttempts != 1 {
		t.Errorf("record = %s, want synced (1/3)", got.Describe())
	}

	if _, err := h.sup.ForceSyncAsset(t.Context(), "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("ForceSyncAsset(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDiscoverPropagatesObservations(t *testing.T) {
	cfg := testConfig()
	cfg.Scopes = []discovery.Scope{{ID: "range-1", HostID: "host-a"}}
	h := newHarness(t, cfg)

	// Drifted: recorded synced while running, now stopped.
	drifted := h.put(t, "web", "host-a", state.DesiredRunning, state.CurrentRunning)
	drifted.Sync = state.SyncSynced
	h.store.Put(drifted)
	h.runtime.SetStatus(drifted.ContainerID, state.CurrentStopped)

	// Adopted: record without a container id whose container exists by name.
	orphanID := h.runtime.AddContainer(fake.Container{HostID: "host-a", Name: "db", Image: "postgres:16", Status: state.CurrentRunning})
	h.store.Put(state.NewRecord("db", state.Spec{
		HostID: "host-a", AssetID: "asset-db", ContainerName: "db", ImageName: "postgres:16", Desired: state.DesiredRunning,
	}, t0))

	// Gone: the inventory knows a container that no longer exists.
	gone := state.NewRecord("cache", state.Spec{
		HostID: "host-a", AssetID: "asset-cache", ContainerID: "ctr-gone", ContainerName: "cache", ImageName: "redis", Desired: state.DesiredRunning,
	}, t0)
	gone.Current = state.CurrentRunning
	gone.Sync = state.SyncSynced
	h.store.Put(gone)
	h.discovery.Seed("range-1", discovery.Record{ContainerID: "ctr-gone", ContainerName: "cache", Status: "running"})

	res, err := h.sup.Discover(t.Context())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Scopes) != 1 {
		t.Fatalf("Discover() scopes = %d, want 1", len(res.Scopes))
	}
	sc := res.Scopes[0]
	if sc.Added != 2 || sc.Removed != 1 || sc.Propagated != 3 {
		t.Errorf("scope result = %+v, want 2 added, 1 removed, 3 propagated", sc)
	}

	got := h.get(t, "web")
	if got.Current != state.CurrentStopped || got.Sync != state.SyncOutOfSync {
		t.Errorf("drifted record = %s current=%s, want out_of_sync with STOPPED", got.Describe(), got.Current)
	}
	got = h.get(t, "db")
	if got.ContainerID != orphanID || got.Sync != state.SyncSynced {
		t.Errorf("adopted record = %s container=%q, want synced on %s", got.Describe(), got.ContainerID, orphanID)
	}
	got = h.get(t, "cache")
	if got.ContainerID != "" || got.Sync != state.SyncOutOfSync {
		t.Errorf("detached record = %s container=%q, want out_of_sync without container", got.Describe(), got.ContainerID)
	}

	if len(h.events.Events(events.TypeDiscoveryChanged)) != 1 {
		t.Errorf("discovery events = %d, want 1", len(h.events.Events(events.TypeDiscoveryChanged)))
	}
}

func TestDiscoverSkipsScopeWhenProbeFails(t *testing.T) {
	cfg := testConfig()
	cfg.Scopes = []discovery.Scope{{ID: "range-1", HostID: "host-a"}}
	h := newHarness(t, cfg)
	h.discovery.Seed("range-1", discovery.Record{ContainerID: "ctr-9", ContainerName: "web", Status: "running"})
	h.runtime.FailOnce(fake.FaultRuntimeProbe, errors.New("i/o timeout"))

	res, err := h.sup.Discover(t.Context())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if res.Scopes[0].Error == "" {
		t.Error("scope error is empty, want probe failure")
	}
	stored, err := h.discovery.ListScope(t.Context(), "range-1")
	if err != nil {
		t.Fatalf("ListScope() error = %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored records = %d, want inventory kept after failed probe", len(stored))
	}
}

func TestStatusUnhealthyOnClockOffset(t *testing.T) {
	store := fake.NewStateStore()
	clock := fake.NewClock(t0)
	checker := ntp.NewChecker(clock, "")
	checker.QueryFunc = func(string) (time.Duration, error) { return 3 * time.Second, nil }
	checker.Check()

	sup := supervisor.New(supervisor.Deps{
		Store:     store,
		Runtime:   fake.NewRuntime(),
		Discovery: fake.NewDiscoveryStore(),
		Clock:     clock,
		NTP:       checker,
	}, testConfig())

	st := sup.Status()
	if st.Healthy {
		t.Error("Status().Healthy = true with a 3s clock offset")
	}
	if st.Clock.Phase != ntp.UnhealthyOffset {
		t.Errorf("clock phase = %s, want %s", st.Clock.Phase, ntp.UnhealthyOffset)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*supervisor.Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*supervisor.Config) {}},
		{name: "disabled schedule", mutate: func(c *supervisor.Config) { c.CleanupSchedule = "" }},
		{name: "bad schedule", mutate: func(c *supervisor.Config) { c.SyncSchedule = "every five minutes" }, wantErr: true},
		{name: "zero breaker", mutate: func(c *supervisor.Config) { c.MaxConsecutiveFailures = 0 }, wantErr: true},
		{name: "duplicate scope", mutate: func(c *supervisor.Config) {
			c.Scopes = []discovery.Scope{{ID: "a", HostID: "h"}, {ID: "a", HostID: "h"}}
		}, wantErr: true},
		{name: "scope without host", mutate: func(c *supervisor.Config) {
			c.Scopes = []discovery.Scope{{ID: "a"}}
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := supervisor.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

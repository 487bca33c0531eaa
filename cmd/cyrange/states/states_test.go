package statescmd

import (
	"strings"
	"testing"
	"time"

	"cyrange/cmd/cyrange/ui"
	"cyrange/internal/controlapi"
)

func TestListFlagsRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := listFlags{
		host:         "lab-1",
		sync:         []string{"FAILED"},
		notSyncedFor: 2 * time.Hour,
		createdFrom:  "2026-02-01",
		createdTo:    "2026-03-01T00:00:00Z",
	}
	req, err := f.request(now)
	if err != nil {
		t.Fatalf("request() error = %v", err)
	}
	if req.HostID != "lab-1" || len(req.Sync) != 1 {
		t.Errorf("request() = %+v", req)
	}
	if !req.NotSyncedSince.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("NotSyncedSince = %v", req.NotSyncedSince)
	}
	if !req.CreatedFrom.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedFrom = %v", req.CreatedFrom)
	}
}

func TestListFlagsRejectInvalid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		f    listFlags
	}{
		{name: "negative age", f: listFlags{notSyncedFor: -time.Minute}},
		{name: "bad from", f: listFlags{createdFrom: "last week"}},
		{name: "inverted range", f: listFlags{createdFrom: "2026-03-02", createdTo: "2026-03-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.f.request(now); err == nil {
				t.Error("request() error = nil")
			}
		})
	}
}

func TestRecordsTable(t *testing.T) {
	ui.ConfigureColor(true)
	out := RecordsTable([]controlapi.Record{{
		ID: "rec-1", HostID: "lab-1", ContainerID: "0123456789abcdef",
		Desired: "RUNNING", Current: "STOPPED", Health: "unknown", Sync: "OUT_OF_SYNC",
		SyncAttempts: 1, MaxSyncAttempts: 3,
	}})
	for _, want := range []string{"rec-1", "0123456789ab", "OUT_OF_SYNC", "1/3"} {
		if !strings.Contains(out, want) {
			t.Errorf("RecordsTable() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("RecordsTable() should shorten container ids")
	}
}

package ui

import (
	"strings"
	"testing"
	"time"
)

func TestKeyValuesAligns(t *testing.T) {
	ConfigureColor(true)
	got := KeyValues("  ", KV("Breaker", "closed"), KV("In progress", "false"))
	want := "  Breaker:     closed\n  In progress: false\n"
	if got != want {
		t.Errorf("KeyValues() = %q, want %q", got, want)
	}
}

func TestPlainStatusHelpers(t *testing.T) {
	ConfigureColor(true)
	tests := []struct {
		got, want string
	}{
		{SyncStatus("FAILED"), "FAILED"},
		{Health("healthy"), "healthy"},
		{Outcome("retry"), "retry"},
		{Time(time.Time{}), "-"},
		{Time(time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))), "2026-03-01T11:00:00Z"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTableRendersRows(t *testing.T) {
	ConfigureColor(true)
	out := Table([]string{"ID", "SYNC"}, [][]string{{"rec-1", "SYNCED"}, {"rec-2", "FAILED"}})
	for _, want := range []string{"ID", "SYNC", "rec-1", "rec-2", "FAILED"} {
		if !strings.Contains(out, want) {
			t.Errorf("Table() missing %q:\n%s", want, out)
		}
	}
}

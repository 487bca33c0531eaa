package cmdutil

import (
	"bytes"
	"testing"
	"time"
)

func TestResolveSocketPath(t *testing.T) {
	t.Setenv("CYRANGE_SOCKET", "/run/test/cyranged.sock")
	if got := ResolveSocketPath("  /tmp/x.sock "); got != "/tmp/x.sock" {
		t.Errorf("ResolveSocketPath(flag) = %q", got)
	}
	if got := ResolveSocketPath(""); got != "/run/test/cyranged.sock" {
		t.Errorf("ResolveSocketPath(env) = %q", got)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: ""},
		{in: "2026-03-01", want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T12:30:00Z", want: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCurrentUserPrefersOverride(t *testing.T) {
	t.Setenv("USER", "alice")
	t.Setenv("CYRANGE_USER", "")
	if got := CurrentUser(); got != "alice" {
		t.Errorf("CurrentUser() = %q, want alice", got)
	}
	t.Setenv("CYRANGE_USER", "range-bot")
	if got := CurrentUser(); got != "range-bot" {
		t.Errorf("CurrentUser() = %q, want range-bot", got)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, map[string]int{"count": 2}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "{\n  \"count\": 2\n}\n" {
		t.Errorf("WriteJSON() = %q", got)
	}
}

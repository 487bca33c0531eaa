package discovery

import (
	"testing"

	"cyrange/internal/state"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want state.CurrentStatus
	}{
		{"running", state.CurrentRunning},
		{"Up 3 hours", state.CurrentRunning},
		{"Up 2 minutes (Paused)", state.CurrentPaused},
		{"paused", state.CurrentPaused},
		{"exited", state.CurrentStopped},
		{"Exited (0) 5 seconds ago", state.CurrentStopped},
		{"created", state.CurrentStopped},
		{"dead", state.CurrentStopped},
		{"restarting", state.CurrentUnknown},
		{"", state.CurrentUnknown},
	}
	for _, tt := range tests {
		if got := MapStatus(tt.raw); got != tt.want {
			t.Errorf("MapStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestMapHealth(t *testing.T) {
	tests := []struct {
		raw  string
		want state.HealthStatus
	}{
		{"healthy", state.HealthHealthy},
		{"Up 1 hour (healthy)", state.HealthHealthy},
		{"unhealthy", state.HealthUnhealthy},
		{"Up 1 hour (unhealthy)", state.HealthUnhealthy},
		{"starting", state.HealthUnknown},
		{"", state.HealthUnknown},
	}
	for _, tt := range tests {
		if got := MapHealth(tt.raw); got != tt.want {
			t.Errorf("MapHealth(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestIsSystemContainer(t *testing.T) {
	tests := []struct {
		name, image string
		want        bool
	}{
		{"/k8s_pause_coredns", "", true},
		{"docker-desktop-proxy", "", true},
		{"sidecar", "registry.k8s.io/pause:3.9", true},
		{"/web", "nginx:latest", false},
		{"kali-attacker", "kalilinux/kali-rolling", false},
	}
	for _, tt := range tests {
		if got := IsSystemContainer(tt.name, tt.image); got != tt.want {
			t.Errorf("IsSystemContainer(%q, %q) = %v, want %v", tt.name, tt.image, got, tt.want)
		}
	}
}

func TestFormatLabels(t *testing.T) {
	got := FormatLabels(map[string]string{"cyrange.host": "h1", "app": "web"})
	if want := "app=web,cyrange.host=h1"; got != want {
		t.Errorf("FormatLabels() = %q, want %q", got, want)
	}
	if got := FormatLabels(nil); got != "" {
		t.Errorf("FormatLabels(nil) = %q, want empty", got)
	}
}

package declare

import (
	"strings"
	"testing"

	"cyrange/internal/state"
)

func TestLoadCompose(t *testing.T) {
	spec := []byte(`
name: range
services:
  web:
    image: nginx:1.27
  kali:
    image: kalilinux/kali-rolling
    container_name: attacker
    labels:
      cyrange.host: lab-2
      cyrange.asset: asset-7
      cyrange.desired: paused
      cyrange.max-attempts: "5"
`)

	decls, err := LoadCompose(t.Context(), spec, ComposeOptions{HostID: "lab-1", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("LoadCompose() error = %v", err)
	}
	if len(decls) != 2 {
		t.Fatalf("len(decls) = %d, want 2", len(decls))
	}

	kali, web := decls[0], decls[1]
	if web.HostID != "lab-1" || web.AssetID != "web" || web.ContainerName != "range-web" ||
		web.ImageName != "nginx:1.27" || web.Desired != state.DesiredRunning || web.CreatedBy != "alice" {
		t.Errorf("web = %+v", web)
	}
	if kali.HostID != "lab-2" || kali.AssetID != "asset-7" || kali.ContainerName != "attacker" ||
		kali.Desired != state.DesiredPaused || kali.MaxSyncAttempts != 5 {
		t.Errorf("kali = %+v", kali)
	}
}

func TestLoadComposeProjectOverride(t *testing.T) {
	spec := []byte(`
name: from-file
services:
  web:
    image: nginx
`)
	decls, err := LoadCompose(t.Context(), spec, ComposeOptions{Project: "lab", HostID: "lab-1"})
	if err != nil {
		t.Fatalf("LoadCompose() error = %v", err)
	}
	if decls[0].ContainerName != "lab-web" {
		t.Errorf("ContainerName = %q, want lab-web", decls[0].ContainerName)
	}
}

func TestLoadComposeErrors(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		opts    ComposeOptions
		wantErr string
	}{
		{
			name:    "no host",
			spec:    "name: r\nservices:\n  web:\n    image: nginx\n",
			wantErr: "no host",
		},
		{
			name:    "bad desired",
			spec:    "name: r\nservices:\n  web:\n    image: nginx\n    labels:\n      cyrange.desired: sleeping\n",
			opts:    ComposeOptions{HostID: "lab-1"},
			wantErr: "cyrange.desired",
		},
		{
			name:    "bad budget",
			spec:    "name: r\nservices:\n  web:\n    image: nginx\n    labels:\n      cyrange.max-attempts: \"0\"\n",
			opts:    ComposeOptions{HostID: "lab-1"},
			wantErr: "cyrange.max-attempts",
		},
		{
			name:    "not yaml",
			spec:    "services: [",
			opts:    ComposeOptions{HostID: "lab-1"},
			wantErr: "parse compose file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCompose(t.Context(), []byte(tt.spec), tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadCompose() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

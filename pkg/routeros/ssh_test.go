package routeros

import (
	"testing"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
)

func TestRenderCommand(t *testing.T) {
	tests := []struct {
		name    string
		spec    *SSHSpec
		want    string
		wantErr bool
	}{
		{
			name: "no params",
			spec: &SSHSpec{CommandID: "system_resource_print"},
			want: "/system resource print",
		},
		{
			name: "rendered params",
			spec: &SSHSpec{CommandID: "dns_set_servers", Params: map[string]string{"servers": "1.1.1.1,8.8.8.8"}},
			want: "/ip dns set servers=1.1.1.1,8.8.8.8",
		},
		{
			name:    "unknown command rejected",
			spec:    &SSHSpec{CommandID: "reboot"},
			wantErr: true,
		},
		{
			name:    "shell metacharacters rejected",
			spec:    &SSHSpec{CommandID: "identity_set", Params: map[string]string{"name": "edge; /system reset"}},
			wantErr: true,
		},
		{
			name:    "command substitution rejected",
			spec:    &SSHSpec{CommandID: "identity_set", Params: map[string]string{"name": "$(whoami)"}},
			wantErr: true,
		},
		{
			name:    "empty param rejected",
			spec:    &SSHSpec{CommandID: "identity_set", Params: map[string]string{"name": ""}},
			wantErr: true,
		},
		{
			name:    "unexpected param rejected",
			spec:    &SSHSpec{CommandID: "system_resource_print", Params: map[string]string{"name": "x"}},
			wantErr: true,
		},
		{
			name:    "missing param rejected",
			spec:    &SSHSpec{CommandID: "identity_set"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderCommand(tt.spec)
			if tt.wantErr {
				if !errdefs.IsCode(err, errdefs.CodeUnsafeOperation) {
					t.Errorf("renderCommand() error = %v, want UnsafeOperation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("renderCommand() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("renderCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePrintOutput(t *testing.T) {
	out := []byte("  uptime: 2w3d5h\n  cpu-load: 4%\n  free-memory: 192.1MiB\n\n")
	got := parsePrintOutput(out)
	if got["uptime"] != "2w3d5h" {
		t.Errorf("uptime = %v", got["uptime"])
	}
	if got["cpu-load"] != "4%" {
		t.Errorf("cpu-load = %v", got["cpu-load"])
	}

	pairs := parsePrintOutput([]byte("0 address=10.0.0.1/24 interface=ether1\n"))
	if pairs["address"] != "10.0.0.1/24" || pairs["interface"] != "ether1" {
		t.Errorf("pairs = %v", pairs)
	}
}

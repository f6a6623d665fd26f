package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidatesWithFakeBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "fake"
	if err := Validate(cfg); err != nil {
		t.Fatalf("default fake config should validate: %v", err)
	}
}

func TestProxmoxBackendRequiresConnection(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing proxmox host/token")
	}

	cfg.Proxmox.Host = "pve.example.test"
	cfg.Proxmox.APIToken = "root@pam!labd=secret"
	cfg.Transfer.Host = "pve.example.test"
	cfg.Transfer.Username = "root"
	cfg.Transfer.Password = "hunter2"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestProxmoxBackendRequiresPositiveTimeouts(t *testing.T) {
	base := Default()
	base.Proxmox.Host = "pve.example.test"
	base.Proxmox.APIToken = "root@pam!labd=secret"
	base.Transfer.Host = "pve.example.test"
	base.Transfer.Username = "root"
	base.Transfer.Password = "hunter2"
	if err := Validate(base); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	// A zero timeout would silently disable the bound on task polling or
	// on the remote import command.
	cfg := base
	cfg.Proxmox.TaskTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Error("expected error for zero task timeout")
	}

	cfg = base
	cfg.Transfer.CommandTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Error("expected error for zero command timeout")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "labd.yaml")
	body := `
backend: fake
gc:
  lab_retention_days: 14
  time_of_day: "03:30"
observability:
  log_level: debug
`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LABD_CONFIG_FILE", file)
	t.Setenv("LABD_GC_VM_RETENTION_DAYS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GC.LabRetentionDays != 14 {
		t.Errorf("lab retention = %d, want 14", cfg.GC.LabRetentionDays)
	}
	if cfg.GC.VMRetentionDays != 3 {
		t.Errorf("vm retention = %d, want 3 (env override)", cfg.GC.VMRetentionDays)
	}
	if cfg.GC.TimeOfDay != "03:30" {
		t.Errorf("time of day = %q, want 03:30", cfg.GC.TimeOfDay)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Observability.LogLevel)
	}
	// Untouched values keep their defaults.
	if cfg.Upload.MaxSizeBytes != 10*1024*1024*1024 {
		t.Errorf("upload max = %d, want default 10GiB", cfg.Upload.MaxSizeBytes)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{in: "02:00", hour: 2},
		{in: "23:59", hour: 23, minute: 59},
		{in: "7:05", hour: 7, minute: 5},
		{in: "24:00", wantErr: true},
		{in: "02:60", wantErr: true},
		{in: "0200", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		h, m, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", tc.in, err)
			continue
		}
		if h != tc.hour || m != tc.minute {
			t.Errorf("ParseTimeOfDay(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.hour, tc.minute)
		}
	}
}

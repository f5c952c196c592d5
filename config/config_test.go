package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
[logging]
level = "debug"

[registry]
cache_ttl = "5m"
sweep_interval = "10s"
grace_multiplier = 2.0
max_concurrent = 100

[coordinator]
id = "coordinator-1"
retention = "60s"

[storage]
kind = "file"
dir = "/var/lib/agentmesh"

[bus]
kind = "nats"
url = "nats://localhost:4222"
name = "agentmesh"
reconnect_wait = "2s"
max_reconnects = 10
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.Registry.CacheTTL.Std() != 5*time.Minute {
		t.Errorf("expected 5m cache TTL, got %v", cfg.Registry.CacheTTL.Std())
	}
	if cfg.Registry.SweepInterval.Std() != 10*time.Second {
		t.Errorf("expected 10s sweep interval, got %v", cfg.Registry.SweepInterval.Std())
	}
	if cfg.Registry.GraceMultiplier != 2.0 {
		t.Errorf("expected grace multiplier 2.0, got %v", cfg.Registry.GraceMultiplier)
	}
	if cfg.Coordinator.ID != "coordinator-1" {
		t.Errorf("expected coordinator id, got %q", cfg.Coordinator.ID)
	}
	if cfg.Coordinator.Retention.Std() != time.Minute {
		t.Errorf("expected 60s retention, got %v", cfg.Coordinator.Retention.Std())
	}
	if cfg.Storage.Kind != KindFile || cfg.Storage.Dir != "/var/lib/agentmesh" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Bus.Kind != KindNATS || cfg.Bus.URL != "nats://localhost:4222" {
		t.Errorf("unexpected bus config: %+v", cfg.Bus)
	}
	if cfg.Bus.ReconnectWait.Std() != 2*time.Second {
		t.Errorf("expected 2s reconnect wait, got %v", cfg.Bus.ReconnectWait.Std())
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Storage.Kind != KindMemory {
		t.Errorf("expected memory storage by default, got %q", cfg.Storage.Kind)
	}
	if cfg.Bus.Kind != KindMemory {
		t.Errorf("expected memory bus by default, got %q", cfg.Bus.Kind)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected info level by default, got %q", cfg.Logging.Level)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed toml", "registry = nonsense"},
		{"bad duration", "[registry]\ncache_ttl = \"fast\""},
		{"unknown storage kind", "[storage]\nkind = \"etcd\""},
		{"file storage without dir", "[storage]\nkind = \"file\""},
		{"nats bus without url", "[bus]\nkind = \"nats\""},
		{"unknown log level", "[logging]\nlevel = \"loud\""},
		{"negative max concurrent", "[registry]\nmax_concurrent = -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.content); err == nil {
				t.Error("expected parse to fail")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmesh.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Coordinator.ID != "coordinator-1" {
		t.Errorf("unexpected config: %+v", cfg.Coordinator)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDuration_MarshalText(t *testing.T) {
	b, err := Duration(90 * time.Second).MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	if string(b) != "1m30s" {
		t.Errorf("expected 1m30s, got %s", b)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Backend != "host" {
		t.Errorf("expected backend host, got %q", cfg.Device.Backend)
	}
	if cfg.Device.HostCapacity != 1<<30 {
		t.Errorf("expected HostCapacity 1GiB, got %d", cfg.Device.HostCapacity)
	}
	if cfg.Ledger.RefreshGap != 5*time.Second {
		t.Errorf("expected RefreshGap 5s, got %s", cfg.Ledger.RefreshGap)
	}
	if cfg.Attention.HeadDim != 64 {
		t.Errorf("expected HeadDim 64, got %d", cfg.Attention.HeadDim)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "empty backend means host", mutate: func(c *Config) { c.Device.Backend = "" }},
		{name: "cuda without capacity", mutate: func(c *Config) { c.Device.Backend = "cuda"; c.Device.HostCapacity = 0 }},
		{name: "unknown backend", mutate: func(c *Config) { c.Device.Backend = "rocm" }, wantErr: true},
		{name: "negative index", mutate: func(c *Config) { c.Device.Index = -1 }, wantErr: true},
		{name: "zero host capacity", mutate: func(c *Config) { c.Device.HostCapacity = 0 }, wantErr: true},
		{name: "negative threads", mutate: func(c *Config) { c.Device.Threads = -2 }, wantErr: true},
		{name: "zero refresh gap", mutate: func(c *Config) { c.Ledger.RefreshGap = 0 }, wantErr: true},
		{name: "zero query len", mutate: func(c *Config) { c.Attention.QueryLen = 0 }, wantErr: true},
		{name: "zero key len", mutate: func(c *Config) { c.Attention.KeyLen = 0 }, wantErr: true},
		{name: "negative head dim", mutate: func(c *Config) { c.Attention.HeadDim = -1 }, wantErr: true},
		{name: "zero heads", mutate: func(c *Config) { c.Attention.Heads = 0 }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
		{name: "file sink without path", mutate: func(c *Config) { c.Trace.Sink = "file" }, wantErr: true},
		{name: "flight sink without addr", mutate: func(c *Config) { c.Trace.Sink = "flight" }, wantErr: true},
		{name: "flight sink", mutate: func(c *Config) { c.Trace.Sink = "flight"; c.Trace.Addr = "localhost:8815" }},
		{name: "unknown sink", mutate: func(c *Config) { c.Trace.Sink = "kafka" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cublasattn.yaml")
	body := `
device:
  backend: host
  host_capacity: 268435456
  threads: 2
ledger:
  refresh_gap: 250ms
attention:
  heads: 4
log:
  level: debug
  format: console
trace:
  sink: file
  path: /tmp/trace.arrow
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.HostCapacity != 256<<20 {
		t.Errorf("HostCapacity = %d", cfg.Device.HostCapacity)
	}
	if cfg.Device.Threads != 2 {
		t.Errorf("Threads = %d", cfg.Device.Threads)
	}
	if cfg.Ledger.RefreshGap != 250*time.Millisecond {
		t.Errorf("RefreshGap = %s", cfg.Ledger.RefreshGap)
	}
	if cfg.Attention.Heads != 4 {
		t.Errorf("Heads = %d", cfg.Attention.Heads)
	}
	// untouched keys keep defaults
	if cfg.Attention.HeadDim != 64 {
		t.Errorf("HeadDim = %d, want default 64", cfg.Attention.HeadDim)
	}
	if cfg.Trace.Path != "/tmp/trace.arrow" {
		t.Errorf("Trace.Path = %q", cfg.Trace.Path)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg != Default() {
		t.Error("empty path should return defaults")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("device: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("attention:\n  heads: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("expected validation error")
	}
}

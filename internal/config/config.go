package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Attention AttentionConfig `yaml:"attention"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Trace     TraceConfig     `yaml:"trace"`
}

type DeviceConfig struct {
	// Backend is "host" (in-process) or "cuda".
	Backend string `yaml:"backend"`
	Index   int    `yaml:"index"`
	// HostCapacity bounds the in-process backend's memory.
	HostCapacity int64 `yaml:"host_capacity"`
	Threads      int   `yaml:"threads"`
	HalfInputs   bool  `yaml:"half_inputs"`
}

type LedgerConfig struct {
	RefreshGap time.Duration `yaml:"refresh_gap"`
}

type AttentionConfig struct {
	QueryLen int `yaml:"query_len"`
	KeyLen   int `yaml:"key_len"`
	HeadDim  int `yaml:"head_dim"`
	Heads    int `yaml:"heads"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TraceConfig struct {
	// Sink is "", "file" or "flight".
	Sink string `yaml:"sink"`
	Path string `yaml:"path"`
	Addr string `yaml:"addr"`
}

func (c *Config) Validate() error {
	switch c.GetBackend() {
	case "host", "cuda":
	default:
		return fmt.Errorf("invalid device backend: %q (must be host or cuda)", c.Device.Backend)
	}
	if c.Device.Index < 0 {
		return fmt.Errorf("invalid device index: %d (must be non-negative)", c.Device.Index)
	}
	if c.GetBackend() == "host" && c.Device.HostCapacity <= 0 {
		return fmt.Errorf("invalid host_capacity: %d (must be positive)", c.Device.HostCapacity)
	}
	if c.Device.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Device.Threads)
	}
	if c.Ledger.RefreshGap <= 0 {
		return fmt.Errorf("invalid refresh_gap: %s (must be positive)", c.Ledger.RefreshGap)
	}
	if err := c.Attention.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (must be json or console)", c.Log.Format)
	}
	switch c.Trace.Sink {
	case "":
	case "file":
		if c.Trace.Path == "" {
			return fmt.Errorf("trace sink file requires a path")
		}
	case "flight":
		if c.Trace.Addr == "" {
			return fmt.Errorf("trace sink flight requires an addr")
		}
	default:
		return fmt.Errorf("invalid trace sink: %q (must be file or flight)", c.Trace.Sink)
	}
	return nil
}

func (a AttentionConfig) Validate() error {
	if a.QueryLen <= 0 {
		return fmt.Errorf("invalid query_len: %d (must be positive)", a.QueryLen)
	}
	if a.KeyLen <= 0 {
		return fmt.Errorf("invalid key_len: %d (must be positive)", a.KeyLen)
	}
	if a.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", a.HeadDim)
	}
	if a.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", a.Heads)
	}
	return nil
}

func (c *Config) GetBackend() string {
	if c.Device.Backend == "" {
		return "host"
	}
	return strings.ToLower(c.Device.Backend)
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			Backend:      "host",
			HostCapacity: 1 << 30,
		},
		Ledger: LedgerConfig{RefreshGap: 5 * time.Second},
		Attention: AttentionConfig{
			QueryLen: 128,
			KeyLen:   128,
			HeadDim:  64,
			Heads:    8,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over the defaults. Missing keys keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

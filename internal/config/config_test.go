package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tree.MemtableCap != Default().Tree.MemtableCap {
		t.Fatal("missing file must yield the default config")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	raw := `
logger:
  level: INFO
  json: true
http-server:
  port: 9090
tree:
  path: /tmp/lsm
  memtable_cap: 2048
  scale_factor: 4
  max_tombstone_prop: 0.2
  policy: leveling
  delete_mode: tagging
  weighted: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Tree.MemtableCap != 2048 || cfg.Tree.ScaleFactor != 4 {
		t.Fatalf("tree config not parsed: %+v", cfg.Tree)
	}
	if cfg.Tree.Policy != "leveling" || cfg.Tree.DeleteMode != "tagging" || !cfg.Tree.Weighted {
		t.Fatalf("variant flags not parsed: %+v", cfg.Tree)
	}
	// Untouched fields keep their defaults.
	if cfg.Tree.BloomFPRate != Default().Tree.BloomFPRate {
		t.Fatal("defaults must survive partial configs")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad memtable cap", func(c *Config) { c.Tree.MemtableCap = 0 }},
		{"bad scale factor", func(c *Config) { c.Tree.ScaleFactor = 1 }},
		{"bad proportion", func(c *Config) { c.Tree.MaxTombstoneProp = 0 }},
		{"bad fpr", func(c *Config) { c.Tree.BloomFPRate = 1.5 }},
		{"bad policy", func(c *Config) { c.Tree.Policy = "stacking" }},
		{"bad delete mode", func(c *Config) { c.Tree.DeleteMode = "vanish" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

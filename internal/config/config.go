package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the root application configuration, parsed from YAML.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Tree   TreeConfig   `yaml:"tree"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// TreeConfig covers the LSM shape and sampling behaviour.
type TreeConfig struct {
	RootPath             string  `yaml:"path"`
	MemtableCap          int     `yaml:"memtable_cap"`
	MemtableTombstoneCap int     `yaml:"memtable_tombstone_cap"`
	ScaleFactor          int     `yaml:"scale_factor"`
	MaxTombstoneProp     float64 `yaml:"max_tombstone_prop"`

	// Policy is "tiering" or "leveling"; DeleteMode is "tombstone" or
	// "tagging".
	Policy     string `yaml:"policy"`
	DeleteMode string `yaml:"delete_mode"`

	Weighted          bool    `yaml:"weighted"`
	MemtableRejection bool    `yaml:"memtable_rejection"`
	BloomFPRate       float64 `yaml:"bloom_fp_rate"`
	BloomHashCount    int     `yaml:"bloom_hash_count"`
	MaxRejectionRatio int     `yaml:"max_rejection_ratio"`
	Seed              uint64  `yaml:"seed"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Tree: TreeConfig{
			RootPath:             "./data",
			MemtableCap:          1 << 14,
			MemtableTombstoneCap: 1 << 12,
			ScaleFactor:          6,
			MaxTombstoneProp:     0.1,
			Policy:               "tiering",
			DeleteMode:           "tombstone",
			MemtableRejection:    true,
			BloomFPRate:          0.01,
			BloomHashCount:       4,
		},
	}
}

// Load reads the config from a YAML file, falling back to Default when the
// file does not exist.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the tree cannot be built from.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.Port)
	}
	if c.Tree.MemtableCap <= 0 {
		return errors.New("memtable_cap must be positive")
	}
	if c.Tree.ScaleFactor < 2 {
		return errors.New("scale_factor must be at least 2")
	}
	if c.Tree.MaxTombstoneProp <= 0 {
		return errors.New("max_tombstone_prop must be positive")
	}
	if c.Tree.BloomFPRate <= 0 || c.Tree.BloomFPRate >= 1 {
		return errors.New("bloom_fp_rate must be in (0, 1)")
	}
	switch c.Tree.Policy {
	case "tiering", "leveling":
	default:
		return fmt.Errorf("unknown policy %q", c.Tree.Policy)
	}
	switch c.Tree.DeleteMode {
	case "tombstone", "tagging":
	default:
		return fmt.Errorf("unknown delete_mode %q", c.Tree.DeleteMode)
	}
	return nil
}

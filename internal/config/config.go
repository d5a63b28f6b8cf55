// Package config loads server settings from an optional YAML file with
// environment-variable overrides. Command-line flags are applied last,
// in main.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// Path of the sqlite database file.
	DBPath string `yaml:"db_path"`

	// Directory served as static assets at /. Empty disables static
	// serving.
	StaticDir string `yaml:"static_dir"`
}

func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DBPath:     "./data/panchuko.db",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// PANCHUKO_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PANCHUKO_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PANCHUKO_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PANCHUKO_STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
}

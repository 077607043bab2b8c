// Package config loads the process-level and cluster-level configuration
// shared by the three entrypoints (spec §6), as a YAML file overridable by
// cobra flags, mirroring the teacher's config handling in cmd/warren.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/neo/internal/log"
)

// ClusterConfig is the client-library configuration named verbatim in §6.
type ClusterConfig struct {
	Masters     []string `yaml:"masters"`
	ClusterName string   `yaml:"cluster-name"`
	Connector   string   `yaml:"connector"`
	Compress    bool     `yaml:"compress"`
	ReadOnly    bool     `yaml:"read-only"`
	CacheSize   int      `yaml:"cache-size"`
	MaxPoolSize int      `yaml:"max-pool-size"`
}

// ProcessConfig wraps a ClusterConfig with the process-level fields every
// entrypoint also needs (§6 "plus process-level fields").
type ProcessConfig struct {
	ClusterConfig `yaml:",inline"`

	NodeID   string `yaml:"node-id"`
	BindAddr string `yaml:"bind-addr"`
	DataDir  string `yaml:"data-dir"`
	LogLevel string `yaml:"log-level"`
	LogJSON  bool   `yaml:"log-json"`
}

// DefaultProcessConfig returns the documented defaults (§4.2, §4.6 for the
// cluster-config portion; otherwise the teacher's own cmd/warren defaults).
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		ClusterConfig: ClusterConfig{
			Connector:   "tcp",
			CacheSize:   32 << 20,
			MaxPoolSize: 25,
		},
		BindAddr: "127.0.0.1:7946",
		DataDir:  "./neo-data",
		LogLevel: "info",
	}
}

// Load reads a YAML file into a ProcessConfig seeded with defaults. A
// missing path is not an error: the caller is expected to run on flag
// defaults and explicit overrides alone.
func Load(path string) (ProcessConfig, error) {
	cfg := DefaultProcessConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants §6 implies: a sane connector kind and a
// host:port form for every master address. It does not require any master
// address to be present; callers that need one check that themselves.
func (c ClusterConfig) Validate() error {
	if c.Connector != "" && c.Connector != "tcp" {
		return fmt.Errorf("config: unsupported connector %q, only \"tcp\" is implemented", c.Connector)
	}
	for _, m := range c.Masters {
		if !strings.Contains(m, ":") {
			return fmt.Errorf("config: master address %q must be host:port", m)
		}
	}
	return nil
}

// LogConfig projects the process-level logging fields onto internal/log's
// Config type.
func (c ProcessConfig) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}

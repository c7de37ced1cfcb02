// Package config loads the ambient operator-preferences file: default
// parallelism, key-agent search paths, and similar conveniences that sit
// alongside (never instead of) the hive/fleet definition the evaluator
// produces. The file is entirely optional — its absence is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FleetConfig is the ambient YAML config file, conventionally at
// ~/.config/fleetctl/config.yaml or an explicit --config path.
type FleetConfig struct {
	DefaultParallel     int      `yaml:"default_parallel"`
	KeyAgentSearchPaths []string `yaml:"key_agent_search_paths"`
	HistoryDBPath       string   `yaml:"history_db_path"`
	OTLPEndpoint        string   `yaml:"otlp_endpoint"`
}

// DefaultPath returns ~/.config/fleetctl/config.yaml, or "" if the user's
// home directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fleetctl", "config.yaml")
}

// Load reads and parses the config file at path. A missing file yields a
// zero-value FleetConfig and a nil error: the file is a convenience, not a
// requirement. Any other read or parse error is returned.
func Load(path string) (FleetConfig, error) {
	var cfg FleetConfig
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults fills in zero-valued fields of cfg from hard-coded fallbacks,
// returning a copy. Called once at CLI startup after Load.
func (cfg FleetConfig) WithDefaults() FleetConfig {
	out := cfg
	if out.DefaultParallel <= 0 {
		out.DefaultParallel = 10
	}
	if out.HistoryDBPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			out.HistoryDBPath = filepath.Join(home, ".local", "share", "fleetctl", "history.db")
		}
	}
	return out
}

// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// Config is the loom-dispatcher service configuration. The Policy
// section is the initial active scheduling policy; it can be replaced
// at runtime through the reconfiguration API or by editing the config
// file when live reload is enabled.
type Config struct {
	// Listen is the address the HTTP API binds, e.g. ":9370".
	Listen string `json:"listen"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// FinalizedCacheSize is the number of recently finalized task
	// records retained for status queries after the task has been
	// dropped from active state.
	FinalizedCacheSize int `json:"finalized_cache_size"`

	// WatchConfig enables live reload of the Policy section when
	// the config file changes.
	WatchConfig bool `json:"watch_config"`

	Policy PolicyConfig `json:"policy"`
}

// DefaultConfig returns the built-in service configuration.
func DefaultConfig() Config {
	return Config{
		Listen:             ":9370",
		LogLevel:           "info",
		LogFormat:          "json",
		FinalizedCacheSize: 10000,
		Policy:             DefaultPolicyConfig(),
	}
}

// LoadConfig reads a YAML config file and merges it over the
// defaults. An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

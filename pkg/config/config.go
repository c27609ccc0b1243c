// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the regcopy configuration file, which holds
// per-registry credentials and TLS settings.
//
// The file is TOML unless its name ends in .yaml or .yml:
//
//	jobs = 4
//
//	[registries."quay.io"]
//	username = "bob"
//	password = "secret"
//	tls_verify = true
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/regcopy/pkg/registry"
	"gopkg.in/yaml.v3"
)

// EnvVar names a config file used when no path is given explicitly.
const EnvVar = "REGCOPY_CONFIG"

// Config is the parsed configuration file.
type Config struct {
	Jobs       int                       `toml:"jobs,omitempty" yaml:"jobs,omitempty"`
	Registries map[string]RegistryConfig `toml:"registries,omitempty" yaml:"registries,omitempty"`

	// Path is the file the config was loaded from.
	Path string `toml:"-" yaml:"-"`
}

// RegistryConfig holds the settings for one registry host.
type RegistryConfig struct {
	Username string `toml:"username,omitempty" yaml:"username,omitempty"`
	Password string `toml:"password,omitempty" yaml:"password,omitempty"`
	// TLSVerify is nil when unset, which means verify.
	TLSVerify *bool `toml:"tls_verify,omitempty" yaml:"tls_verify,omitempty"`
}

// Insecure reports whether TLS verification is turned off.
func (r RegistryConfig) Insecure() bool {
	return r.TLSVerify != nil && !*r.TLSVerify
}

// Load reads the config at path. An empty path falls back to $REGCOPY_CONFIG,
// and with neither set Load returns an empty Config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return &Config{}, nil
	}

	cfg := &Config{Path: path}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			logrus.WithField("path", path).Warnf("ignoring unknown config keys: %v", undecoded)
		}
	}
	if cfg.Jobs < 0 {
		return nil, fmt.Errorf("%s: jobs must not be negative", path)
	}

	// Keys are matched by hostname, so "https://quay.io" and "quay.io" are the
	// same entry.
	regs := make(map[string]RegistryConfig, len(cfg.Registries))
	for k, v := range cfg.Registries {
		host := registry.Hostname(k)
		if _, dup := regs[host]; dup {
			return nil, fmt.Errorf("%s: registry %q configured twice", path, host)
		}
		regs[host] = v
	}
	cfg.Registries = regs
	return cfg, nil
}

// Lookup returns the settings for a registry, given as a hostname or URL.
// A registry with no entry gets the zero RegistryConfig and a warning.
func (c *Config) Lookup(reg string) RegistryConfig {
	host := registry.Hostname(reg)
	if rc, ok := c.Registries[host]; ok {
		return rc
	}
	if c.Path != "" {
		logrus.WithFields(logrus.Fields{"registry": host, "path": c.Path}).Warn("no credentials configured for registry")
	}
	return RegistryConfig{}
}

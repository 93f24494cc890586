// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads orchestrator configuration for slipway runs.
//
// Configuration is loaded from a single YAML file specified by:
//   - SLIPWAY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery beyond built-in
// defaults. The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches — release machines typically tighten the
// watch deadline and point publishing at a shared drop directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	// Development is for engineer workstations.
	Development Environment = "development"
	// Staging is for release-candidate dry runs.
	Staging Environment = "staging"
	// Production is for signing/notarizing real releases.
	Production Environment = "production"
)

// Config is the orchestrator configuration.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Watch configures the dual-condition build watcher.
	Watch WatchConfig `yaml:"watch"`

	// Staple configures the post-notarization staple retry loop.
	Staple StapleConfig `yaml:"staple"`

	// Publish configures the final artifact publication.
	Publish PublishConfig `yaml:"publish"`

	// Tools overrides the external command names. Used on hosts where
	// the Xcode tools are not on PATH, and by integration tests that
	// substitute scripts.
	Tools ToolsConfig `yaml:"tools"`

	// Per-environment override sections, applied after the base
	// values are loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields an environment section may override.
type Overrides struct {
	Watch   *WatchConfig   `yaml:"watch,omitempty"`
	Staple  *StapleConfig  `yaml:"staple,omitempty"`
	Publish *PublishConfig `yaml:"publish,omitempty"`
	Tools   *ToolsConfig   `yaml:"tools,omitempty"`
}

// WatchConfig bounds the build watcher's poll loop.
type WatchConfig struct {
	// PollInterval is the delay between watcher ticks. Default: 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Deadline is the overall budget for the build to produce and
	// notarize its outputs. Default: 10m.
	Deadline time.Duration `yaml:"deadline"`

	// HeartbeatEvery is how often the watcher prints a still-alive
	// line while waiting. Default: 30s.
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
}

// StapleConfig bounds the staple retry loop.
type StapleConfig struct {
	// GraceDelay is the wait after notarization acceptance before the
	// first staple attempt, allowing the ticket to propagate across
	// the notary service's replicas. Default: 10s.
	GraceDelay time.Duration `yaml:"grace_delay"`

	// Attempts is the staple retry budget. Default: 6.
	Attempts int `yaml:"attempts"`

	// Backoff is the delay between staple attempts. Default: 10s.
	Backoff time.Duration `yaml:"backoff"`
}

// PublishConfig locates the distribution drop directory.
type PublishConfig struct {
	// Directory receives the final artifact. Created if absent.
	// Default: ~/slipway-dist.
	Directory string `yaml:"directory"`
}

// ToolsConfig names the external commands the orchestrator invokes.
// Each entry is a command name resolved via PATH or an absolute path.
type ToolsConfig struct {
	// Xcrun wraps notarytool and stapler invocations. Default: xcrun.
	Xcrun string `yaml:"xcrun"`

	// Codesign verifies and signs artifacts. Default: codesign.
	Codesign string `yaml:"codesign"`

	// Spctl is the local trust-policy oracle. Default: spctl.
	Spctl string `yaml:"spctl"`

	// Hdiutil creates disk images. Default: hdiutil.
	Hdiutil string `yaml:"hdiutil"`

	// Security enumerates installed signing identities. Default: security.
	Security string `yaml:"security"`
}

// Default returns the built-in configuration. The config file is
// optional for slipway (unlike credentials) — a bare run uses these
// values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Watch: WatchConfig{
			PollInterval:   5 * time.Second,
			Deadline:       10 * time.Minute,
			HeartbeatEvery: 30 * time.Second,
		},
		Staple: StapleConfig{
			GraceDelay: 10 * time.Second,
			Attempts:   6,
			Backoff:    10 * time.Second,
		},
		Publish: PublishConfig{
			Directory: filepath.Join(homeDir, "slipway-dist"),
		},
		Tools: ToolsConfig{
			Xcrun:    "xcrun",
			Codesign: "codesign",
			Spctl:    "spctl",
			Hdiutil:  "hdiutil",
			Security: "security",
		},
	}
}

// Load resolves the config: an explicit path wins, then the
// SLIPWAY_CONFIG environment variable, then built-in defaults.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv("SLIPWAY_CONFIG")
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults and then applying the matching environment override
// section.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides merges the section matching c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Watch != nil {
		if overrides.Watch.PollInterval != 0 {
			c.Watch.PollInterval = overrides.Watch.PollInterval
		}
		if overrides.Watch.Deadline != 0 {
			c.Watch.Deadline = overrides.Watch.Deadline
		}
		if overrides.Watch.HeartbeatEvery != 0 {
			c.Watch.HeartbeatEvery = overrides.Watch.HeartbeatEvery
		}
	}
	if overrides.Staple != nil {
		if overrides.Staple.GraceDelay != 0 {
			c.Staple.GraceDelay = overrides.Staple.GraceDelay
		}
		if overrides.Staple.Attempts != 0 {
			c.Staple.Attempts = overrides.Staple.Attempts
		}
		if overrides.Staple.Backoff != 0 {
			c.Staple.Backoff = overrides.Staple.Backoff
		}
	}
	if overrides.Publish != nil && overrides.Publish.Directory != "" {
		c.Publish.Directory = overrides.Publish.Directory
	}
	if overrides.Tools != nil {
		if overrides.Tools.Xcrun != "" {
			c.Tools.Xcrun = overrides.Tools.Xcrun
		}
		if overrides.Tools.Codesign != "" {
			c.Tools.Codesign = overrides.Tools.Codesign
		}
		if overrides.Tools.Spctl != "" {
			c.Tools.Spctl = overrides.Tools.Spctl
		}
		if overrides.Tools.Hdiutil != "" {
			c.Tools.Hdiutil = overrides.Tools.Hdiutil
		}
		if overrides.Tools.Security != "" {
			c.Tools.Security = overrides.Tools.Security
		}
	}
}

// validate rejects values that would wedge or spin the poll loop.
func (c *Config) validate() error {
	if c.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be positive, got %v", c.Watch.PollInterval)
	}
	if c.Watch.Deadline < c.Watch.PollInterval {
		return fmt.Errorf("watch.deadline %v is shorter than the poll interval %v", c.Watch.Deadline, c.Watch.PollInterval)
	}
	if c.Watch.HeartbeatEvery <= 0 {
		return fmt.Errorf("watch.heartbeat_every must be positive, got %v", c.Watch.HeartbeatEvery)
	}
	if c.Staple.Attempts < 1 {
		return fmt.Errorf("staple.attempts must be at least 1, got %d", c.Staple.Attempts)
	}
	if c.Staple.Backoff < 0 || c.Staple.GraceDelay < 0 {
		return fmt.Errorf("staple delays must not be negative")
	}
	if c.Publish.Directory == "" {
		return fmt.Errorf("publish.directory must not be empty")
	}
	return nil
}

// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slipway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Watch.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.Watch.PollInterval)
	}
	if cfg.Watch.Deadline != 10*time.Minute {
		t.Errorf("Deadline = %v, want 10m", cfg.Watch.Deadline)
	}
	if cfg.Staple.Attempts != 6 {
		t.Errorf("Staple.Attempts = %d, want 6", cfg.Staple.Attempts)
	}
	if cfg.Tools.Xcrun != "xcrun" {
		t.Errorf("Tools.Xcrun = %q, want xcrun", cfg.Tools.Xcrun)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
watch:
  deadline: 20m
publish:
  directory: /srv/dist
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Watch.Deadline != 20*time.Minute {
		t.Errorf("Deadline = %v, want 20m", cfg.Watch.Deadline)
	}
	// Unmentioned fields keep their defaults.
	if cfg.Watch.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want default 5s", cfg.Watch.PollInterval)
	}
	if cfg.Publish.Directory != "/srv/dist" {
		t.Errorf("Publish.Directory = %q, want /srv/dist", cfg.Publish.Directory)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
environment: production
watch:
  deadline: 10m
production:
  watch:
    deadline: 30m
  publish:
    directory: /releases/drop
development:
  publish:
    directory: /tmp/dev-drop
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Watch.Deadline != 30*time.Minute {
		t.Errorf("Deadline = %v, want production override 30m", cfg.Watch.Deadline)
	}
	if cfg.Publish.Directory != "/releases/drop" {
		t.Errorf("Publish.Directory = %q, want production override", cfg.Publish.Directory)
	}
}

func TestValidateRejectsBadPollLoop(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
watch:
  poll_interval: 1m
  deadline: 10s
`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for deadline shorter than poll interval")
	}
}

func TestValidateRejectsNonPositiveHeartbeat(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
watch:
  heartbeat_every: -5s
`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for negative heartbeat cadence")
	}
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	// Not parallel: manipulates the process environment.
	t.Setenv("SLIPWAY_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Staple.Backoff != 10*time.Second {
		t.Errorf("Staple.Backoff = %v, want default 10s", cfg.Staple.Backoff)
	}
}

func TestLoadHonorsEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, `
staple:
  attempts: 3
`)
	t.Setenv("SLIPWAY_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Staple.Attempts != 3 {
		t.Errorf("Staple.Attempts = %d, want 3", cfg.Staple.Attempts)
	}
}

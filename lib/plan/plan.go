// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan parses and validates release plan documents. A plan
// describes one product release: what to build, where the builder
// drops its outputs, and whether slipway must create the disk image
// itself. Plans are authored on disk as JSONC (JSON extended with
// comments and trailing commas) so release engineers can annotate
// per-product quirks next to the values.
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → Plan
//  2. Validate: structural checks (required fields, builder command)
//  3. BundlePath / ArtifactPath: derive the fixed output locations the
//     watcher polls
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Plan describes one release of one product.
type Plan struct {
	// Product is the application display name: the bundle is
	// "<Product>.app" and the disk image volume is named after it.
	Product string `json:"product"`

	// Version is the release version string, e.g. "1.4.2".
	Version string `json:"version"`

	// Arch is the target architecture tag used in the disk image
	// filename, e.g. "aarch64" or "x64".
	Arch string `json:"arch"`

	// Builder is the external build command. The four credentials are
	// injected into its environment; slipway never passes secrets as
	// arguments.
	Builder BuilderSpec `json:"builder"`

	// OutputDir is the builder's bundle output tree. Bundle and disk
	// image locations are derived under it unless overridden below.
	OutputDir string `json:"output_dir"`

	// BundlePathOverride and ArtifactPathOverride replace the derived
	// locations entirely for builders with non-standard layouts.
	BundlePathOverride   string `json:"bundle_path,omitempty"`
	ArtifactPathOverride string `json:"artifact_path,omitempty"`

	// CreateDMG is set for builder configurations that produce only
	// the application bundle. Slipway then creates and signs the disk
	// image itself before notarization.
	CreateDMG bool `json:"create_dmg,omitempty"`

	// CredentialFile points at a key=value (or .age-encrypted)
	// credential file. Optional: the environment may supply everything.
	CredentialFile string `json:"credential_file,omitempty"`
}

// BuilderSpec names the build command and its arguments.
type BuilderSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Plan.
func Parse(data []byte) (*Plan, error) {
	stripped := jsonc.ToJSON(data)

	var p Plan
	if err := json.Unmarshal(stripped, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return &p, nil
}

// ReadFile reads a JSONC plan file from disk and parses it.
func ReadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate returns every structural problem in the plan, not just the
// first — a release engineer fixing a plan file wants the full list.
func (p *Plan) Validate() []string {
	var issues []string
	if p.Product == "" {
		issues = append(issues, "product is required")
	}
	if strings.ContainsAny(p.Product, "/:") {
		issues = append(issues, fmt.Sprintf("product %q must not contain path separators", p.Product))
	}
	if p.Version == "" {
		issues = append(issues, "version is required")
	}
	if p.Builder.Command == "" {
		issues = append(issues, "builder.command is required")
	}
	if p.OutputDir == "" && (p.BundlePathOverride == "" || p.ArtifactPathOverride == "") {
		issues = append(issues, "output_dir is required unless both bundle_path and artifact_path are set")
	}
	if p.Arch == "" && p.ArtifactPathOverride == "" {
		issues = append(issues, "arch is required to derive the disk image name (or set artifact_path)")
	}
	return issues
}

// BundlePath returns the expected application bundle location:
// <output_dir>/macos/<Product>.app, or the explicit override.
func (p *Plan) BundlePath() string {
	if p.BundlePathOverride != "" {
		return p.BundlePathOverride
	}
	return filepath.Join(p.OutputDir, "macos", p.Product+".app")
}

// ArtifactPath returns the expected disk image location:
// <output_dir>/dmg/<Product>_<version>_<arch>.dmg, or the explicit
// override. Spaces in the product name are preserved — the builder
// names the file after the display name.
func (p *Plan) ArtifactPath() string {
	if p.ArtifactPathOverride != "" {
		return p.ArtifactPathOverride
	}
	name := fmt.Sprintf("%s_%s_%s.dmg", p.Product, p.Version, p.Arch)
	return filepath.Join(p.OutputDir, "dmg", name)
}

// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package dmg builds and signs a distributable disk image from an
// application bundle. It is the fallback path for builders that stop
// at the .app stage; builders that emit their own disk image bypass
// this package entirely.
package dmg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/slipway-tools/slipway/lib/console"
	"github.com/slipway-tools/slipway/lib/credential"
	"github.com/slipway-tools/slipway/lib/toolrun"
)

// Builder creates compressed disk images with hdiutil and signs them
// with codesign.
type Builder struct {
	Runner   toolrun.Runner
	Hdiutil  string
	Codesign string
	Logger   *slog.Logger
	Console  *console.Printer
}

// Create packages the bundle into a UDZO (compressed, read-only) disk
// image at artifactPath, with the product name as the mounted volume
// name. An existing image at the path is overwritten.
func (b *Builder) Create(ctx context.Context, bundlePath, artifactPath, volumeName string) error {
	b.Console.Stage("packaging disk image")

	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return fmt.Errorf("creating image directory: %w", err)
	}

	res, err := b.Runner.Run(ctx, b.Hdiutil, "create",
		"-volname", volumeName,
		"-srcfolder", bundlePath,
		"-ov",
		"-format", "UDZO",
		artifactPath)
	if err != nil {
		return fmt.Errorf("running hdiutil: %w", err)
	}
	if res.ExitCode != 0 {
		b.Logger.Error("hdiutil failed", "exit_code", res.ExitCode)
		return fmt.Errorf("hdiutil create exited %d", res.ExitCode)
	}

	b.Logger.Info("disk image created", "path", artifactPath, "volume", volumeName)
	return nil
}

// Sign signs the disk image with the resolved Developer ID identity.
// The notary service refuses unsigned images, so this always runs on
// images we created ourselves.
func (b *Builder) Sign(ctx context.Context, artifactPath string, creds *credential.Set) error {
	res, err := b.Runner.Run(ctx, b.Codesign,
		"--sign", creds.SigningIdentity.Reveal(),
		"--timestamp",
		artifactPath)
	if err != nil {
		return fmt.Errorf("running codesign: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("codesign exited %d signing %s", res.ExitCode, filepath.Base(artifactPath))
	}
	b.Console.OK("disk image signed")
	return nil
}

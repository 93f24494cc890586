// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package publish performs the final gate of a release run: verify
// the artifact's signature, confirm the notarization verdict, and
// copy the artifact into the distribution directory with a content
// digest for the release notes.
package publish

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/slipway-tools/slipway/lib/console"
	"github.com/slipway-tools/slipway/lib/toolrun"
)

// SignatureError means codesign found the artifact's signature
// invalid or absent. Publishing a broken signature would strand every
// downstream user, so this is always fatal.
type SignatureError struct {
	Path   string
	Output string
}

// Error implements error.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed for %s", filepath.Base(e.Path))
}

// Oracle is the local trust-policy check, satisfied by
// *notary.Client.
type Oracle interface {
	Accepted(ctx context.Context, path string) bool
}

// Result describes a published artifact.
type Result struct {
	SourcePath      string
	DestinationPath string
	SizeBytes       int64
	// Digest is the hex BLAKE3-256 of the published file, computed
	// from the destination copy so it covers what users will actually
	// download.
	Digest string
}

// Publisher runs the verification and copy stage.
type Publisher struct {
	Runner toolrun.Runner

	// Codesign is the signature verification tool name from config.
	Codesign string

	// Directory is the distribution drop directory; created if
	// absent.
	Directory string

	Logger  *slog.Logger
	Console *console.Printer
}

// VerifySignature runs a deep, strict codesign verification over the
// artifact. Any failure is a SignatureError.
func (p *Publisher) VerifySignature(ctx context.Context, path string) error {
	p.Console.Stage("verifying signature")
	res, err := p.Runner.Run(ctx, p.Codesign, "--verify", "--deep", "--strict", path)
	if err != nil {
		return fmt.Errorf("running codesign: %w", err)
	}
	if res.ExitCode != 0 {
		p.Logger.Error("signature verification failed", "path", path, "exit_code", res.ExitCode)
		return &SignatureError{Path: path, Output: res.Output}
	}
	p.Console.OK("signature valid")
	return nil
}

// CheckNotarized asks the oracle for a final verdict before the copy.
// A refusal here — after the pipeline believed notarization succeeded
// — is surprising but not fatal: the artifact is signed and can still
// be distributed, so it is reported as a warning and the publish
// proceeds.
func (p *Publisher) CheckNotarized(ctx context.Context, oracle Oracle, path string) bool {
	if oracle.Accepted(ctx, path) {
		return true
	}
	p.Console.Warn("local policy does not (yet) accept %s; publishing anyway", filepath.Base(path))
	p.Logger.Warn("notarization verdict not visible at publish time", "path", path)
	return false
}

// Publish copies the artifact into the distribution directory,
// keeping its filename, and returns the destination with size and
// digest. The copy retries once on transient I/O failure — the drop
// directory is often a network mount.
func (p *Publisher) Publish(ctx context.Context, artifactPath string) (*Result, error) {
	p.Console.Stage("publishing")

	if err := os.MkdirAll(p.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating distribution directory: %w", err)
	}
	dest := filepath.Join(p.Directory, filepath.Base(artifactPath))

	if err := copyFile(artifactPath, dest); err != nil {
		p.Logger.Warn("publish copy failed, retrying", "error", err)
		time.Sleep(2 * time.Second)
		if err := copyFile(artifactPath, dest); err != nil {
			return nil, fmt.Errorf("copying artifact to %s: %w", dest, err)
		}
	}

	size, digest, err := digestFile(dest)
	if err != nil {
		return nil, fmt.Errorf("digesting published artifact: %w", err)
	}

	res := &Result{
		SourcePath:      artifactPath,
		DestinationPath: dest,
		SizeBytes:       size,
		Digest:          digest,
	}
	p.Console.OK("published %s (%d bytes, blake3 %s)", filepath.Base(dest), size, digest[:16])
	p.Logger.Info("artifact published",
		"destination", dest, "size_bytes", size, "blake3", digest)
	return res, nil
}

// copyFile copies src to dst atomically: write to a temp file in the
// destination directory, fsync, rename. A half-written artifact must
// never be visible under the final name.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// digestFile returns the file's size and hex BLAKE3-256 digest.
func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

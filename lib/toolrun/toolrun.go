// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolrun executes the external tools the orchestrator
// sequences: the builder, notarytool, stapler, codesign, spctl,
// hdiutil, and the signing-identity probe. Every caller takes a Runner
// rather than shelling out directly, so tests substitute fakes and the
// pipeline's failure handling can be exercised without macOS tooling.
package toolrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
)

// Result is the outcome of one external command invocation. Output is
// the combined stdout and stderr — the tools slipway drives report
// verdicts on whichever stream they feel like, so callers scan the
// combined text.
type Result struct {
	ExitCode int
	Output   string
}

// Runner executes a named command with arguments and returns its
// result. A non-zero exit code is reported in Result, not as an error;
// the error return is reserved for failures to run the command at all
// (binary not found, context canceled, signal).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Func adapts a function to the Runner interface. Test fakes are
// usually a Func closing over a small script of canned results.
type Func func(ctx context.Context, name string, args ...string) (Result, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// Local runs commands as child processes of the orchestrator.
type Local struct {
	// Stream, when non-nil, receives the command's combined output as
	// it is produced, in addition to the capture returned in Result.
	// The console printer sets this so long notarytool waits show
	// progress.
	Stream io.Writer

	// Env holds extra NAME=VALUE entries appended to the inherited
	// environment. Values already present in the process environment
	// are not duplicated here — callers append only what they inject.
	Env []string
}

// Run executes the command in its own process group so that context
// cancellation kills the command and any children it spawned, not just
// the immediate process (the builder wraps several of its own tools).
func (l *Local) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(l.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.Env...)
	}

	var capture strings.Builder
	var sink io.Writer = &capture
	if l.Stream != nil {
		sink = io.MultiWriter(&capture, l.Stream)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	err := cmd.Run()
	if err == nil {
		return Result{ExitCode: 0, Output: capture.String()}, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return Result{ExitCode: exitError.ExitCode(), Output: capture.String()}, nil
	}

	// Binary missing, context canceled, or a signal before exec.
	return Result{ExitCode: -1, Output: capture.String()}, fmt.Errorf("running %s: %w", name, err)
}

// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package toolrun

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLocalCapturesOutput(t *testing.T) {
	t.Parallel()

	runner := &Local{}
	result, err := runner.Run(context.Background(), "sh", "-c", "echo hello; echo world >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Output, "hello") || !strings.Contains(result.Output, "world") {
		t.Errorf("Output = %q, want both streams captured", result.Output)
	}
}

func TestLocalNonZeroExitIsNotAnError(t *testing.T) {
	t.Parallel()

	runner := &Local{}
	result, err := runner.Run(context.Background(), "sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestLocalMissingBinary(t *testing.T) {
	t.Parallel()

	runner := &Local{}
	_, err := runner.Run(context.Background(), "slipway-no-such-binary-xyzzy")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestLocalExtraEnvironment(t *testing.T) {
	t.Parallel()

	runner := &Local{Env: []string{"SLIPWAY_TEST_MARKER=present"}}
	result, err := runner.Run(context.Background(), "sh", "-c", "echo $SLIPWAY_TEST_MARKER")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(result.Output, "present") {
		t.Errorf("Output = %q, want injected env var visible", result.Output)
	}
}

func TestLocalContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	runner := &Local{}
	start := time.Now()
	_, err := runner.Run(ctx, "sh", "-c", "sleep 30")
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, command was not killed promptly", elapsed)
	}
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	var seenName string
	runner := Func(func(ctx context.Context, name string, args ...string) (Result, error) {
		seenName = name
		return Result{ExitCode: 0, Output: "ok"}, nil
	})

	result, err := runner.Run(context.Background(), "spctl", "--assess")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seenName != "spctl" {
		t.Errorf("name = %q, want %q", seenName, "spctl")
	}
	if result.Output != "ok" {
		t.Errorf("Output = %q, want %q", result.Output, "ok")
	}
}

// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package notary drives Apple's notarization workflow for a built
// disk image: submit-and-wait through notarytool, staple the ticket
// with retries, and check the local trust-policy verdict via spctl.
//
// The spctl assessment doubles as the watcher's oracle: it is the
// only check that reflects what a customer's machine will decide, so
// it gates both the "already notarized" fast path and the final
// publish verification.
package notary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slipway-tools/slipway/lib/clock"
	"github.com/slipway-tools/slipway/lib/config"
	"github.com/slipway-tools/slipway/lib/console"
	"github.com/slipway-tools/slipway/lib/credential"
	"github.com/slipway-tools/slipway/lib/toolrun"
)

// ErrStapleExhausted reports that every staple attempt failed. The
// notarization itself succeeded, so callers treat this as a warning
// and continue: the artifact is valid, it just requires the verifying
// machine to be online.
var ErrStapleExhausted = errors.New("staple retries exhausted; artifact is notarized but carries no ticket")

// RejectedError is a notary service rejection. Rejections are
// deliberate verdicts about the submitted bits and never resolve on
// retry; the pipeline fails immediately. Output is credential-scrubbed
// before it gets here.
type RejectedError struct {
	Status string
	Output string
}

// Error implements error.
func (e *RejectedError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("notary service rejected the submission (status: %s)", e.Status)
	}
	return "notary service rejected the submission"
}

// Client runs the notarization tools. All external commands go
// through the Runner so tests can script verdicts.
type Client struct {
	Runner toolrun.Runner

	// Xcrun and Spctl are the tool names from config, overridable for
	// PATH-less environments.
	Xcrun string
	Spctl string

	Staple  config.StapleConfig
	Clock   clock.Clock
	Logger  *slog.Logger
	Console *console.Printer
}

// Accepted reports whether the local trust policy accepts the
// artifact. A non-zero assessment means "not (yet) notarized" — the
// verdict may flip to accepted later as Apple's CDN propagates, so a
// refusal is a state, not an error.
func (c *Client) Accepted(ctx context.Context, path string) bool {
	res, err := c.Runner.Run(ctx, c.Spctl, "--assess", "--type", "open",
		"--context", "context:primary-signature", "-v", path)
	if err != nil {
		c.Logger.Debug("spctl assessment could not run", "error", err)
		return false
	}
	return res.ExitCode == 0
}

// EnsureNotarized makes the artifact notarized: if the local verdict
// is already accepted (the builder usually notarizes as part of its
// own bundling) it does nothing, otherwise it submits the artifact
// and waits for the service's decision. Re-running the pipeline on an
// already-notarized artifact must not submit twice.
func (c *Client) EnsureNotarized(ctx context.Context, path string, creds *credential.Set) error {
	if c.Accepted(ctx, path) {
		c.Console.OK("already notarized, skipping submission")
		return nil
	}
	return c.submit(ctx, path, creds)
}

// submit uploads the artifact with notarytool and blocks until the
// service returns a verdict.
func (c *Client) submit(ctx context.Context, path string, creds *credential.Set) error {
	c.Console.Stage("notarizing")
	c.Logger.Info("submitting to notary service", "artifact", path)

	res, err := c.Runner.Run(ctx, c.Xcrun, "notarytool", "submit", path,
		"--apple-id", creds.AccountID.Reveal(),
		"--password", creds.AccountSecret.Reveal(),
		"--team-id", creds.TeamID.Reveal(),
		"--wait")
	if err != nil {
		return fmt.Errorf("running notarytool: %w", err)
	}

	output := creds.Scrub(res.Output)
	status := submissionStatus(output)
	if res.ExitCode != 0 || !strings.EqualFold(status, "Accepted") {
		c.Logger.Error("notarization rejected",
			"status", status, "exit_code", res.ExitCode)
		return &RejectedError{Status: status, Output: output}
	}

	c.Console.OK("notarization accepted")
	return nil
}

// submissionStatus extracts the final "status:" line from notarytool
// output. With --wait the tool prints the status several times as the
// submission progresses; the last one is the verdict.
func submissionStatus(output string) string {
	status := ""
	for _, line := range strings.Split(output, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "status:")
		if ok {
			status = strings.TrimSpace(rest)
		}
	}
	return status
}

// StapleTicket attaches the notarization ticket to the artifact so it
// verifies offline. The ticket takes a while to propagate after
// acceptance, so the first attempt waits out a grace delay and
// failures retry on a fixed backoff. Running out of attempts returns
// ErrStapleExhausted, which the pipeline reports as a warning.
func (c *Client) StapleTicket(ctx context.Context, path string) error {
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}

	c.Console.Stage("stapling")
	clk.Sleep(c.Staple.GraceDelay)

	for attempt := 1; attempt <= c.Staple.Attempts; attempt++ {
		res, err := c.Runner.Run(ctx, c.Xcrun, "stapler", "staple", path)
		if err != nil {
			return fmt.Errorf("running stapler: %w", err)
		}
		if res.ExitCode == 0 {
			c.Console.OK("ticket stapled")
			return nil
		}
		c.Logger.Warn("staple attempt failed",
			"attempt", attempt, "attempts", c.Staple.Attempts,
			"exit_code", res.ExitCode)
		if attempt < c.Staple.Attempts {
			clk.Sleep(c.Staple.Backoff)
		}
	}
	return ErrStapleExhausted
}

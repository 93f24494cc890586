// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervise launches the external builder and watches for its
// two completion conditions — artifact produced, artifact notarized —
// which can arrive in any order relative to the build process's own
// exit.
//
// The builder being driven is not a reliable narrator: it is known to
// hang after its real work is finished (the notarization verdict is
// final, the outputs are on disk, and the process just sits there),
// and its exit code sometimes reports failure after producing valid,
// signed outputs. The watcher therefore treats the filesystem and the
// local trust-policy oracle as the authoritative completion signals,
// and the process exit as merely one of three ways the wait can end.
// When the oracle confirms notarization while the builder is still
// alive, the watcher terminates it and moves on.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/slipway-tools/slipway/lib/clock"
	"github.com/slipway-tools/slipway/lib/console"
)

// Phase is the watcher's state. Transitions are strictly forward:
//
//	Waiting → ArtifactSeen → Notarized → Done
//
// with ProcessExited and TimedOut as alternative terminal phases
// reachable from any non-terminal state.
type Phase int

const (
	// Waiting: no completion condition observed yet.
	Waiting Phase = iota
	// ArtifactSeen: the disk image exists on disk.
	ArtifactSeen
	// Notarized: the oracle accepts the artifact. Transient — the
	// watcher immediately terminates the build and moves to Done.
	Notarized
	// Done: notarization confirmed and the build terminated. Terminal.
	Done
	// ProcessExited: the builder exited on its own. Terminal; the
	// normal, well-behaved completion path.
	ProcessExited
	// TimedOut: the deadline passed with neither condition met.
	// Terminal. The build is NOT killed — post-loop validation decides
	// whether anything usable was produced.
	TimedOut
	// Canceled: the caller's context was canceled (SIGINT/SIGTERM).
	// Terminal. The caller owns builder cleanup.
	Canceled
)

// String returns the phase name for logs.
func (p Phase) String() string {
	switch p {
	case Waiting:
		return "waiting"
	case ArtifactSeen:
		return "artifact-seen"
	case Notarized:
		return "notarized"
	case Done:
		return "done"
	case ProcessExited:
		return "process-exited"
	case TimedOut:
		return "timed-out"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// terminal reports whether the phase ends the poll loop.
func (p Phase) terminal() bool {
	return p == Done || p == ProcessExited || p == TimedOut || p == Canceled
}

// State is the monotonic artifact snapshot: each flag moves false→true
// at most once per run and never reverses.
type State struct {
	BundlePresent   bool
	ArtifactPresent bool
	Notarized       bool
}

// Oracle is the local trust-policy check. Accepted reports whether the
// local policy currently accepts the artifact; a failing check is
// "not yet", never an error to propagate.
type Oracle interface {
	Accepted(ctx context.Context, path string) bool
}

// Outcome is the watcher's result, consumed by post-loop validation
// and the pipeline's notarization decision.
type Outcome struct {
	// Phase is the terminal phase the watcher reached.
	Phase Phase

	// State is the artifact snapshot at loop exit.
	State State

	// Exit is the builder's status; set only for ProcessExited.
	Exit *ExitStatus

	// TerminatedBuild is true when the watcher killed a
	// known-complete-but-hanging builder.
	TerminatedBuild bool

	// Elapsed is the total wait duration.
	Elapsed time.Duration
}

// Watcher polls for the build's completion conditions. A single
// control goroutine drives the loop; the only concurrency is the
// builder process itself.
type Watcher struct {
	Task         Task
	Oracle       Oracle
	BundlePath   string
	ArtifactPath string

	// Interval, Deadline, and HeartbeatEvery come from the watch
	// config. Tests shrink them to microseconds.
	Interval       time.Duration
	Deadline       time.Duration
	HeartbeatEvery time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Console *console.Printer

	// stat is the filesystem probe, replaceable in tests. Defaults to
	// statRetry (os.Stat with one retry on transient errors — the
	// builder may still be flushing when a path first appears).
	stat func(path string) (os.FileInfo, error)
}

// runContext is the state-machine context: everything the transition
// function reads and writes lives here, not in package globals.
type runContext struct {
	phase         Phase
	state         State
	start         time.Time
	lastHeartbeat time.Time
	outcome       Outcome
}

// Wait runs the poll loop until a terminal phase is reached. It never
// blocks longer than one poll interval at a time, it reaches TimedOut
// at the configured deadline even if the builder hangs forever and no
// file ever appears, and it exits as Canceled within one poll
// interval of ctx being canceled.
func (w *Watcher) Wait(ctx context.Context) Outcome {
	clk := w.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if w.stat == nil {
		w.stat = statRetry
	}

	run := &runContext{
		phase:         Waiting,
		start:         clk.Now(),
		lastHeartbeat: clk.Now(),
	}

	for {
		w.tick(ctx, run, clk.Now())
		if run.phase.terminal() {
			break
		}
		clk.Sleep(w.Interval)
	}

	run.outcome.Phase = run.phase
	run.outcome.State = run.state
	run.outcome.Elapsed = clk.Now().Sub(run.start)
	return run.outcome
}

// tick evaluates one state-machine transition. Order matters and is
// part of the contract:
//
//  1. Builder exit ends the loop (the well-behaved path).
//  2. Artifact appearance advances Waiting → ArtifactSeen.
//  3. In ArtifactSeen, oracle acceptance advances to Notarized, which
//     terminates the still-running builder and completes as Done. The
//     oracle is never consulted before the artifact exists, so
//     Terminate can never fire before ArtifactSeen.
//  4. The deadline ends the loop as TimedOut.
//
// A heartbeat is emitted on the configured cadence regardless of
// state.
func (w *Watcher) tick(ctx context.Context, run *runContext, now time.Time) {
	// Cancellation (Ctrl-C, SIGTERM) is checked once per tick, so the
	// worst-case latency is one poll interval. The builder runs in its
	// own process group and never saw the signal; the caller decides
	// whether to terminate it.
	if ctx.Err() != nil {
		run.phase = Canceled
		w.Logger.Warn("watch canceled", "cause", ctx.Err(), "elapsed", now.Sub(run.start))
		return
	}

	if !w.Task.Alive() {
		exit := w.Task.Join()
		run.phase = ProcessExited
		run.outcome.Exit = &exit
		w.observePresence(run)
		w.Logger.Debug("builder exited", "code", exit.Code, "elapsed", now.Sub(run.start))
		return
	}

	w.observePresence(run)

	switch run.phase {
	case Waiting:
		if run.state.ArtifactPresent {
			run.phase = ArtifactSeen
			w.Console.OK("artifact appeared: %s", filepath.Base(w.ArtifactPath))
			w.Logger.Info("artifact present", "path", w.ArtifactPath, "elapsed", now.Sub(run.start))
		}
	case ArtifactSeen:
		if w.Oracle.Accepted(ctx, w.ArtifactPath) {
			run.state.Notarized = true
			run.phase = Notarized
			w.Console.OK("notarization verdict visible locally")
			w.Logger.Info("artifact notarized", "path", w.ArtifactPath, "elapsed", now.Sub(run.start))

			// The builder's work is verifiably finished; it just
			// hasn't noticed. Cut it loose instead of waiting out the
			// rest of the budget.
			w.Console.Info("terminating hung builder")
			w.Task.Terminate()
			run.outcome.TerminatedBuild = true
			run.phase = Done
			return
		}
	}

	if w.HeartbeatEvery > 0 && now.Sub(run.lastHeartbeat) >= w.HeartbeatEvery {
		w.Console.Heartbeat(now.Sub(run.start))
		run.lastHeartbeat = now
	}

	if now.Sub(run.start) >= w.Deadline {
		run.phase = TimedOut
		w.Logger.Warn("watch deadline exceeded", "deadline", w.Deadline, "phase", run.phase.String())
	}
}

// observePresence refreshes the monotonic presence flags. Flags are
// only ever raised — a path that vanishes after being seen does not
// lower them (post-loop validation re-checks what matters).
func (w *Watcher) observePresence(run *runContext) {
	if !run.state.BundlePresent {
		if _, err := w.stat(w.BundlePath); err == nil {
			run.state.BundlePresent = true
		}
	}
	if !run.state.ArtifactPresent {
		if _, err := w.stat(w.ArtifactPath); err == nil {
			run.state.ArtifactPresent = true
		}
	}
}

// statRetry stats a path, retrying once on transient errors. A path
// mid-flush can briefly return EIO or EINTR; not-exist is the common
// case and is never retried.
func statRetry(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err == nil || os.IsNotExist(err) {
		return info, err
	}
	return os.Stat(path)
}

// ArtifactMissingError reports that the build completed (by exit,
// oracle, or timeout) without leaving valid outputs at the expected
// paths. The message names each problem and where the output was
// expected, plus a manual remediation hint.
type ArtifactMissingError struct {
	Problems []string
}

// Error implements error.
func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf(
		"build finished without usable outputs:\n  %s\n(run the builder manually to inspect its output)",
		strings.Join(e.Problems, "\n  "))
}

// ValidateOutputs performs the post-loop check that applies regardless
// of which terminal phase the watcher reached: the bundle must exist
// and look like an application bundle, and the artifact must exist.
// Outputs older than the build start are stale leftovers from a
// previous run and are rejected — a builder that failed but left last
// week's disk image behind must not pass.
func ValidateOutputs(bundlePath, artifactPath string, buildStart time.Time) error {
	var problems []string

	bundleInfo, err := statRetry(bundlePath)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("application bundle missing at %s", bundlePath))
	case !bundleInfo.IsDir():
		problems = append(problems, fmt.Sprintf("application bundle at %s is not a directory", bundlePath))
	default:
		if _, err := statRetry(filepath.Join(bundlePath, "Contents", "Info.plist")); err != nil {
			problems = append(problems, fmt.Sprintf("bundle at %s has no Contents/Info.plist", bundlePath))
		}
		// A bundle left by a previous run would otherwise slip through
		// on the create_dmg path, where the disk image is freshly
		// created from it and carries a new mtime.
		if bundleInfo.ModTime().Before(buildStart) {
			problems = append(problems, fmt.Sprintf(
				"bundle at %s predates this build (modified %s) — stale output from a previous run",
				bundlePath, bundleInfo.ModTime().Format(time.RFC3339)))
		}
	}

	artifactInfo, err := statRetry(artifactPath)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("disk image missing at %s", artifactPath))
	case artifactInfo.ModTime().Before(buildStart):
		problems = append(problems, fmt.Sprintf(
			"disk image at %s predates this build (modified %s) — stale output from a previous run",
			artifactPath, artifactInfo.ModTime().Format(time.RFC3339)))
	}

	if len(problems) > 0 {
		return &ArtifactMissingError{Problems: problems}
	}
	return nil
}

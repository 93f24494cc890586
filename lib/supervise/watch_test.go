// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package supervise

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slipway-tools/slipway/lib/clock"
	"github.com/slipway-tools/slipway/lib/console"
)

// fakeTask scripts the builder's behavior against a fake clock: it
// reports alive until exitAt (zero = runs forever) or until
// terminated.
type fakeTask struct {
	clk        *clock.Fake
	start      time.Time
	exitAt     time.Duration
	exitCode   int
	terminated atomic.Int32
}

func (f *fakeTask) Alive() bool {
	if f.terminated.Load() > 0 {
		return false
	}
	if f.exitAt == 0 {
		return true
	}
	return f.clk.Now().Sub(f.start) < f.exitAt
}

func (f *fakeTask) Terminate()           { f.terminated.Add(1) }
func (f *fakeTask) Join() ExitStatus     { return ExitStatus{Code: f.exitCode} }
func (f *fakeTask) StartTime() time.Time { return f.start }

// scriptedOracle accepts from acceptAt onward.
type scriptedOracle struct {
	clk      *clock.Fake
	start    time.Time
	acceptAt time.Duration
	calls    atomic.Int32
}

func (o *scriptedOracle) Accepted(ctx context.Context, path string) bool {
	o.calls.Add(1)
	if o.acceptAt == 0 {
		return false
	}
	return o.clk.Now().Sub(o.start) >= o.acceptAt
}

type watchFixture struct {
	clk     *clock.Fake
	task    *fakeTask
	oracle  *scriptedOracle
	watcher *Watcher
	console bytes.Buffer
}

// newWatchFixture builds a watcher wired to a fake clock, with the
// artifact appearing at artifactAt (zero = never) and the oracle
// accepting from oracleAt (zero = never).
func newWatchFixture(t *testing.T, artifactAt, oracleAt time.Duration) *watchFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	start := clk.Now()

	f := &watchFixture{
		clk:    clk,
		task:   &fakeTask{clk: clk, start: start, exitCode: 0},
		oracle: &scriptedOracle{clk: clk, start: start, acceptAt: oracleAt},
	}
	f.watcher = &Watcher{
		Task:           f.task,
		Oracle:         f.oracle,
		BundlePath:     "/out/macos/Wavelet Agent.app",
		ArtifactPath:   "/out/dmg/Wavelet Agent_1.4.0_aarch64.dmg",
		Interval:       5 * time.Second,
		Deadline:       600 * time.Second,
		HeartbeatEvery: 30 * time.Second,
		Clock:          clk,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Console:        console.New(&f.console),
		stat: func(path string) (os.FileInfo, error) {
			if artifactAt != 0 && clk.Now().Sub(start) >= artifactAt {
				return nil, nil
			}
			return nil, fs.ErrNotExist
		},
	}
	return f
}

func TestWatchHangingBuildTerminatedAfterNotarization(t *testing.T) {
	t.Parallel()
	// Artifact at 50s, oracle accepts from 80s, build hangs forever.
	f := newWatchFixture(t, 50*time.Second, 80*time.Second)

	outcome := f.watcher.Wait(context.Background())

	if outcome.Phase != Done {
		t.Fatalf("phase = %v, want %v", outcome.Phase, Done)
	}
	if !outcome.TerminatedBuild {
		t.Error("TerminatedBuild = false, want true")
	}
	if got := f.task.terminated.Load(); got != 1 {
		t.Errorf("Terminate called %d times, want exactly 1", got)
	}
	if !outcome.State.ArtifactPresent || !outcome.State.Notarized {
		t.Errorf("state = %+v, want artifact present and notarized", outcome.State)
	}
	if outcome.Elapsed != 80*time.Second {
		t.Errorf("elapsed = %v, want 80s", outcome.Elapsed)
	}
}

func TestWatchOracleNotConsultedBeforeArtifact(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, 50*time.Second, 80*time.Second)

	f.watcher.Wait(context.Background())

	// Ticks run at 0,5,…; the oracle may be asked only from the tick
	// after the artifact appeared: t=55..80 inclusive is 6 calls.
	if got := f.oracle.calls.Load(); got != 6 {
		t.Errorf("oracle consulted %d times, want 6 (only after artifact appeared)", got)
	}
}

func TestWatchHeartbeats(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, 50*time.Second, 80*time.Second)

	f.watcher.Wait(context.Background())

	// 80s of waiting with a 30s cadence: heartbeats at t=30 and t=60.
	if got := strings.Count(f.console.String(), "still waiting"); got != 2 {
		t.Errorf("heartbeat count = %d, want 2\nconsole:\n%s", got, f.console.String())
	}
}

func TestWatchDeadline(t *testing.T) {
	t.Parallel()
	// Nothing ever appears and the build never exits.
	f := newWatchFixture(t, 0, 0)

	outcome := f.watcher.Wait(context.Background())

	if outcome.Phase != TimedOut {
		t.Fatalf("phase = %v, want %v", outcome.Phase, TimedOut)
	}
	if outcome.Elapsed < 600*time.Second {
		t.Errorf("elapsed = %v, want ≥ deadline", outcome.Elapsed)
	}
	// Timeout does not kill the build; the caller decides what to do.
	if f.task.terminated.Load() != 0 {
		t.Error("watcher terminated the build on timeout")
	}
}

func TestWatchDeadlineWithArtifactButNoVerdict(t *testing.T) {
	t.Parallel()
	// Artifact appears but the oracle never accepts: the run times out
	// with the partial state preserved for post-loop validation.
	f := newWatchFixture(t, 50*time.Second, 0)

	outcome := f.watcher.Wait(context.Background())

	if outcome.Phase != TimedOut {
		t.Fatalf("phase = %v, want %v", outcome.Phase, TimedOut)
	}
	if !outcome.State.ArtifactPresent {
		t.Error("ArtifactPresent lost on timeout")
	}
	if outcome.State.Notarized {
		t.Error("Notarized = true without oracle acceptance")
	}
}

func TestWatchProcessExit(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, 10*time.Second, 0)
	f.task.exitAt = 20 * time.Second
	f.task.exitCode = 0

	outcome := f.watcher.Wait(context.Background())

	if outcome.Phase != ProcessExited {
		t.Fatalf("phase = %v, want %v", outcome.Phase, ProcessExited)
	}
	if outcome.Exit == nil || outcome.Exit.Code != 0 {
		t.Errorf("exit = %+v, want code 0", outcome.Exit)
	}
	// Presence was refreshed on the exit tick even though the loop
	// never reached the oracle.
	if !outcome.State.ArtifactPresent {
		t.Error("artifact presence not recorded on the exit tick")
	}
	if f.task.terminated.Load() != 0 {
		t.Error("watcher terminated a build that exited on its own")
	}
}

func TestWatchCanceledContext(t *testing.T) {
	t.Parallel()
	// Build hangs forever and nothing appears; the operator hits
	// Ctrl-C. The loop must exit promptly instead of polling out the
	// rest of the deadline.
	f := newWatchFixture(t, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := f.watcher.Wait(ctx)

	if outcome.Phase != Canceled {
		t.Fatalf("phase = %v, want %v", outcome.Phase, Canceled)
	}
	if outcome.Elapsed != 0 {
		t.Errorf("elapsed = %v, want 0 for a pre-canceled context", outcome.Elapsed)
	}
	// Builder cleanup belongs to the caller, not the watcher.
	if f.task.terminated.Load() != 0 {
		t.Error("watcher terminated the build on cancellation")
	}
}

func TestWatchCancellationMidRun(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel once 100s of simulated time have passed.
	base := f.watcher.stat
	f.watcher.stat = func(path string) (os.FileInfo, error) {
		if f.clk.Now().Sub(f.task.start) >= 100*time.Second {
			cancel()
		}
		return base(path)
	}

	outcome := f.watcher.Wait(ctx)

	if outcome.Phase != Canceled {
		t.Fatalf("phase = %v, want %v", outcome.Phase, Canceled)
	}
	// One poll interval after the cancel at t=100.
	if outcome.Elapsed >= 600*time.Second {
		t.Errorf("elapsed = %v, cancellation did not cut the deadline short", outcome.Elapsed)
	}
}

func TestWatchPresenceIsMonotonic(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, 0, 0)
	f.watcher.Deadline = 100 * time.Second
	// Visible only in the 40–60s window, then gone.
	f.watcher.stat = func(path string) (os.FileInfo, error) {
		since := f.clk.Now().Sub(f.task.start)
		if since >= 40*time.Second && since < 60*time.Second {
			return nil, nil
		}
		return nil, fs.ErrNotExist
	}

	outcome := f.watcher.Wait(context.Background())

	if !outcome.State.ArtifactPresent {
		t.Error("ArtifactPresent reverted after the path vanished")
	}
}

func TestValidateOutputs(t *testing.T) {
	t.Parallel()
	buildStart := time.Now().Add(-time.Minute)

	makeBundle := func(t *testing.T) string {
		dir := t.TempDir()
		bundle := filepath.Join(dir, "Wavelet Agent.app")
		if err := os.MkdirAll(filepath.Join(bundle, "Contents"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(bundle, "Contents", "Info.plist"), []byte("<plist/>"), 0o644); err != nil {
			t.Fatal(err)
		}
		return bundle
	}
	makeArtifact := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "Wavelet Agent_1.4.0_aarch64.dmg")
		if err := os.WriteFile(path, []byte("dmg"), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		if err := ValidateOutputs(makeBundle(t), makeArtifact(t), buildStart); err != nil {
			t.Errorf("ValidateOutputs: %v", err)
		}
	})

	t.Run("missing bundle", func(t *testing.T) {
		t.Parallel()
		err := ValidateOutputs(filepath.Join(t.TempDir(), "none.app"), makeArtifact(t), buildStart)
		var missing *ArtifactMissingError
		if !errors.As(err, &missing) {
			t.Fatalf("error = %v, want ArtifactMissingError", err)
		}
		if !strings.Contains(err.Error(), "application bundle missing") {
			t.Errorf("message %q does not name the missing bundle", err)
		}
	})

	t.Run("bundle without plist", func(t *testing.T) {
		t.Parallel()
		bundle := filepath.Join(t.TempDir(), "Bare.app")
		if err := os.MkdirAll(bundle, 0o755); err != nil {
			t.Fatal(err)
		}
		err := ValidateOutputs(bundle, makeArtifact(t), buildStart)
		if err == nil || !strings.Contains(err.Error(), "Info.plist") {
			t.Errorf("error = %v, want Info.plist complaint", err)
		}
	})

	t.Run("stale bundle", func(t *testing.T) {
		t.Parallel()
		// The create_dmg path builds a fresh disk image from whatever
		// bundle is on disk, so the image's mtime says nothing about
		// the bundle's age.
		bundle := makeBundle(t)
		old := time.Now().Add(-48 * time.Hour)
		if err := os.Chtimes(bundle, old, old); err != nil {
			t.Fatal(err)
		}
		err := ValidateOutputs(bundle, makeArtifact(t), time.Now())
		if err == nil || !strings.Contains(err.Error(), "bundle at") || !strings.Contains(err.Error(), "predates this build") {
			t.Errorf("error = %v, want stale-bundle complaint", err)
		}
	})

	t.Run("stale artifact", func(t *testing.T) {
		t.Parallel()
		artifact := makeArtifact(t)
		old := time.Now().Add(-48 * time.Hour)
		if err := os.Chtimes(artifact, old, old); err != nil {
			t.Fatal(err)
		}
		err := ValidateOutputs(makeBundle(t), artifact, time.Now())
		if err == nil || !strings.Contains(err.Error(), "predates this build") {
			t.Errorf("error = %v, want staleness complaint", err)
		}
	})

	t.Run("both missing lists all problems", func(t *testing.T) {
		t.Parallel()
		err := ValidateOutputs(
			filepath.Join(t.TempDir(), "none.app"),
			filepath.Join(t.TempDir(), "none.dmg"),
			buildStart)
		var missing *ArtifactMissingError
		if !errors.As(err, &missing) {
			t.Fatalf("error = %v, want ArtifactMissingError", err)
		}
		if len(missing.Problems) != 2 {
			t.Errorf("problems = %v, want both bundle and image", missing.Problems)
		}
	})
}

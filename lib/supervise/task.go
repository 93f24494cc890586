// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package supervise

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/slipway-tools/slipway/lib/plan"
)

// killGracePeriod is how long Terminate waits after SIGTERM before
// escalating to SIGKILL. The builder is only ever terminated once its
// real work is verifiably done, so a short grace is enough for it to
// flush output.
const killGracePeriod = 5 * time.Second

// ExitStatus is the builder's exit outcome. Code is the process exit
// code, or 128+signal when the process died to a signal (including
// slipway's own Terminate).
type ExitStatus struct {
	Code int
}

// Task is the watcher's view of the supervised build. BuildTask is the
// production implementation; tests substitute fakes to script exit and
// hang behavior.
type Task interface {
	// Alive reports whether the build process is still running.
	// Non-blocking.
	Alive() bool

	// Terminate signals the build's process group and reaps it.
	// Best-effort: failures are swallowed because the process may have
	// exited between the liveness check and the signal. Idempotent.
	Terminate()

	// Join blocks until the process has exited and returns its status.
	// Safe to call after Terminate and after the process has already
	// been reaped.
	Join() ExitStatus

	// StartTime is when the build was launched. Output files with
	// modification times before this are stale leftovers from a
	// previous run.
	StartTime() time.Time
}

// BuildTask supervises the external builder process.
type BuildTask struct {
	cmd       *exec.Cmd
	startTime time.Time

	done   chan struct{}
	status ExitStatus

	terminateOnce sync.Once
}

// Launch starts the builder asynchronously with extraEnv appended to
// the inherited environment (this is where the credentials cross into
// the build). Output streams to sink. The builder runs in its own
// process group so Terminate reaches its children.
//
// The returned task is already being reaped by a background goroutine;
// the caller observes it through Alive/Join and never touches the
// process handle directly.
func Launch(spec plan.BuilderSpec, extraEnv []string, sink io.Writer) (*BuildTask, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching builder %s: %w", spec.Command, err)
	}

	task := &BuildTask{
		cmd:       cmd,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		task.status = exitStatusFromError(err)
		close(task.done)
	}()

	return task, nil
}

// Alive reports whether the builder is still running.
func (t *BuildTask) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Terminate SIGTERMs the builder's process group, escalates to SIGKILL
// after a short grace period, and blocks until the reaper goroutine
// has collected the exit status (no zombie survives). Signal errors
// are ignored — ESRCH just means the process beat us to the exit.
func (t *BuildTask) Terminate() {
	t.terminateOnce.Do(func() {
		processGroup := -t.cmd.Process.Pid
		_ = syscall.Kill(processGroup, syscall.SIGTERM)

		select {
		case <-t.done:
			return
		case <-time.After(killGracePeriod):
			_ = syscall.Kill(processGroup, syscall.SIGKILL)
		}
		<-t.done
	})
}

// Join blocks until the builder has exited and returns its status.
func (t *BuildTask) Join() ExitStatus {
	<-t.done
	return t.status
}

// StartTime is when the builder was launched.
func (t *BuildTask) StartTime() time.Time {
	return t.startTime
}

// exitStatusFromError converts cmd.Wait's error into an ExitStatus.
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	if exitError, ok := err.(*exec.ExitError); ok {
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return ExitStatus{Code: 128 + int(status.Signal())}
		}
		return ExitStatus{Code: exitError.ExitCode()}
	}
	return ExitStatus{Code: -1}
}

var _ Task = (*BuildTask)(nil)

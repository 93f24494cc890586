// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the build watcher's poll loop.
// Production code injects Real(); tests inject a Fake whose Sleep
// advances simulated time immediately, making tick-by-tick scenarios
// (artifact appears at t+50s, oracle accepts at t+80s) deterministic
// and instant.
package clock

import (
	"sync"
	"time"
)

// Clock provides the two operations the poll loop performs: reading
// the current time and sleeping between ticks.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a deterministic Clock. Time stands still except when Sleep
// or Advance moves it forward. Sleep returns immediately after
// advancing the simulated time, so a 600-second poll deadline runs in
// microseconds of wall time.
//
// Fake is safe for concurrent use, though the watcher drives it from
// a single goroutine.
type Fake struct {
	mu      sync.Mutex
	current time.Time
}

// NewFake returns a Fake initialized to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the current simulated time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Sleep advances the simulated time by d and returns immediately.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves the simulated time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

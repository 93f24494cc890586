// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package console renders the orchestrator's human-facing progress
// output: stage banners, per-step status lines, warnings, and the
// final publish summary. Styling degrades to plain text when stdout
// is not a terminal or the environment disables color, so CI logs
// stay clean.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Printer writes progress output for one pipeline run. All output goes
// to a single writer (stdout in production, a buffer in tests).
type Printer struct {
	out io.Writer

	stage   lipgloss.Style
	ok      lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	faint   lipgloss.Style
}

// New returns a Printer writing to out. Color is applied only when out
// is a terminal and the environment's color profile supports it
// (NO_COLOR and dumb terminals yield plain text).
func New(out io.Writer) *Printer {
	styled := false
	if file, ok := out.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		styled = termenv.EnvColorProfile() != termenv.Ascii
	}

	printer := &Printer{out: out}
	if styled {
		printer.stage = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
		printer.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
		printer.warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
		printer.failure = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
		printer.faint = lipgloss.NewStyle().Faint(true)
	}
	return printer
}

// Stage announces the start of a pipeline stage.
func (p *Printer) Stage(name string) {
	fmt.Fprintf(p.out, "%s %s\n", p.stage.Render("==>"), p.stage.Render(name))
}

// Info prints a plain status line under the current stage.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.out, "    %s\n", fmt.Sprintf(format, args...))
}

// OK prints a success line under the current stage.
func (p *Printer) OK(format string, args ...any) {
	fmt.Fprintf(p.out, "    %s\n", p.ok.Render(fmt.Sprintf(format, args...)))
}

// Warn prints a warning line. Warnings mark degraded-but-continuing
// outcomes (staple retries exhausted, notarization not yet visible
// locally); they never abort the run.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintf(p.out, "    %s\n", p.warning.Render("warning: "+fmt.Sprintf(format, args...)))
}

// Fail prints a fatal error line. The caller exits afterward.
func (p *Printer) Fail(format string, args ...any) {
	fmt.Fprintf(p.out, "%s\n", p.failure.Render("error: "+fmt.Sprintf(format, args...)))
}

// Heartbeat prints the watcher's periodic still-alive line with the
// elapsed wait time.
func (p *Printer) Heartbeat(elapsed time.Duration) {
	fmt.Fprintf(p.out, "    %s\n", p.faint.Render(fmt.Sprintf("still waiting (%s elapsed)", formatDuration(elapsed))))
}

// formatDuration renders a duration in whole seconds below two
// minutes, and minutes+seconds above.
func formatDuration(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 120 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm%02ds", seconds/60, seconds%60)
}

// NewLogger creates the structured logger for a run. When stderr is a
// terminal the text handler keeps output readable; when piped (CI,
// scripts) the JSON handler produces machine-parseable lines.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

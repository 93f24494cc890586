// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/slipway-tools/slipway/lib/publish"
)

// resultLog writes structured JSONL to a file during a release run.
// Each line is an independent JSON object, so a crash mid-run
// preserves every completed stage record and CI systems can tail the
// file for live progress. When no --result-log path is given, the log
// is disabled and all methods are nil-safe no-ops.
type resultLog struct {
	file    *os.File
	encoder *json.Encoder

	// stageStart anchors each stage's elapsed_seconds; reset on every
	// stage record.
	stageStart time.Time
}

// newResultLog creates a JSONL result log at the given path,
// truncating any existing content.
func newResultLog(path string) (*resultLog, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating result log %s: %w", path, err)
	}
	return &resultLog{
		file:       file,
		encoder:    json.NewEncoder(file),
		stageStart: time.Now(),
	}, nil
}

// Close flushes and closes the result log file.
func (r *resultLog) Close() error {
	if r == nil {
		return nil
	}
	return r.file.Close()
}

func (r *resultLog) write(record map[string]any) {
	if r == nil {
		return
	}
	record["time"] = time.Now().UTC().Format(time.RFC3339)
	// Encode errors are swallowed: the result log is advisory and
	// must never fail a release that is otherwise succeeding.
	_ = r.encoder.Encode(record)
}

// writeStart records the run header.
func (r *resultLog) writeStart(product, version, arch string) {
	r.write(map[string]any{
		"event":   "start",
		"product": product,
		"version": version,
		"arch":    arch,
	})
}

// writeStage records a completed stage. Status is "ok", "warning", or
// "failed"; detail is optional human-readable context. Elapsed time is
// measured from the previous stage record.
func (r *resultLog) writeStage(stage, status, detail string) {
	if r == nil {
		return
	}
	now := time.Now()
	record := map[string]any{
		"event":           "stage",
		"stage":           stage,
		"status":          status,
		"elapsed_seconds": now.Sub(r.stageStart).Round(time.Millisecond).Seconds(),
	}
	if detail != "" {
		record["detail"] = detail
	}
	r.stageStart = now
	r.write(record)
}

// writePublished records the final artifact location and digest.
func (r *resultLog) writePublished(res *publish.Result) {
	r.write(map[string]any{
		"event":       "published",
		"destination": res.DestinationPath,
		"size_bytes":  res.SizeBytes,
		"blake3":      res.Digest,
	})
}

// writeFailure records the fatal error that ended the run.
func (r *resultLog) writeFailure(err error) {
	r.write(map[string]any{
		"event": "failure",
		"error": err.Error(),
	})
}

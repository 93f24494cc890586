// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"io"
)

// scrubWriter filters credential values out of streamed builder
// output before it reaches the console. The builder receives the
// secrets in its environment and some of its tools echo their
// arguments, so raw passthrough would print them.
//
// Output is forwarded line by line so a secret can never straddle a
// scrub call; a pathological unterminated line is flushed once it
// exceeds the buffer cap rather than held forever.
type scrubWriter struct {
	w     io.Writer
	scrub func(string) string
	buf   bytes.Buffer
}

const scrubBufferCap = 64 * 1024

func newScrubWriter(w io.Writer, scrub func(string) string) *scrubWriter {
	return &scrubWriter{w: w, scrub: scrub}
}

// Write implements io.Writer. It always reports the full input length
// as written: a console write failure must not abort the builder.
func (s *scrubWriter) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it buffered unless it is absurdly
			// long.
			if len(line) > scrubBufferCap {
				io.WriteString(s.w, s.scrub(line))
			} else {
				s.buf.WriteString(line)
			}
			break
		}
		io.WriteString(s.w, s.scrub(line))
	}
	return len(p), nil
}

// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds signing and notarization credentials in memory
// that is locked against swapping, excluded from core dumps, and zeroed
// on close.
//
// Values are backed by anonymous mmap regions outside the Go heap: the
// garbage collector never sees them and cannot copy or relocate them,
// so zeroing on Close actually destroys the secret. This matters for a
// release tool that spends minutes blocked on external commands while
// holding an account password.
package secret

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Value is a credential held in protected memory. A Value must not be
// copied after creation. Call Close when the credential is no longer
// needed; after Close, Reveal panics.
type Value struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// FromString copies s into a protected region. The source string cannot
// be zeroed (Go strings are immutable), so callers should avoid holding
// secrets as strings longer than necessary before conversion.
//
// The backing memory is mlock'd (never swapped) and marked
// MADV_DONTDUMP (excluded from core dumps). Returns an error if s is
// empty or if the kernel refuses the mapping.
func FromString(s string) (*Value, error) {
	if s == "" {
		return nil, fmt.Errorf("secret: empty value")
	}

	data, err := unix.Mmap(-1, 0, len(s), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	copy(data, s)
	return &Value{data: data}, nil
}

// FromBytes copies source into a protected region and zeroes the
// caller's slice, so the original no longer holds the secret.
func FromBytes(source []byte) (*Value, error) {
	value, err := FromString(string(source))
	if err != nil {
		return nil, err
	}
	Zero(source)
	return value, nil
}

// Reveal returns the credential as a string for handoff to an external
// command (environment variable or argument). The returned string is a
// heap copy — use it at the process boundary and let it go out of
// scope promptly. Panics if the value has been closed.
func (v *Value) Reveal() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		panic("secret: reveal of closed value")
	}
	return string(v.data)
}

// Masked returns a display form safe for logs and console output: the
// first four characters followed by an ellipsis, or "****" when the
// value is shorter than eight characters. Masked never returns the
// full secret. Safe to call on a closed value (returns "****").
func (v *Value) Masked() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed || len(v.data) < 8 {
		return "****"
	}
	return string(v.data[:4]) + "…"
}

// Len returns the credential length in bytes. Zero after Close.
func (v *Value) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.data)
}

// Equal reports whether the value equals s without copying the secret
// out of protected memory.
func (v *Value) Equal(s string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false
	}
	return string(v.data) == s
}

// String implements fmt.Stringer with the masked form, so a Value that
// leaks into a log line or %v format never prints the secret.
func (v *Value) String() string {
	return v.Masked()
}

// Close zeroes the credential, unlocks and unmaps the backing memory.
// Idempotent.
func (v *Value) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	Zero(v.data)

	var firstError error
	if err := unix.Munlock(v.data); err != nil {
		firstError = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(v.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap: %w", err)
	}
	v.data = nil
	return firstError
}

// Zero overwrites b in place. Use on transient buffers that held
// secret material before releasing them to the garbage collector.
func Zero(b []byte) {
	for index := range b {
		b[index] = 0
	}
}

// MaskOccurrences replaces every occurrence of the value in text with
// its masked form. Used to scrub external tool output before echoing
// it: notarytool errors sometimes quote the submitted arguments.
func (v *Value) MaskOccurrences(text string) string {
	v.mu.Lock()
	plaintext := ""
	if !v.closed {
		plaintext = string(v.data)
	}
	v.mu.Unlock()

	if plaintext == "" {
		return text
	}
	return strings.ReplaceAll(text, plaintext, v.Masked())
}

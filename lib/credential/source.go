// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/slipway-tools/slipway/lib/secret"
)

// Source supplies credential values by name. Names use kebab-case
// ("apple-id"); sources translate to their own key conventions.
// Get returns nil when the source has no value for the name.
type Source interface {
	Get(name string) *secret.Value
	Close() error
}

// EnvSource reads credentials from environment variables. A name like
// "apple-id" is looked up as APPLE_ID. Values are cached in protected
// buffers on first access.
type EnvSource struct {
	mu    sync.Mutex
	cache map[string]*secret.Value
}

// Get retrieves a credential from the environment.
func (s *EnvSource) Get(name string) *secret.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.cache[name]; ok {
		return value
	}

	raw := os.Getenv(envKey(name))
	if raw == "" {
		return nil
	}
	value, err := secret.FromString(raw)
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Value)
	}
	s.cache[name] = value
	return value
}

// Close releases all cached values.
func (s *EnvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range s.cache {
		value.Close()
		delete(s.cache, name)
	}
	return nil
}

// FileSource reads credentials from a key=value file:
//
//	APPLE_ID=releases@example.com
//	APPLE_PASSWORD=abcd-efgh-ijkl-mnop
//
// Lines starting with # are comments; empty lines are ignored. Keys
// follow the environment convention (APPLE_ID for "apple-id").
//
// A file whose path ends in ".age" is treated as age-encrypted: it is
// decrypted in memory with the X25519 identity file at IdentityPath
// before parsing, and the plaintext buffer is zeroed afterward.
//
// The file is loaded lazily on first Get. Close must not be called
// concurrently with Get.
type FileSource struct {
	// Path is the credential file location. Empty means no file.
	Path string

	// IdentityPath locates the age identity file; required only when
	// Path ends in ".age".
	IdentityPath string

	once        sync.Once
	loadError   error
	credentials map[string]*secret.Value
}

// Get retrieves a credential from the file.
func (s *FileSource) Get(name string) *secret.Value {
	s.once.Do(s.load)
	return s.credentials[envKey(name)]
}

// Err returns the load failure, if any. A missing or unreadable file
// is a real error for FileSource — unlike an unset env var, a
// credential file the operator named but slipway cannot read should
// fail loudly, not resolve to "missing credential".
func (s *FileSource) Err() error {
	s.once.Do(s.load)
	return s.loadError
}

// Close releases all credential values.
func (s *FileSource) Close() error {
	for key, value := range s.credentials {
		value.Close()
		delete(s.credentials, key)
	}
	return nil
}

func (s *FileSource) load() {
	s.credentials = make(map[string]*secret.Value)
	if s.Path == "" {
		return
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		s.loadError = fmt.Errorf("reading credential file %s: %w", s.Path, err)
		return
	}

	if strings.HasSuffix(s.Path, ".age") {
		plaintext, err := s.decrypt(data)
		if err != nil {
			s.loadError = err
			return
		}
		data = plaintext
	}
	defer secret.Zero(data)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index := strings.Index(line, "=")
		if index <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:index])
		rawValue := strings.TrimSpace(line[index+1:])
		if rawValue == "" {
			continue
		}
		value, err := secret.FromString(rawValue)
		if err != nil {
			continue
		}
		s.credentials[key] = value
	}
}

// decrypt unwraps an age-encrypted credential file with the identity
// at s.IdentityPath.
func (s *FileSource) decrypt(ciphertext []byte) ([]byte, error) {
	if s.IdentityPath == "" {
		return nil, fmt.Errorf("credential file %s is age-encrypted but no identity file was given", s.Path)
	}

	identityData, err := os.ReadFile(s.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("reading age identity %s: %w", s.IdentityPath, err)
	}
	defer secret.Zero(identityData)

	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity %s: %w", s.IdentityPath, err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential file %s: %w", s.Path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential file %s: %w", s.Path, err)
	}
	return plaintext, nil
}

// Chain tries sources in order and returns the first hit. The
// resolver puts the environment first so already-set values are never
// overridden by the file.
type Chain struct {
	Sources []Source
}

// Get tries each source in order.
func (c *Chain) Get(name string) *secret.Value {
	for _, source := range c.Sources {
		if value := source.Get(name); value != nil {
			return value
		}
	}
	return nil
}

// Close closes all child sources.
func (c *Chain) Close() error {
	var firstError error
	for _, source := range c.Sources {
		if err := source.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}

// envKey converts a credential name to the environment/file key
// convention: "apple-team-id" → "APPLE_TEAM_ID".
func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

var (
	_ Source = (*EnvSource)(nil)
	_ Source = (*FileSource)(nil)
	_ Source = (*Chain)(nil)
)

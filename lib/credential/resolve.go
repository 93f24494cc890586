// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential resolves the four secrets a signed, notarized
// release needs: the Developer ID signing identity, the notary account
// (Apple ID), its app-specific password, and the team identifier.
//
// Resolution is layered: values already set in the process environment
// win over the credential file, and the signing identity has a final
// fallback that probes the local keychain for an installed Developer
// ID Application identity. A run never starts the builder with an
// incomplete set — every absent field is reported at once.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/slipway-tools/slipway/lib/secret"
	"github.com/slipway-tools/slipway/lib/toolrun"
)

// Credential names, in the kebab-case convention sources translate
// from. The environment/file keys are the uppercase underscore forms
// the builder itself reads (APPLE_SIGNING_IDENTITY and friends), so a
// credential file doubles as a sourceable env file.
const (
	NameSigningIdentity = "apple-signing-identity"
	NameAccountID       = "apple-id"
	NameAccountSecret   = "apple-password"
	NameTeamID          = "apple-team-id"
)

// Set is the fully resolved credential set. All four fields are
// non-nil once Resolve succeeds, and immutable until Close.
type Set struct {
	SigningIdentity *secret.Value
	AccountID       *secret.Value
	AccountSecret   *secret.Value
	TeamID          *secret.Value
}

// BuilderEnv returns the NAME=VALUE pairs injected into the builder
// process. The values cross the process boundary here and nowhere
// else.
func (s *Set) BuilderEnv() []string {
	return []string{
		"APPLE_SIGNING_IDENTITY=" + s.SigningIdentity.Reveal(),
		"APPLE_ID=" + s.AccountID.Reveal(),
		"APPLE_PASSWORD=" + s.AccountSecret.Reveal(),
		"APPLE_TEAM_ID=" + s.TeamID.Reveal(),
	}
}

// LogAttrs returns structured logging attributes describing the set
// without exposing it: the identity in masked form, presence booleans
// for the rest.
func (s *Set) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("signing_identity", s.SigningIdentity.Masked()),
		slog.Bool("account_id", s.AccountID != nil),
		slog.Bool("account_secret", s.AccountSecret != nil),
		slog.Bool("team_id", s.TeamID != nil),
	}
}

// Scrub replaces any occurrence of a credential value in text with
// its masked form. Run on external tool output before echoing it.
func (s *Set) Scrub(text string) string {
	for _, value := range []*secret.Value{s.SigningIdentity, s.AccountID, s.AccountSecret, s.TeamID} {
		text = value.MaskOccurrences(text)
	}
	return text
}

// Close releases all four values.
func (s *Set) Close() {
	s.SigningIdentity.Close()
	s.AccountID.Close()
	s.AccountSecret.Close()
	s.TeamID.Close()
}

// MissingError reports every credential field absent after layered
// resolution. The message names each field with its environment key so
// the operator can fix all of them in one pass.
type MissingError struct {
	Fields []string
}

// Error implements error.
func (e *MissingError) Error() string {
	keys := make([]string, len(e.Fields))
	for index, field := range e.Fields {
		keys[index] = envKey(field)
	}
	return fmt.Sprintf(
		"missing credentials: %s (set them in the environment or the credential file; "+
			"the signing identity can also come from an installed Developer ID certificate)",
		strings.Join(keys, ", "))
}

// Resolver gathers a Set from layered sources.
type Resolver struct {
	// Sources are consulted in order for each field. The caller puts
	// the environment source first.
	Sources []Source

	// Runner executes the keychain probe for the signing-identity
	// fallback. Nil disables the fallback.
	Runner toolrun.Runner

	// SecurityTool is the identity enumeration command, normally
	// "security".
	SecurityTool string

	// Logger receives a masked summary of the resolved set.
	Logger *slog.Logger
}

// Resolve produces a fully populated Set or a MissingError naming
// every absent field. On success the caller owns the Set and must
// Close it.
func (r *Resolver) Resolve(ctx context.Context) (*Set, error) {
	chain := &Chain{Sources: r.Sources}

	// A named-but-unreadable credential file is a configuration error,
	// not a missing credential.
	for _, source := range r.Sources {
		if file, ok := source.(*FileSource); ok {
			if err := file.Err(); err != nil {
				return nil, err
			}
		}
	}

	set := &Set{
		SigningIdentity: chain.Get(NameSigningIdentity),
		AccountID:       chain.Get(NameAccountID),
		AccountSecret:   chain.Get(NameAccountSecret),
		TeamID:          chain.Get(NameTeamID),
	}

	if set.SigningIdentity == nil && r.Runner != nil {
		discovered, err := r.discoverSigningIdentity(ctx)
		if err == nil && discovered != nil {
			set.SigningIdentity = discovered
			if r.Logger != nil {
				r.Logger.Info("discovered signing identity from keychain",
					"identity", discovered.Masked())
			}
		}
	}

	var missing []string
	if set.SigningIdentity == nil {
		missing = append(missing, NameSigningIdentity)
	}
	if set.AccountID == nil {
		missing = append(missing, NameAccountID)
	}
	if set.AccountSecret == nil {
		missing = append(missing, NameAccountSecret)
	}
	if set.TeamID == nil {
		missing = append(missing, NameTeamID)
	}
	if len(missing) > 0 {
		// Release whatever did resolve; a partial set is never
		// returned.
		for _, value := range []*secret.Value{set.SigningIdentity, set.AccountID, set.AccountSecret, set.TeamID} {
			if value != nil {
				value.Close()
			}
		}
		sort.Strings(missing)
		return nil, &MissingError{Fields: missing}
	}

	if r.Logger != nil {
		r.Logger.LogAttrs(ctx, slog.LevelInfo, "credentials resolved", set.LogAttrs()...)
	}
	return set, nil
}

// discoverSigningIdentity enumerates installed code-signing identities
// and returns the first Developer ID Application match. Absence is not
// an error — the caller falls through to MissingError reporting.
func (r *Resolver) discoverSigningIdentity(ctx context.Context) (*secret.Value, error) {
	tool := r.SecurityTool
	if tool == "" {
		tool = "security"
	}

	result, err := r.Runner.Run(ctx, tool, "find-identity", "-v", "-p", "codesigning")
	if err != nil || result.ExitCode != 0 {
		return nil, err
	}

	identity := firstDeveloperIDIdentity(result.Output)
	if identity == "" {
		return nil, nil
	}
	return secret.FromString(identity)
}

// firstDeveloperIDIdentity scans find-identity output for the first
// quoted "Developer ID Application: …" identity string. Sample line:
//
//	1) ABC123DEF "Developer ID Application: Example Corp (TEAM12345)"
func firstDeveloperIDIdentity(output string) string {
	for _, line := range strings.Split(output, "\n") {
		start := strings.Index(line, `"Developer ID Application`)
		if start < 0 {
			continue
		}
		rest := line[start+1:]
		end := strings.Index(rest, `"`)
		if end < 0 {
			continue
		}
		return rest[:end]
	}
	return ""
}

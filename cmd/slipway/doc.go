// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Slipway drives a macOS release build from source to published disk
// image: resolve signing credentials, launch the external builder,
// watch for the built and notarized artifact, staple the notarization
// ticket, verify the signature, and copy the result into the
// distribution directory.
//
// The builder is described by a release plan (JSONC):
//
//	slipway --plan release.jsonc
//
// Credentials come from the environment (APPLE_SIGNING_IDENTITY,
// APPLE_ID, APPLE_PASSWORD, APPLE_TEAM_ID), from the plan's
// credential file (plain key=value or age-encrypted), or — for the
// signing identity only — from the login keychain. The environment
// always wins.
//
// Slipway exists because the builder it drives is not trustworthy
// about its own completion: it is known to hang indefinitely after
// notarization succeeds, and to report a failing exit code after
// producing perfectly valid outputs. The watcher treats the
// filesystem and the local trust-policy verdict as ground truth and
// the builder's exit status as advisory.
//
// Exit status is 0 when the artifact was published (warnings such as
// an unstapled ticket do not fail the run) and 1 otherwise.
package main

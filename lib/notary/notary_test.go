// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package notary

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/slipway-tools/slipway/lib/clock"
	"github.com/slipway-tools/slipway/lib/config"
	"github.com/slipway-tools/slipway/lib/console"
	"github.com/slipway-tools/slipway/lib/credential"
	"github.com/slipway-tools/slipway/lib/secret"
	"github.com/slipway-tools/slipway/lib/toolrun"
)

func mustSecret(t *testing.T, s string) *secret.Value {
	t.Helper()
	v, err := secret.FromString(s)
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	return v
}

func testCredentials(t *testing.T) *credential.Set {
	t.Helper()
	set := &credential.Set{
		SigningIdentity: mustSecret(t, "Developer ID Application: Wavelet Labs (7Q4WXYZ123)"),
		AccountID:       mustSecret(t, "release@wavelet.example"),
		AccountSecret:   mustSecret(t, "abcd-efgh-ijkl-mnop"),
		TeamID:          mustSecret(t, "7Q4WXYZ123"),
	}
	t.Cleanup(set.Close)
	return set
}

func newClient(run toolrun.Func) *Client {
	return &Client{
		Runner: run,
		Xcrun:  "xcrun",
		Spctl:  "spctl",
		Staple: config.StapleConfig{
			GraceDelay: 10 * time.Second,
			Attempts:   6,
			Backoff:    10 * time.Second,
		},
		Clock:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Console: console.New(io.Discard),
	}
}

func TestAccepted(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		exit int
		want bool
	}{
		{"accepted", 0, true},
		{"rejected", 3, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newClient(func(ctx context.Context, name string, args ...string) (toolrun.Result, error) {
				if name != "spctl" {
					t.Errorf("ran %q, want spctl", name)
				}
				return toolrun.Result{ExitCode: tc.exit}, nil
			})
			if got := c.Accepted(context.Background(), "/tmp/a.dmg"); got != tc.want {
				t.Errorf("Accepted = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnsureNotarizedSkipsWhenAlreadyAccepted(t *testing.T) {
	t.Parallel()
	submitted := false
	c := newClient(func(ctx context.Context, name string, args ...string) (toolrun.Result, error) {
		if name == "xcrun" {
			submitted = true
		}
		return toolrun.Result{ExitCode: 0}, nil
	})

	if err := c.EnsureNotarized(context.Background(), "/tmp/a.dmg", testCredentials(t)); err != nil {
		t.Fatalf("EnsureNotarized: %v", err)
	}
	if submitted {
		t.Error("submitted an artifact the oracle already accepts")
	}
}

func TestEnsureNotarizedSubmits(t *testing.T) {
	t.Parallel()
	creds := testCredentials(t)
	var submitArgs []string
	c := newClient(func(ctx context.Context, name string, args ...string) (toolrun.Result, error) {
		if name == "spctl" {
			return toolrun.Result{ExitCode: 3}, nil
		}
		submitArgs = args
		return toolrun.Result{
			ExitCode: 0,
			Output:   "Waiting for processing\n  status: In Progress\n  status: Accepted\n",
		}, nil
	})

	if err := c.EnsureNotarized(context.Background(), "/tmp/a.dmg", creds); err != nil {
		t.Fatalf("EnsureNotarized: %v", err)
	}
	joined := strings.Join(submitArgs, " ")
	for _, want := range []string{"notarytool submit /tmp/a.dmg", "--wait", "--team-id 7Q4WXYZ123"} {
		if !strings.Contains(joined, want) {
			t.Errorf("submit args %q missing %q", joined, want)
		}
	}
}

func TestSubmitRejection(t *testing.T) {
	t.Parallel()
	creds := testCredentials(t)
	calls := 0
	c := newClient(func(ctx context.Context, name string, args ...string) (toolrun.Result, error) {
		if name == "spctl" {
			return toolrun.Result{ExitCode: 3}, nil
		}
		calls++
		return toolrun.Result{
			ExitCode: 1,
			Output:   "password abcd-efgh-ijkl-mnop used\n  status: Invalid\n",
		}, nil
	})

	err := c.EnsureNotarized(context.Background(), "/tmp/a.dmg", creds)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want RejectedError", err)
	}
	if rejected.Status != "Invalid" {
		t.Errorf("status = %q, want Invalid", rejected.Status)
	}
	if strings.Contains(rejected.Output, "abcd-efgh-ijkl-mnop") {
		t.Error("rejection output leaks the account secret")
	}
	if calls != 1 {
		t.Errorf("submitted %d times, want exactly 1 (rejections never retry)", calls)
	}
}

func TestSubmissionStatusTakesLastLine(t *testing.T) {
	t.Parallel()
	got := submissionStatus("status: In Progress\nid: 1234\n  status: Accepted\n")
	if got != "Accepted" {
		t.Errorf("submissionStatus = %q, want Accepted", got)
	}
}

func TestStapleSucceedsAfterRetry(t *testing.T) {
	t.Parallel()
	attempts := 0
	c := newClient(func(ctx context.Context, name string, args ...string) (toolrun.Result, error) {
		attempts++
		if attempts < 3 {
			return toolrun.Result{ExitCode: 65}, nil
		}
		return toolrun.Result{ExitCode: 0}, nil
	})
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	start := fake.Now()
	c.Clock = fake

	if err := c.StapleTicket(context.Background(), "/tmp/a.dmg"); err != nil {
		t.Fatalf("StapleTicket: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// 10s grace plus two 10s backoffs before the succeeding attempt.
	if got := fake.Now().Sub(start); got != 30*time.Second {
		t.Errorf("simulated delay = %v, want 30s", got)
	}
}

func TestStapleExhaustion(t *testing.T) {
	t.Parallel()
	attempts := 0
	c := newClient(func(ctx context.Context, name string, args ...string) (toolrun.Result, error) {
		attempts++
		return toolrun.Result{ExitCode: 65}, nil
	})

	err := c.StapleTicket(context.Background(), "/tmp/a.dmg")
	if !errors.Is(err, ErrStapleExhausted) {
		t.Fatalf("error = %v, want ErrStapleExhausted", err)
	}
	if attempts != 6 {
		t.Errorf("attempts = %d, want the full budget of 6", attempts)
	}
}

// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/slipway-tools/slipway/lib/config"
	"github.com/slipway-tools/slipway/lib/console"
	"github.com/slipway-tools/slipway/lib/credential"
	"github.com/slipway-tools/slipway/lib/dmg"
	"github.com/slipway-tools/slipway/lib/notary"
	"github.com/slipway-tools/slipway/lib/plan"
	"github.com/slipway-tools/slipway/lib/process"
	"github.com/slipway-tools/slipway/lib/publish"
	"github.com/slipway-tools/slipway/lib/supervise"
	"github.com/slipway-tools/slipway/lib/toolrun"
	"github.com/slipway-tools/slipway/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("slipway", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file path (default: $SLIPWAY_CONFIG, then built-ins)")
	planPath := flags.String("plan", "", "release plan (JSONC)")
	publishDir := flags.String("publish-dir", "", "override the distribution directory from config")
	ageIdentity := flags.String("age-identity", "", "age identity file for encrypted credential files")
	resultPath := flags.String("result-log", "", "write a JSONL stage log to this path")
	verbose := flags.BoolP("verbose", "v", false, "debug-level logging")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version.Info())
		return nil
	}
	if *planPath == "" {
		return fmt.Errorf("--plan is required")
	}

	logger := console.NewLogger(*verbose)
	printer := console.New(os.Stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *publishDir != "" {
		cfg.Publish.Directory = *publishDir
	}

	releasePlan, err := plan.ReadFile(*planPath)
	if err != nil {
		return fmt.Errorf("loading release plan: %w", err)
	}
	if problems := releasePlan.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid release plan %s:\n  %s", *planPath, strings.Join(problems, "\n  "))
	}

	var results *resultLog
	if *resultPath != "" {
		results, err = newResultLog(*resultPath)
		if err != nil {
			return err
		}
		defer results.Close()
	}

	identityPath := *ageIdentity
	if identityPath == "" {
		identityPath = os.Getenv("SLIPWAY_AGE_IDENTITY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = release(ctx, cfg, releasePlan, identityPath, logger, printer, results)
	if err != nil {
		results.writeFailure(err)
	}
	return err
}

// release runs the pipeline stages in order. Any returned error is
// fatal; warnings (staple exhaustion, late oracle refusal) are
// reported and swallowed along the way.
func release(ctx context.Context, cfg *config.Config, releasePlan *plan.Plan, ageIdentity string, logger *slog.Logger, printer *console.Printer, results *resultLog) error {
	results.writeStart(releasePlan.Product, releasePlan.Version, releasePlan.Arch)
	printer.Stage(fmt.Sprintf("releasing %s %s (%s)", releasePlan.Product, releasePlan.Version, releasePlan.Arch))

	// Credentials. The environment wins over the plan's credential
	// file; the keychain probe is the last resort for the signing
	// identity alone.
	tools := &toolrun.Local{}
	resolver := &credential.Resolver{
		Sources: []credential.Source{
			&credential.EnvSource{},
			&credential.FileSource{Path: releasePlan.CredentialFile, IdentityPath: ageIdentity},
		},
		Runner:       tools,
		SecurityTool: cfg.Tools.Security,
		Logger:       logger,
	}
	creds, err := resolver.Resolve(ctx)
	if err != nil {
		results.writeStage("credentials", "failed", err.Error())
		return err
	}
	defer creds.Close()
	results.writeStage("credentials", "ok", "")

	// A disk image left behind by a previous run would satisfy the
	// watcher's artifact check immediately and could even pass the
	// oracle. Remove it before the builder starts so every condition
	// observed belongs to this run.
	if err := os.Remove(releasePlan.ArtifactPath()); err == nil {
		logger.Info("removed stale disk image from previous run", "path", releasePlan.ArtifactPath())
	}

	// Launch the builder with the credentials in its environment,
	// scrubbing any echo of them from the streamed output.
	printer.Stage("building")
	task, err := supervise.Launch(releasePlan.Builder, creds.BuilderEnv(),
		newScrubWriter(os.Stderr, creds.Scrub))
	if err != nil {
		results.writeStage("build", "failed", err.Error())
		return fmt.Errorf("launching builder: %w", err)
	}
	defer func() {
		if task.Alive() {
			task.Terminate()
		}
	}()

	notaryClient := &notary.Client{
		Runner:  tools,
		Xcrun:   cfg.Tools.Xcrun,
		Spctl:   cfg.Tools.Spctl,
		Staple:  cfg.Staple,
		Logger:  logger,
		Console: printer,
	}

	watcher := &supervise.Watcher{
		Task:           task,
		Oracle:         notaryClient,
		BundlePath:     releasePlan.BundlePath(),
		ArtifactPath:   releasePlan.ArtifactPath(),
		Interval:       cfg.Watch.PollInterval,
		Deadline:       cfg.Watch.Deadline,
		HeartbeatEvery: cfg.Watch.HeartbeatEvery,
		Logger:         logger,
		Console:        printer,
	}
	outcome := watcher.Wait(ctx)
	logger.Info("watch finished",
		"phase", outcome.Phase.String(),
		"elapsed", outcome.Elapsed,
		"terminated_build", outcome.TerminatedBuild)

	switch outcome.Phase {
	case supervise.Canceled:
		// The deferred Terminate above kills the builder's process
		// group; the signal only reached us.
		results.writeStage("build", "failed", "interrupted")
		return fmt.Errorf("interrupted while waiting for the build")
	case supervise.ProcessExited:
		if outcome.Exit.Code != 0 {
			// The builder is known to report failure after producing
			// valid outputs; the filesystem check below decides.
			printer.Warn("builder exited with code %d; checking outputs anyway", outcome.Exit.Code)
		}
	case supervise.TimedOut:
		printer.Warn("build did not complete within %s; checking outputs anyway", cfg.Watch.Deadline)
	}

	// Builders configured to stop at the bundle stage get their disk
	// image built here.
	artifactPath := releasePlan.ArtifactPath()
	if releasePlan.CreateDMG && !outcome.State.ArtifactPresent {
		imageBuilder := &dmg.Builder{
			Runner:   tools,
			Hdiutil:  cfg.Tools.Hdiutil,
			Codesign: cfg.Tools.Codesign,
			Logger:   logger,
			Console:  printer,
		}
		if err := imageBuilder.Create(ctx, releasePlan.BundlePath(), artifactPath, releasePlan.Product); err != nil {
			results.writeStage("package", "failed", err.Error())
			return err
		}
		if err := imageBuilder.Sign(ctx, artifactPath, creds); err != nil {
			results.writeStage("package", "failed", err.Error())
			return err
		}
		results.writeStage("package", "ok", "")
	}

	if err := supervise.ValidateOutputs(releasePlan.BundlePath(), artifactPath, task.StartTime()); err != nil {
		results.writeStage("build", "failed", err.Error())
		return err
	}
	results.writeStage("build", "ok", "")

	if err := notaryClient.EnsureNotarized(ctx, artifactPath, creds); err != nil {
		results.writeStage("notarize", "failed", err.Error())
		return err
	}
	results.writeStage("notarize", "ok", "")

	if err := notaryClient.StapleTicket(ctx, artifactPath); err != nil {
		if errors.Is(err, notary.ErrStapleExhausted) {
			printer.Warn("%v", err)
			results.writeStage("staple", "warning", err.Error())
		} else {
			results.writeStage("staple", "failed", err.Error())
			return err
		}
	} else {
		results.writeStage("staple", "ok", "")
	}

	publisher := &publish.Publisher{
		Runner:    tools,
		Codesign:  cfg.Tools.Codesign,
		Directory: cfg.Publish.Directory,
		Logger:    logger,
		Console:   printer,
	}
	if err := publisher.VerifySignature(ctx, artifactPath); err != nil {
		results.writeStage("verify", "failed", err.Error())
		return err
	}
	if publisher.CheckNotarized(ctx, notaryClient, artifactPath) {
		results.writeStage("verify", "ok", "")
	} else {
		results.writeStage("verify", "warning", "local policy verdict not visible")
	}

	published, err := publisher.Publish(ctx, artifactPath)
	if err != nil {
		results.writeStage("publish", "failed", err.Error())
		return err
	}
	results.writePublished(published)
	printer.OK("release complete: %s", published.DestinationPath)
	return nil
}

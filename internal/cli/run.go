// Package cli — run.go implements the "stevedore run" command: the full
// release pipeline (hooks, publish, tag, push) driven by the assembled
// plan. It also hosts the pipeline construction and journal recording
// shared with the publish and tag commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/gitx"
	"github.com/mmr-tortoise/stevedore/internal/journal"
	"github.com/mmr-tortoise/stevedore/internal/model"
	"github.com/mmr-tortoise/stevedore/internal/publisher"
	"github.com/mmr-tortoise/stevedore/internal/registry"
	"github.com/mmr-tortoise/stevedore/internal/sandbox"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	// eventPath is the CI event payload to evaluate (see plan.go).
	eventPath string

	// awaitTimeout bounds the post-publish registry visibility wait.
	awaitTimeout time.Duration
}

// NewRunCommand creates the "run" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the full release pipeline",
		Long: `Evaluate the trigger condition and, if it is satisfied, publish every
workspace crate in dependency order, create the release tags, and push
them to the remote.

A trigger that is not satisfied is a successful no-op, so the command
can run unconditionally on every merge. Re-running after a partial
failure skips crates already on the registry.

Examples:
  stevedore run --event "$GITHUB_EVENT_PATH"
  stevedore run --dry-run
  stevedore run --await-timeout 10m`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.eventPath, "event", "", "Path to the CI event payload (default: $GITHUB_EVENT_PATH)")
	cmd.Flags().DurationVar(&flags.awaitTimeout, "await-timeout", publisher.DefaultAwaitTimeout,
		"How long to wait for a published version to become visible on the registry")

	return cmd
}

// runRun is the main logic function for the run command.
func runRun(ctx context.Context, flags *runFlags) error {
	started := time.Now().UTC()
	runID := journal.NewRunID()

	plan, cfg, workdir, err := buildPlan(ctx, flags.eventPath)
	if err != nil {
		return err
	}

	if plan.IsNoop() {
		recordJournal(ctx, runID, plan, &publisher.Result{Outcome: model.OutcomeNoop}, started)
		printNoop(plan)
		return nil
	}

	if err := ensureCleanTree(workdir); err != nil {
		return err
	}
	if err := ensureRemote(workdir, plan.Remote); err != nil {
		return err
	}

	pipeline, cleanup, err := newPipeline(ctx, runID, plan, cfg, workdir, flags.awaitTimeout, true)
	if err != nil {
		return err
	}
	defer cleanup()

	result := pipeline.Execute(ctx, plan)
	recordJournal(ctx, runID, plan, result, started)
	printResult(plan, result)
	return result.Err
}

// ensureCleanTree refuses to release from a dirty working tree, which
// would bake uncommitted changes into the published crates. Dry runs
// are exempt so a would-be release can be inspected mid-work.
func ensureCleanTree(workdir string) error {
	if dryRun {
		return nil
	}
	clean, err := gitx.NewManager().IsClean(workdir)
	if err != nil {
		return model.WrapCLIError(model.ExitGitError, "failed to check working tree state", err)
	}
	if !clean {
		return model.NewCLIError(model.ExitGitError,
			"working tree is dirty: commit or stash changes before releasing")
	}
	return nil
}

// ensureRemote fails before anything publishes when the push remote is
// not configured in this clone; otherwise the missing remote would only
// surface at the push step, after the crates are already on the
// registry.
func ensureRemote(workdir, remote string) error {
	if dryRun {
		return nil
	}
	if !gitx.NewManager().RemoteExists(workdir, remote) {
		return model.NewCLIError(model.ExitGitError,
			fmt.Sprintf("remote %q is not configured in this clone", remote))
	}
	return nil
}

// newPipeline wires a publisher.Pipeline from the loaded config: real
// registry client, real git, credentials from the environment, and
// either a host or a sandboxed command runner. runID labels the sandbox
// containers and is the same ID the journal records the run under. The
// returned cleanup releases the Docker client when sandbox mode is
// active.
func newPipeline(ctx context.Context, runID string, plan *model.ReleasePlan, cfg *config.Config, workdir string, awaitTimeout time.Duration, needToken bool) (*publisher.Pipeline, func(), error) {
	// Dry runs never touch the registry token, so its absence must not
	// stop them: inspecting a would-be release on a dev machine is the
	// whole point of --dry-run. The tag command passes needToken=false
	// because tagging never talks to the registry.
	var creds *config.Credentials
	if needToken && !dryRun {
		var err error
		creds, err = config.ResolveCredentials(cfg)
		if err != nil {
			return nil, nil, err
		}
	}

	// Token-less pipelines still create tags, so a dead SSH agent has
	// to fail here too when signing is on. ResolveCredentials covers
	// the check for the token-carrying ones.
	if cfg.Tag.Sign && !needToken && !dryRun {
		if err := config.CheckSigningAgent(); err != nil {
			return nil, nil, err
		}
	}

	// Only the publish phase executes commands, so tag-only pipelines
	// never need the sandbox.
	var runner publisher.Runner = publisher.ExecRunner{}
	cleanup := func() {}
	if needToken {
		var err error
		runner, cleanup, err = newRunner(ctx, runID, plan, cfg, workdir)
		if err != nil {
			return nil, nil, err
		}
	}

	return &publisher.Pipeline{
		Workdir:      workdir,
		Config:       cfg,
		Creds:        creds,
		Runner:       runner,
		Registry:     registry.NewClient(cfg.Registry.API, userAgent()),
		Git:          gitx.NewManager(),
		Log:          Log(),
		DryRun:       dryRun,
		AwaitTimeout: awaitTimeout,
	}, cleanup, nil
}

// newRunner picks the command runner: the host runner normally, a
// container runner when sandbox mode is enabled. The Docker daemon is
// pinged up front so a dead daemon fails before anything published.
func newRunner(ctx context.Context, runID string, plan *model.ReleasePlan, cfg *config.Config, workdir string) (publisher.Runner, func(), error) {
	if !cfg.Sandbox.Enabled || dryRun {
		return publisher.ExecRunner{}, func() {}, nil
	}

	cli, err := sandbox.NewClient()
	if err != nil {
		return nil, nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, nil, err
	}

	cleanupStaleContainers(ctx, cli)

	// The containers are labeled with the same run ID the journal will
	// record, so a leftover container can be matched to its history row.
	info := sandbox.RunInfo{
		RunID:     runID,
		Version:   plan.Version,
		Trigger:   plan.Decision.Trigger,
		CreatedAt: time.Now().UTC(),
	}
	Log().Info("sandbox mode enabled",
		zap.String("image", cfg.Sandbox.Image), zap.String("runId", info.RunID))

	return sandbox.NewContainerRunner(cfg.Sandbox.Image, workdir, info),
		func() { _ = cli.Close() }, nil
}

// cleanupStaleContainers removes sandbox containers left behind by a
// crashed earlier run. Containers normally remove themselves on exit;
// anything still present and not running is debris. Running containers
// are left alone — they may belong to a concurrent release.
func cleanupStaleContainers(ctx context.Context, cli *sandbox.Client) {
	leftovers, err := sandbox.ListRunContainers(ctx, cli)
	if err != nil {
		Log().Warn("failed to list leftover sandbox containers", zap.Error(err))
		return
	}
	for _, c := range leftovers {
		if c.State == "running" {
			Log().Warn("sandbox container from another run is still running, leaving it",
				zap.String("container", c.Name), zap.String("runId", c.Run.RunID))
			continue
		}
		Log().Info("removing leftover sandbox container",
			zap.String("container", c.Name),
			zap.String("runId", c.Run.RunID),
			zap.String("version", c.Run.Version))
		if err := sandbox.RemoveRunContainer(ctx, cli, c.ID, false); err != nil {
			Log().Warn("failed to remove leftover sandbox container",
				zap.String("container", c.Name), zap.Error(err))
		}
	}
}

// recordJournal persists the run under runID, the same ID the sandbox
// containers were labeled with. Journal failures are logged as warnings
// and otherwise ignored: history is advisory and must never fail a
// release.
func recordJournal(ctx context.Context, runID string, plan *model.ReleasePlan, result *publisher.Result, started time.Time) {
	db, err := journal.InitDB()
	if err != nil {
		Log().Warn("failed to open release journal", zap.Error(err))
		return
	}
	defer func() { _ = db.Close() }()

	run := journal.Run{
		ID:         runID,
		Version:    plan.Version,
		Trigger:    plan.Decision.Trigger,
		Outcome:    result.Outcome,
		DryRun:     dryRun,
		Remote:     plan.Remote,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if err := journal.NewRepository(db).RecordRun(ctx, run, result.Steps); err != nil {
		Log().Warn("failed to record release journal entry", zap.Error(err))
	}
}

// printNoop reports a not-a-release decision.
func printNoop(plan *model.ReleasePlan) {
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(map[string]interface{}{
			"outcome":  model.OutcomeNoop.String(),
			"decision": plan.Decision,
		}, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("No release: %s\n", plan.Decision.Reason)
}

// printResult outputs the executed steps and the overall outcome.
func printResult(plan *model.ReleasePlan, result *publisher.Result) {
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(map[string]interface{}{
			"outcome": result.Outcome.String(),
			"version": plan.Version,
			"steps":   result.Steps,
		}, "", "  ")
		fmt.Println(string(data))
		return
	}

	for _, step := range result.Steps {
		fmt.Println(step.String())
	}
	fmt.Printf("\nRelease %s: %s\n", plan.Version, result.Outcome)
}

// userAgent identifies this binary to the registry API. crates.io
// rejects requests without one.
func userAgent() string {
	return fmt.Sprintf("stevedore/%s", Version)
}

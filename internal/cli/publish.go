// Package cli — publish.go implements the "stevedore publish" command.
//
// publish runs only the publish phase of the pipeline: every publishable
// crate in dependency order, with the registry pre-check and visibility
// wait, but no hooks, tags, or pushes. It exists for recovering from a
// run that failed between publishing and tagging, and for registries
// where tagging is handled by another system.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/journal"
	"github.com/mmr-tortoise/stevedore/internal/publisher"
)

// publishFlags holds the flag values for the publish command.
type publishFlags struct {
	// awaitTimeout bounds the post-publish registry visibility wait.
	awaitTimeout time.Duration
}

// NewPublishCommand creates the "publish" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewPublishCommand() *cobra.Command {
	flags := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish workspace crates without tagging",
		Long: `Publish every workspace crate in dependency order, skipping versions
already on the registry. Tags are not created or pushed; use
"stevedore tag" or "stevedore run" for that.

Examples:
  stevedore publish
  stevedore publish --dry-run`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), flags)
		},
	}

	cmd.Flags().DurationVar(&flags.awaitTimeout, "await-timeout", publisher.DefaultAwaitTimeout,
		"How long to wait for a published version to become visible on the registry")

	return cmd
}

// runPublish is the main logic function for the publish command.
func runPublish(ctx context.Context, flags *publishFlags) error {
	started := time.Now().UTC()
	runID := journal.NewRunID()

	plan, cfg, workdir, err := buildManualPlan(ctx)
	if err != nil {
		return err
	}

	if err := ensureCleanTree(workdir); err != nil {
		return err
	}

	pipeline, cleanup, err := newPipeline(ctx, runID, plan, cfg, workdir, flags.awaitTimeout, true)
	if err != nil {
		return err
	}
	defer cleanup()

	result := pipeline.PublishOnly(ctx, plan)
	recordJournal(ctx, runID, plan, result, started)
	printResult(plan, result)
	return result.Err
}

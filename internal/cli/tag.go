// Package cli — tag.go implements the "stevedore tag" command.
//
// tag runs only the tag and push phases: create the release tags for the
// current workspace version and push them to the remote. It recovers a
// run that published everything and then died before tagging, without
// touching the registry again.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/journal"
)

// NewTagCommand creates the "tag" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewTagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Create and push release tags without publishing",
		Long: `Create the release tags for the current workspace version and push
them to the configured remote. Tags already present at HEAD are pushed
again rather than recreated, so the command is safe to re-run.

Examples:
  stevedore tag
  stevedore tag --dry-run`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runTag(cmd.Context())
		},
	}

	return cmd
}

// runTag is the main logic function for the tag command.
func runTag(ctx context.Context) error {
	started := time.Now().UTC()
	runID := journal.NewRunID()

	// Running the command is the release decision; no event is consulted.
	plan, cfg, workdir, err := buildManualPlan(ctx)
	if err != nil {
		return err
	}

	if err := ensureRemote(workdir, plan.Remote); err != nil {
		return err
	}

	// Tagging never talks to the registry, so no token is required.
	pipeline, cleanup, err := newPipeline(ctx, runID, plan, cfg, workdir, 0, false)
	if err != nil {
		return err
	}
	defer cleanup()

	result := pipeline.TagOnly(ctx, plan)
	recordJournal(ctx, runID, plan, result, started)
	printResult(plan, result)
	return result.Err
}

// Package cli — history.go implements the "stevedore history" command.
//
// history lists recorded release runs from the local journal, newest
// first, and can expand a single run into its step-by-step record.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/journal"
	"github.com/mmr-tortoise/stevedore/internal/model"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	// limit caps the number of runs listed.
	limit int

	// runID, when set, shows the steps of one run instead of the list.
	runID string
}

// NewHistoryCommand creates the "history" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded release runs",
		Long: `List release runs recorded in the local journal, newest first.
With --run, show the step-by-step record of a single run instead.

Examples:
  stevedore history
  stevedore history --limit 50
  stevedore history --run 7c2f9f3e-0d9f-4a2a-9f61-2b1df5a1c001`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.limit, "limit", 10, "Maximum number of runs to list (0 for all)")
	cmd.Flags().StringVar(&flags.runID, "run", "", "Show the steps of a single run by ID")

	return cmd
}

// runHistory is the main logic function for the history command.
func runHistory(ctx context.Context, flags *historyFlags) error {
	db, err := journal.InitDB()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open release journal", err)
	}
	defer func() { _ = db.Close() }()
	repo := journal.NewRepository(db)

	if flags.runID != "" {
		steps, err := repo.StepsForRun(ctx, flags.runID)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read run steps", err)
		}
		printSteps(flags.runID, steps)
		return nil
	}

	runs, err := repo.ListRuns(ctx, flags.limit)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to list release runs", err)
	}
	printRuns(runs)
	return nil
}

// printRuns outputs the run list in text or JSON format, depending on
// the global --json flag.
func printRuns(runs []journal.Run) {
	if IsJSONOutput() {
		// Empty slice instead of nil so JSON output shows [] rather than
		// null when the journal is empty.
		if runs == nil {
			runs = []journal.Run{}
		}
		data, _ := json.MarshalIndent(map[string]interface{}{"runs": runs}, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(runs) == 0 {
		fmt.Println("No release runs recorded.")
		return
	}

	fmt.Printf("%-36s %-12s %-13s %-8s %-7s %s\n",
		"ID", "VERSION", "TRIGGER", "OUTCOME", "DRY-RUN", "STARTED")
	for _, run := range runs {
		fmt.Printf("%-36s %-12s %-13s %-8s %-7v %s\n",
			run.ID,
			run.Version,
			run.Trigger,
			run.Outcome,
			run.DryRun,
			run.StartedAt.Local().Format(time.RFC3339),
		)
	}
}

// printSteps outputs one run's steps in text or JSON format.
func printSteps(runID string, steps []model.StepResult) {
	if IsJSONOutput() {
		if steps == nil {
			steps = []model.StepResult{}
		}
		data, _ := json.MarshalIndent(map[string]interface{}{
			"runId": runID,
			"steps": steps,
		}, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(steps) == 0 {
		fmt.Printf("No steps recorded for run %s.\n", runID)
		return
	}
	for _, step := range steps {
		fmt.Println(step.String())
	}
}

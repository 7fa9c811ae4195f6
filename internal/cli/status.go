// Package cli — status.go implements the "stevedore status" command.
//
// status answers "where does this workspace stand, release-wise": the
// current workspace version, whether the working tree is clean, whether
// the release tag for that version exists locally, which crates are
// already on the registry, and what the last recorded run did.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/stevedore/internal/cargo"
	"github.com/mmr-tortoise/stevedore/internal/gitx"
	"github.com/mmr-tortoise/stevedore/internal/journal"
	"github.com/mmr-tortoise/stevedore/internal/model"
	"github.com/mmr-tortoise/stevedore/internal/registry"
)

// statusResult is the assembled status, shared by the text and JSON
// output paths.
type statusResult struct {
	Version   string        `json:"version"`
	Branch    string        `json:"branch"`
	Head      string        `json:"head"`
	Clean     bool          `json:"clean"`
	Tag       string        `json:"tag"`
	TagExists bool          `json:"tagExists"`
	Crates    []crateStatus `json:"crates"`
	LastRun   *journal.Run  `json:"lastRun,omitempty"`
}

// crateStatus is the registry state of one publishable crate. Published
// is "yes", "no", or "unknown" when the registry could not be reached.
type crateStatus struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Published string `json:"published"`
}

// NewStatusCommand creates the "status" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the release status of the current workspace",
		Long: `Show the current workspace version and how far it has been released:
whether the release tag exists, which crates are on the registry, and
the last recorded release run.

Examples:
  stevedore status
  stevedore status --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}

	return cmd
}

// runStatus is the main logic function for the status command.
func runStatus(ctx context.Context) error {
	workdir, err := resolveWorkdir()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(workdir)
	if err != nil {
		return err
	}

	ws, err := cargo.Load(ctx, cargo.ExecRunner{}, workdir)
	if err != nil {
		return err
	}
	exempt := map[string]bool{}
	for _, entry := range cfg.Packages {
		if entry.Optional {
			exempt[entry.Name] = true
		}
	}
	version, err := ws.Version(exempt)
	if err != nil {
		return err
	}

	git := gitx.NewManager()
	head, err := git.Head(workdir)
	if err != nil {
		return model.WrapCLIError(model.ExitGitError, "failed to resolve HEAD", err)
	}
	branch, err := git.CurrentBranch(workdir)
	if err != nil {
		return model.WrapCLIError(model.ExitGitError, "failed to resolve current branch", err)
	}
	clean, err := git.IsClean(workdir)
	if err != nil {
		return model.WrapCLIError(model.ExitGitError, "failed to check working tree state", err)
	}

	result := statusResult{
		Version: version,
		Branch:  branch,
		Head:    head,
		Clean:   clean,
		Tag:     model.RenderTag(cfg.Tag.Template, version),
		Crates:  []crateStatus{},
	}
	result.TagExists = git.TagExists(workdir, result.Tag)

	client := registry.NewClient(cfg.Registry.API, userAgent())
	for _, pkg := range ws.Publishable() {
		crate := crateStatus{Name: pkg.Name, Version: pkg.Version}
		published, err := client.IsPublished(ctx, pkg.Name, pkg.Version)
		switch {
		case err != nil:
			// Registry unavailability degrades status to "unknown" rather
			// than failing a read-only command.
			Log().Warn("registry check failed",
				zap.String("crate", pkg.Name), zap.Error(err))
			crate.Published = "unknown"
		case published:
			crate.Published = "yes"
		default:
			crate.Published = "no"
		}
		result.Crates = append(result.Crates, crate)
	}

	if db, err := journal.InitDB(); err == nil {
		defer func() { _ = db.Close() }()
		if last, err := journal.NewRepository(db).LatestRun(ctx); err == nil {
			result.LastRun = last
		}
	}

	printStatus(result)
	return nil
}

// printStatus outputs the status in text or JSON format, depending on
// the global --json flag.
func printStatus(result statusResult) {
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Workspace version: %s\n", result.Version)
	fmt.Printf("Branch:            %s (%s)\n", result.Branch, shortCommit(result.Head))
	fmt.Printf("Working tree:      %s\n", cleanWord(result.Clean))
	fmt.Printf("Release tag:       %s (%s)\n", result.Tag, existsWord(result.TagExists))

	fmt.Println("On registry:")
	for _, crate := range result.Crates {
		fmt.Printf("  %-30s %s  %s\n", crate.Name, crate.Version, crate.Published)
	}

	if result.LastRun != nil {
		run := result.LastRun
		fmt.Printf("Last run:          %s %s (%s, %s)\n",
			run.Version, run.Outcome, run.Trigger,
			run.StartedAt.Local().Format(time.RFC3339))
	} else {
		fmt.Println("Last run:          none recorded")
	}
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func cleanWord(clean bool) string {
	if clean {
		return "clean"
	}
	return "dirty"
}

func existsWord(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

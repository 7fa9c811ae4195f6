// Package cli — plan.go implements the "stevedore plan" command and the
// plan assembly shared by run, publish, and tag.
//
// The plan command evaluates the trigger condition, reads workspace
// metadata, and prints the fully resolved release plan without executing
// anything. What plan prints is exactly what run would do.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/stevedore/internal/cargo"
	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/event"
	"github.com/mmr-tortoise/stevedore/internal/gitx"
	"github.com/mmr-tortoise/stevedore/internal/model"
)

// planFlags holds the flag values for the plan command.
// These are bound to cobra flags in NewPlanCommand.
type planFlags struct {
	// eventPath is the CI event payload to evaluate. Empty falls back to
	// GITHUB_EVENT_PATH, and with neither set the invocation counts as a
	// manual dispatch.
	eventPath string
}

// NewPlanCommand creates the "plan" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewPlanCommand() *cobra.Command {
	flags := &planFlags{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the release plan without executing it",
		Long: `Evaluate the trigger condition and print the resolved release plan:
the workspace version, the publish order, and the tags that would be
created and pushed.

Examples:
  stevedore plan
  stevedore plan --event "$GITHUB_EVENT_PATH"
  stevedore plan --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			plan, _, _, err := buildPlan(cmd.Context(), flags.eventPath)
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.eventPath, "event", "", "Path to the CI event payload (default: $GITHUB_EVENT_PATH)")

	return cmd
}

// buildPlan assembles the release plan for the current workspace: trigger
// decision, workspace version, publish order, and tag list. It is the
// plan source for plan and run, so both commands agree on what a release
// means.
func buildPlan(ctx context.Context, eventPath string) (*model.ReleasePlan, *config.Config, string, error) {
	workdir, err := resolveWorkdir()
	if err != nil {
		return nil, nil, "", err
	}

	cfg, err := loadConfig(workdir)
	if err != nil {
		return nil, nil, "", err
	}

	decision, err := decide(eventPath, cfg)
	if err != nil {
		return nil, nil, "", err
	}

	return assemblePlan(ctx, cfg, workdir, decision)
}

// buildManualPlan assembles the plan without trigger evaluation, for
// the publish and tag commands: both are explicit human (or recovery)
// actions, so the invocation itself is the trigger.
func buildManualPlan(ctx context.Context) (*model.ReleasePlan, *config.Config, string, error) {
	workdir, err := resolveWorkdir()
	if err != nil {
		return nil, nil, "", err
	}

	cfg, err := loadConfig(workdir)
	if err != nil {
		return nil, nil, "", err
	}

	decision := model.Decision{
		Proceed: true,
		Trigger: model.TriggerManual,
		Reason:  "manual invocation",
	}
	return assemblePlan(ctx, cfg, workdir, decision)
}

// assemblePlan resolves the workspace metadata half of the plan: the
// version, the dependency-ordered publish list, and the tag list.
func assemblePlan(ctx context.Context, cfg *config.Config, workdir string, decision model.Decision) (*model.ReleasePlan, *config.Config, string, error) {
	plan := &model.ReleasePlan{Decision: decision, Remote: cfg.Tag.Remote}
	if !decision.Proceed {
		return plan, cfg, workdir, nil
	}

	ws, err := cargo.Load(ctx, cargo.ExecRunner{}, workdir)
	if err != nil {
		return nil, nil, "", err
	}

	// Optional packages are exempt from the single-version check: a
	// member that does not change every release may lag the workspace.
	exempt := map[string]bool{}
	for _, entry := range cfg.Packages {
		if entry.Optional {
			exempt[entry.Name] = true
		}
	}

	version, err := ws.Version(exempt)
	if err != nil {
		return nil, nil, "", err
	}
	plan.Version = version

	order, err := ws.PublishOrder()
	if err != nil {
		return nil, nil, "", err
	}

	for _, pkg := range order {
		p := model.Package{Name: pkg.Name, Version: pkg.Version}
		if entry := cfg.PackageEntryFor(pkg.Name); entry != nil {
			p.Optional = entry.Optional
		}
		plan.Packages = append(plan.Packages, p)
	}

	// The workspace tag comes first, then per-package tags for members
	// with their own template, in publish order.
	plan.Tags = append(plan.Tags, model.TagSpec{
		Name: model.RenderTag(cfg.Tag.Template, version),
	})
	for _, p := range plan.Packages {
		entry := cfg.PackageEntryFor(p.Name)
		if entry == nil || entry.TagTemplate == "" {
			continue
		}
		plan.Tags = append(plan.Tags, model.TagSpec{
			Name:     model.RenderTag(entry.TagTemplate, p.Version),
			Package:  p.Name,
			Optional: p.Optional,
		})
	}

	Log().Debug("assembled release plan",
		zap.String("version", plan.Version),
		zap.Int("packages", len(plan.Packages)),
		zap.Int("tags", len(plan.Tags)))

	return plan, cfg, workdir, nil
}

// resolveWorkdir anchors the invocation at the repository root, so the
// commands behave the same from any subdirectory of the checkout.
// Outside a git repository the current directory is used as-is.
func resolveWorkdir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", model.WrapCLIError(model.ExitGeneralError, "failed to resolve working directory", err)
	}
	if root, err := gitx.NewManager().RepoRoot(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}

// loadConfig loads the release config honoring the global --config flag.
func loadConfig(workdir string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadOrDefault(workdir)
}

// decide produces the trigger decision for this invocation. An explicit
// --event wins; GITHUB_EVENT_PATH covers the CI case; with neither, the
// invocation is treated as a manual dispatch, because a human running
// the tool by hand IS the manual trigger.
func decide(eventPath string, cfg *config.Config) (model.Decision, error) {
	if eventPath == "" {
		eventPath = os.Getenv("GITHUB_EVENT_PATH")
	}
	if eventPath == "" {
		return model.Decision{
			Proceed: true,
			Trigger: model.TriggerManual,
			Reason:  "no event payload, treating invocation as manual dispatch",
		}, nil
	}

	ev, err := event.Load(eventPath)
	if err != nil {
		return model.Decision{}, err
	}
	return event.Evaluate(ev, cfg.Trigger.Label, cfg.Trigger.Branches), nil
}

// printPlan outputs the plan in text or JSON format, depending on the
// global --json flag.
func printPlan(plan *model.ReleasePlan) {
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(plan, "", "  ")
		fmt.Println(string(data))
		return
	}

	if !plan.Decision.Proceed {
		fmt.Printf("No release: %s\n", plan.Decision.Reason)
		return
	}

	fmt.Printf("Release %s (%s: %s)\n", plan.Version, plan.Decision.Trigger, plan.Decision.Reason)

	fmt.Println("\nPublish order:")
	for i, p := range plan.Packages {
		marker := ""
		if p.Optional {
			marker = " (optional)"
		}
		fmt.Printf("  %d. %s@%s%s\n", i+1, p.Name, p.Version, marker)
	}

	fmt.Printf("\nTags (pushed to %s):\n", plan.Remote)
	for _, tag := range plan.Tags {
		owner := "workspace"
		if tag.Package != "" {
			owner = tag.Package
		}
		fmt.Printf("  %s (%s)\n", tag.Name, owner)
	}
}

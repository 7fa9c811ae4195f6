// Package publisher executes a release plan: hooks, per-crate publish,
// tag creation, and tag push, in that order.
//
// The pipeline is deliberately sequential. Crates must publish in
// dependency order because each one has to be resolvable before its
// dependents upload, and tags only exist if every required publish
// succeeded — a tagged-but-unpublished release is worse than a failed
// run.
package publisher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Registry is the subset of the registry client the pipeline uses.
type Registry interface {
	IsPublished(ctx context.Context, name, version string) (bool, error)
	AwaitPublished(ctx context.Context, name, version string, timeout, interval time.Duration) error
}

// Git is the subset of gitx.Manager the pipeline uses.
type Git interface {
	Head(repoPath string) (string, error)
	TagExists(repoPath, tag string) bool
	TagTarget(repoPath, tag string) (string, error)
	CreateTag(repoPath, tag, message string, sign bool) error
	DeleteTag(repoPath, tag string) error
	PushTags(repoPath, remote string, tags []string) error
}

// Defaults for the post-publish visibility wait. crates.io index
// propagation is usually under a minute; five is the give-up point.
const (
	DefaultAwaitTimeout  = 5 * time.Minute
	DefaultAwaitInterval = 5 * time.Second
)

// Pipeline executes release plans. All collaborators are interfaces so
// tests can run the full pipeline with fakes.
type Pipeline struct {
	// Workdir is the workspace root all commands run in.
	Workdir string

	// Config is the validated release configuration.
	Config *config.Config

	// Creds holds the resolved registry token. May be nil in dry-run
	// mode, where nothing needs it.
	Creds *config.Credentials

	Runner   Runner
	Registry Registry
	Git      Git
	Log      *zap.Logger

	// DryRun replaces every mutating step with a log line.
	DryRun bool

	// AwaitTimeout/AwaitInterval configure the post-publish visibility
	// wait; zero values fall back to the package defaults.
	AwaitTimeout  time.Duration
	AwaitInterval time.Duration
}

// Result is the outcome of executing a plan.
type Result struct {
	Steps   []model.StepResult
	Outcome model.RunOutcome

	// Err is the fatal error that stopped the pipeline, nil unless
	// Outcome is OutcomeFailed.
	Err error
}

// Execute runs the full pipeline for a plan: pre-publish hook, publish
// phase, tag phase, push, post-release hook. It always returns the steps
// recorded so far, including aborted markers for steps that never ran.
func (p *Pipeline) Execute(ctx context.Context, plan *model.ReleasePlan) *Result {
	r := &Result{Outcome: model.OutcomeSuccess}

	if plan.IsNoop() {
		r.Outcome = model.OutcomeNoop
		return r
	}

	// Pre-publish hook: a failure here aborts before anything mutated.
	if p.Config.Hooks.PrePublish != "" {
		step := p.runHook(ctx, model.StepHookPre, p.Config.Hooks.PrePublish)
		r.record(step)
		if step.Status == model.StepFailed {
			p.abortRemaining(r, plan, 0, -1)
			r.Outcome = model.OutcomeFailed
			r.Err = model.NewCLIError(model.ExitPublishError, "pre-publish hook failed")
			return r
		}
	}

	// Publish phase.
	for i, pkg := range plan.Packages {
		step := p.publishOne(ctx, pkg)
		r.record(step)

		if step.Status == model.StepFailed {
			if pkg.Optional {
				p.Log.Warn("optional package failed to publish, continuing",
					zap.String("package", pkg.Name), zap.String("detail", step.Detail))
				r.degrade()
				continue
			}
			p.abortRemaining(r, plan, i+1, -1)
			r.Outcome = model.OutcomeFailed
			r.Err = model.WrapCLIError(model.ExitPublishError,
				fmt.Sprintf("publish failed for required package %s", pkg.Name), nil)
			return r
		}
	}

	// Tag phase. Tags are only attempted once every required publish
	// succeeded, so a re-run after a tag failure can skip straight past
	// the already-published crates.
	toPush, fresh := p.tagPhase(ctx, plan, r)
	if r.Outcome == model.OutcomeFailed {
		return r
	}

	// Push phase: one push for all created tags.
	step := p.pushTags(ctx, plan, toPush)
	r.record(step)
	if step.Status == model.StepFailed {
		p.rollbackTags(fresh)
		r.Outcome = model.OutcomeFailed
		r.Err = model.WrapCLIError(model.ExitGitError, "failed to push release tags", nil)
		return r
	}

	// Post-release hook: by now the release has happened; a hook
	// failure is recorded but cannot fail the run.
	if p.Config.Hooks.PostRelease != "" {
		step := p.runHook(ctx, model.StepHookPost, p.Config.Hooks.PostRelease)
		r.record(step)
		if step.Status == model.StepFailed {
			p.Log.Warn("post-release hook failed", zap.String("detail", step.Detail))
			r.degrade()
		}
	}

	return r
}

// PublishOnly runs just the publish phase, for the `publish` command.
func (p *Pipeline) PublishOnly(ctx context.Context, plan *model.ReleasePlan) *Result {
	r := &Result{Outcome: model.OutcomeSuccess}
	for i, pkg := range plan.Packages {
		step := p.publishOne(ctx, pkg)
		r.record(step)
		if step.Status == model.StepFailed && !pkg.Optional {
			p.abortRemaining(r, plan, i+1, -1)
			r.Outcome = model.OutcomeFailed
			r.Err = model.WrapCLIError(model.ExitPublishError,
				fmt.Sprintf("publish failed for required package %s", pkg.Name), nil)
			return r
		}
		if step.Status == model.StepFailed {
			r.degrade()
		}
	}
	return r
}

// TagOnly runs the tag and push phases, for the `tag` command.
func (p *Pipeline) TagOnly(ctx context.Context, plan *model.ReleasePlan) *Result {
	r := &Result{Outcome: model.OutcomeSuccess}

	toPush, fresh := p.tagPhase(ctx, plan, r)
	if r.Outcome == model.OutcomeFailed {
		return r
	}

	step := p.pushTags(ctx, plan, toPush)
	r.record(step)
	if step.Status == model.StepFailed {
		p.rollbackTags(fresh)
		r.Outcome = model.OutcomeFailed
		r.Err = model.WrapCLIError(model.ExitGitError, "failed to push release tags", nil)
	}
	return r
}

// publishOne handles a single package: registry pre-check, cargo
// publish, and the visibility wait.
func (p *Pipeline) publishOne(ctx context.Context, pkg model.Package) model.StepResult {
	step := p.startStep(model.StepPublish, pkg.Name)

	// Pre-check: skip versions already on the registry. This is what
	// makes a re-run after a partial failure converge instead of dying
	// on cargo's "crate version already exists" error.
	published, err := p.Registry.IsPublished(ctx, pkg.Name, pkg.Version)
	if err != nil {
		return p.finishStep(step, model.StepFailed, fmt.Sprintf("registry check failed: %v", err))
	}
	if published {
		return p.finishStep(step, model.StepSkipped,
			fmt.Sprintf("%s@%s already published", pkg.Name, pkg.Version))
	}

	if p.DryRun {
		p.Log.Info("dry-run: would publish", zap.String("package", pkg.Name), zap.String("version", pkg.Version))
		return p.finishStep(step, model.StepDryRun, "")
	}

	args := []string{"publish", "-p", pkg.Name, "--locked"}
	if p.Config.Registry.Name != config.DefaultRegistryName {
		args = append(args, "--registry", p.Config.Registry.Name)
	}

	p.Log.Info("publishing", zap.String("package", pkg.Name), zap.String("version", pkg.Version))
	output, err := p.Runner.Execute(ctx, "cargo", args, p.Workdir,
		[]string{p.Creds.TokenEnv + "=" + p.Creds.Token})
	if err != nil {
		return p.finishStep(step, model.StepFailed, tail(output, 10))
	}

	// Wait until the registry can serve the version, so the next crate
	// in the order can resolve this one.
	timeout, interval := p.AwaitTimeout, p.AwaitInterval
	if timeout == 0 {
		timeout = DefaultAwaitTimeout
	}
	if interval == 0 {
		interval = DefaultAwaitInterval
	}
	if err := p.Registry.AwaitPublished(ctx, pkg.Name, pkg.Version, timeout, interval); err != nil {
		return p.finishStep(step, model.StepFailed, err.Error())
	}

	return p.finishStep(step, model.StepOK, "")
}

// tagPhase creates every tag in the plan. toPush is everything the push
// phase should send: freshly created tags plus already-existing-at-HEAD
// ones, which may not have been pushed by the earlier run that created
// them. fresh is the subset this run created, so a failed push can be
// rolled back without touching pre-existing tags.
func (p *Pipeline) tagPhase(ctx context.Context, plan *model.ReleasePlan, r *Result) (toPush, fresh []string) {
	head, err := p.Git.Head(p.Workdir)
	if err != nil {
		step := p.startStep(model.StepTag, "")
		r.record(p.finishStep(step, model.StepFailed, err.Error()))
		p.abortRemaining(r, plan, len(plan.Packages), 0)
		r.Outcome = model.OutcomeFailed
		r.Err = model.WrapCLIError(model.ExitGitError, "failed to resolve HEAD", err)
		return nil, nil
	}

	for i, tag := range plan.Tags {
		step := p.startStep(model.StepTag, tag.Package)

		if p.Git.TagExists(p.Workdir, tag.Name) {
			target, err := p.Git.TagTarget(p.Workdir, tag.Name)
			if err == nil && target == head {
				// Idempotent re-run: the tag from the previous attempt
				// is still correct, just make sure it gets pushed.
				r.record(p.finishStep(step, model.StepSkipped, "tag already exists at HEAD"))
				toPush = append(toPush, tag.Name)
				continue
			}
			// Same tag on a different commit: someone released this
			// version from other code. Never overwrite.
			detail := fmt.Sprintf("tag %s already exists on a different commit", tag.Name)
			r.record(p.finishStep(step, model.StepFailed, detail))
			if tag.Optional {
				p.Log.Warn("optional tag conflict, continuing", zap.String("tag", tag.Name))
				r.degrade()
				continue
			}
			p.abortRemaining(r, plan, len(plan.Packages), i+1)
			r.Outcome = model.OutcomeFailed
			r.Err = model.NewCLIError(model.ExitGitError, detail)
			return nil, fresh
		}

		if p.DryRun {
			p.Log.Info("dry-run: would tag", zap.String("tag", tag.Name))
			r.record(p.finishStep(step, model.StepDryRun, ""))
			continue
		}

		message := fmt.Sprintf("Release %s", plan.Version)
		if err := p.Git.CreateTag(p.Workdir, tag.Name, message, p.Config.Tag.Sign); err != nil {
			r.record(p.finishStep(step, model.StepFailed, err.Error()))
			if tag.Optional {
				p.Log.Warn("optional tag failed, continuing",
					zap.String("tag", tag.Name), zap.Error(err))
				r.degrade()
				continue
			}
			p.abortRemaining(r, plan, len(plan.Packages), i+1)
			r.Outcome = model.OutcomeFailed
			r.Err = model.WrapCLIError(model.ExitGitError,
				fmt.Sprintf("failed to create tag %s", tag.Name), err)
			return nil, fresh
		}

		r.record(p.finishStep(step, model.StepOK, ""))
		toPush = append(toPush, tag.Name)
		fresh = append(fresh, tag.Name)
	}

	return toPush, fresh
}

// rollbackTags deletes the tags this run created when their push
// failed, so the local tree matches the remote again and the next
// attempt recreates them at whatever HEAD it runs from. Tags that
// predate the run are left alone.
func (p *Pipeline) rollbackTags(fresh []string) {
	for _, tag := range fresh {
		if err := p.Git.DeleteTag(p.Workdir, tag); err != nil {
			p.Log.Warn("failed to roll back unpushed tag",
				zap.String("tag", tag), zap.Error(err))
		}
	}
}

// pushTags pushes the created tags in a single invocation.
func (p *Pipeline) pushTags(ctx context.Context, plan *model.ReleasePlan, tags []string) model.StepResult {
	step := p.startStep(model.StepPush, "")

	if p.DryRun {
		p.Log.Info("dry-run: would push tags",
			zap.Strings("tags", tags), zap.String("remote", plan.Remote))
		return p.finishStep(step, model.StepDryRun, "")
	}
	if len(tags) == 0 {
		return p.finishStep(step, model.StepSkipped, "no tags to push")
	}

	if err := p.Git.PushTags(p.Workdir, plan.Remote, tags); err != nil {
		return p.finishStep(step, model.StepFailed, err.Error())
	}

	return p.finishStep(step, model.StepOK, "")
}

// runHook executes a configured hook command.
func (p *Pipeline) runHook(ctx context.Context, kind model.StepKind, command string) model.StepResult {
	step := p.startStep(kind, "")

	name, args, err := splitHook(command)
	if err != nil {
		return p.finishStep(step, model.StepFailed, err.Error())
	}

	if p.DryRun {
		p.Log.Info("dry-run: would run hook", zap.String("command", command))
		return p.finishStep(step, model.StepDryRun, "")
	}

	output, err := p.Runner.Execute(ctx, name, args, p.Workdir, nil)
	if err != nil {
		return p.finishStep(step, model.StepFailed, tail(output, 10))
	}
	return p.finishStep(step, model.StepOK, "")
}

// abortRemaining records aborted markers for plan steps that will never
// run because of an earlier fatal failure. fromPkg indexes into
// plan.Packages; fromTag < 0 means "all tags and the push".
func (p *Pipeline) abortRemaining(r *Result, plan *model.ReleasePlan, fromPkg, fromTag int) {
	for _, pkg := range plan.Packages[fromPkg:] {
		step := p.startStep(model.StepPublish, pkg.Name)
		r.record(p.finishStep(step, model.StepAborted, ""))
	}
	start := fromTag
	if start < 0 {
		start = 0
	}
	for _, tag := range plan.Tags[start:] {
		step := p.startStep(model.StepTag, tag.Package)
		r.record(p.finishStep(step, model.StepAborted, ""))
	}
	step := p.startStep(model.StepPush, "")
	r.record(p.finishStep(step, model.StepAborted, ""))
}

func (p *Pipeline) startStep(kind model.StepKind, pkg string) model.StepResult {
	return model.StepResult{Kind: kind, Package: pkg, StartedAt: time.Now().UTC()}
}

func (p *Pipeline) finishStep(step model.StepResult, status model.StepStatus, detail string) model.StepResult {
	step.Status = status
	step.Detail = detail
	step.FinishedAt = time.Now().UTC()
	return step
}

// record appends a step, assigning its sequence number.
func (r *Result) record(step model.StepResult) {
	step.Seq = len(r.Steps) + 1
	r.Steps = append(r.Steps, step)
}

// degrade lowers a success outcome to partial; failed stays failed.
func (r *Result) degrade() {
	if r.Outcome == model.OutcomeSuccess {
		r.Outcome = model.OutcomePartial
	}
}

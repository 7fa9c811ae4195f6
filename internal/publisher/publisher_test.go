package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/model"
)

// call records one Runner.Execute invocation.
type call struct {
	name string
	args []string
	dir  string
	env  []string
}

// fakeRunner records invocations and fails commands listed in failOn.
type fakeRunner struct {
	calls  []call
	failOn map[string]bool // keyed on "name arg0 arg1 ..."
}

func (f *fakeRunner) Execute(_ context.Context, name string, args []string, dir string, env []string) (string, error) {
	f.calls = append(f.calls, call{name: name, args: args, dir: dir, env: env})
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if f.failOn[key] {
		return "error: something broke\ndetail line", fmt.Errorf("exit status 101")
	}
	return "ok", nil
}

// fakeRegistry serves a fixed published set; AwaitPublished succeeds
// immediately unless the package is listed in neverVisible.
type fakeRegistry struct {
	published    map[string]bool // "name@version"
	neverVisible map[string]bool
	checkErr     error
}

func (f *fakeRegistry) IsPublished(_ context.Context, name, version string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.published[name+"@"+version], nil
}

func (f *fakeRegistry) AwaitPublished(_ context.Context, name, version string, _, _ time.Duration) error {
	if f.neverVisible[name] {
		return model.NewCLIError(model.ExitRegistryError, name+" never became visible")
	}
	return nil
}

// fakeGit tracks tags in memory against a fixed HEAD.
type fakeGit struct {
	head      string
	tags      map[string]string // tag -> commit
	createErr map[string]bool
	pushErr   bool
	pushed    []string
	deleted   []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{head: "abc123", tags: map[string]string{}, createErr: map[string]bool{}}
}

func (f *fakeGit) Head(string) (string, error) { return f.head, nil }

func (f *fakeGit) TagExists(_, tag string) bool { _, ok := f.tags[tag]; return ok }

func (f *fakeGit) TagTarget(_, tag string) (string, error) {
	sha, ok := f.tags[tag]
	if !ok {
		return "", fmt.Errorf("no such tag %s", tag)
	}
	return sha, nil
}

func (f *fakeGit) CreateTag(_, tag, _ string, _ bool) error {
	if f.createErr[tag] {
		return fmt.Errorf("gpg failed to sign the data")
	}
	f.tags[tag] = f.head
	return nil
}

func (f *fakeGit) DeleteTag(_, tag string) error {
	if _, ok := f.tags[tag]; !ok {
		return fmt.Errorf("no such tag %s", tag)
	}
	delete(f.tags, tag)
	f.deleted = append(f.deleted, tag)
	return nil
}

func (f *fakeGit) PushTags(_, _ string, tags []string) error {
	if f.pushErr {
		return fmt.Errorf("remote rejected")
	}
	f.pushed = append(f.pushed, tags...)
	return nil
}

// testPlan is a two-package plan: probe-rs (required) then
// probe-rs-tools (optional), with a workspace tag and an optional
// per-package tag — the same shape as the original release workflow.
func testPlan() *model.ReleasePlan {
	return &model.ReleasePlan{
		Decision: model.Decision{Proceed: true, Trigger: model.TriggerPullRequest, Reason: "release PR merged"},
		Version:  "0.25.0",
		Packages: []model.Package{
			{Name: "probe-rs", Version: "0.25.0"},
			{Name: "probe-rs-tools", Version: "0.25.0", Optional: true},
		},
		Tags: []model.TagSpec{
			{Name: "v0.25.0"},
			{Name: "tools-v0.25.0", Package: "probe-rs-tools", Optional: true},
		},
		Remote: "origin",
	}
}

// newPipeline wires a pipeline over the fakes with a standard config.
func newPipeline(runner *fakeRunner, reg *fakeRegistry, git *fakeGit) *Pipeline {
	cfg := config.Default()
	return &Pipeline{
		Workdir:       "/repo",
		Config:        cfg,
		Creds:         &config.Credentials{Token: "secret", TokenEnv: "CARGO_REGISTRY_TOKEN"},
		Runner:        runner,
		Registry:      reg,
		Git:           git,
		Log:           zap.NewNop(),
		AwaitTimeout:  time.Second,
		AwaitInterval: time.Millisecond,
	}
}

// statuses flattens step results to "kind/package=status" strings for
// compact assertions.
func statuses(steps []model.StepResult) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		target := s.Package
		if target == "" {
			target = "-"
		}
		out[i] = fmt.Sprintf("%s/%s=%s", s.Kind, target, s.Status)
	}
	return out
}

// TestExecute_HappyPath verifies the full step sequence, the cargo
// invocation shape, and that the token travels via the environment.
func TestExecute_HappyPath(t *testing.T) {
	runner := &fakeRunner{}
	git := newFakeGit()
	p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, git)

	result := p.Execute(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, model.OutcomeSuccess, result.Outcome)
	assert.Equal(t, []string{
		"publish/probe-rs=ok",
		"publish/probe-rs-tools=ok",
		"tag/-=ok",
		"tag/probe-rs-tools=ok",
		"push/-=ok",
	}, statuses(result.Steps))

	// cargo publish runs once per package, in plan order, with the
	// token in the environment and never on the command line.
	require.Len(t, runner.calls, 2)
	first := runner.calls[0]
	assert.Equal(t, "cargo", first.name)
	assert.Equal(t, []string{"publish", "-p", "probe-rs", "--locked"}, first.args)
	assert.Equal(t, "/repo", first.dir)
	assert.Equal(t, []string{"CARGO_REGISTRY_TOKEN=secret"}, first.env)
	assert.NotContains(t, strings.Join(first.args, " "), "secret")

	// Both tags were created at HEAD and pushed together.
	assert.Equal(t, []string{"v0.25.0", "tools-v0.25.0"}, git.pushed)

	// Step sequence numbers are contiguous from 1.
	for i, s := range result.Steps {
		assert.Equal(t, i+1, s.Seq)
	}
}

// TestExecute_AlreadyPublished verifies the pre-check skip that makes
// interrupted runs resumable.
func TestExecute_AlreadyPublished(t *testing.T) {
	runner := &fakeRunner{}
	reg := &fakeRegistry{published: map[string]bool{"probe-rs@0.25.0": true}}
	p := newPipeline(runner, reg, newFakeGit())

	result := p.Execute(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, model.OutcomeSuccess, result.Outcome)
	assert.Equal(t, model.StepSkipped, result.Steps[0].Status)
	assert.Contains(t, result.Steps[0].Detail, "already published")

	// Only the not-yet-published package reached cargo.
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0].args, "probe-rs-tools")
}

// TestExecute_RequiredPublishFailure verifies the abort path: remaining
// steps are recorded as aborted, nothing is tagged, and the error maps
// to ExitPublishError.
func TestExecute_RequiredPublishFailure(t *testing.T) {
	runner := &fakeRunner{failOn: map[string]bool{"cargo publish -p probe-rs --locked": true}}
	git := newFakeGit()
	p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, git)

	result := p.Execute(context.Background(), testPlan())

	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	require.Error(t, result.Err)
	var cliErr *model.CLIError
	require.True(t, errors.As(result.Err, &cliErr))
	assert.Equal(t, model.ExitPublishError, cliErr.Code)

	assert.Equal(t, []string{
		"publish/probe-rs=failed",
		"publish/probe-rs-tools=aborted",
		"tag/-=aborted",
		"tag/probe-rs-tools=aborted",
		"push/-=aborted",
	}, statuses(result.Steps))

	// The failure detail carries the tail of cargo's output.
	assert.Contains(t, result.Steps[0].Detail, "something broke")

	// No tags were created or pushed.
	assert.Empty(t, git.tags)
	assert.Empty(t, git.pushed)
}

// TestExecute_OptionalPublishFailure verifies continue-on-error for the
// optional package: the run completes with a partial outcome.
func TestExecute_OptionalPublishFailure(t *testing.T) {
	runner := &fakeRunner{failOn: map[string]bool{"cargo publish -p probe-rs-tools --locked": true}}
	git := newFakeGit()
	p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, git)

	result := p.Execute(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, model.OutcomePartial, result.Outcome)
	assert.Equal(t, []string{
		"publish/probe-rs=ok",
		"publish/probe-rs-tools=failed",
		"tag/-=ok",
		"tag/probe-rs-tools=ok",
		"push/-=ok",
	}, statuses(result.Steps))
}

// TestExecute_VisibilityTimeout verifies that a published version which
// never becomes resolvable fails the step: dependents later in the
// order could not build against it, so continuing would be worse than
// stopping.
func TestExecute_VisibilityTimeout(t *testing.T) {
	reg := &fakeRegistry{
		published:    map[string]bool{},
		neverVisible: map[string]bool{"probe-rs": true},
	}
	git := newFakeGit()
	p := newPipeline(&fakeRunner{}, reg, git)

	result := p.Execute(context.Background(), testPlan())

	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	var cliErr *model.CLIError
	require.True(t, errors.As(result.Err, &cliErr))
	assert.Equal(t, model.ExitPublishError, cliErr.Code)

	assert.Equal(t, []string{
		"publish/probe-rs=failed",
		"publish/probe-rs-tools=aborted",
		"tag/-=aborted",
		"tag/probe-rs-tools=aborted",
		"push/-=aborted",
	}, statuses(result.Steps))
	assert.Contains(t, result.Steps[0].Detail, "never became visible")
	assert.Empty(t, git.tags)
}

// TestExecute_PushFailureRollsBackFreshTags verifies that a failed push
// deletes only the tags this run created: a tag left over from an
// earlier attempt survives for the next re-run to push.
func TestExecute_PushFailureRollsBackFreshTags(t *testing.T) {
	git := newFakeGit()
	git.tags["v0.25.0"] = git.head // created by an earlier, interrupted run
	git.pushErr = true

	reg := &fakeRegistry{published: map[string]bool{
		"probe-rs@0.25.0":       true,
		"probe-rs-tools@0.25.0": true,
	}}
	p := newPipeline(&fakeRunner{}, reg, git)

	result := p.Execute(context.Background(), testPlan())

	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	assert.Equal(t, []string{"tools-v0.25.0"}, git.deleted)
	assert.Contains(t, git.tags, "v0.25.0")
}

// TestExecute_DryRun verifies every mutating step is replaced while
// read-only registry checks still run.
func TestExecute_DryRun(t *testing.T) {
	runner := &fakeRunner{}
	git := newFakeGit()
	p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, git)
	p.DryRun = true
	p.Creds = nil // dry-run must not need credentials

	result := p.Execute(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, model.OutcomeSuccess, result.Outcome)
	for _, s := range result.Steps {
		assert.Equal(t, model.StepDryRun, s.Status, "step %s/%s", s.Kind, s.Package)
	}
	assert.Empty(t, runner.calls, "dry-run must not execute commands")
	assert.Empty(t, git.tags, "dry-run must not create tags")
	assert.Empty(t, git.pushed, "dry-run must not push")
}

// TestExecute_TagAlreadyAtHead verifies the idempotent re-run path: an
// existing tag at HEAD is skipped but still pushed.
func TestExecute_TagAlreadyAtHead(t *testing.T) {
	git := newFakeGit()
	git.tags["v0.25.0"] = git.head

	reg := &fakeRegistry{published: map[string]bool{
		"probe-rs@0.25.0":       true,
		"probe-rs-tools@0.25.0": true,
	}}
	p := newPipeline(&fakeRunner{}, reg, git)

	result := p.Execute(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, []string{
		"publish/probe-rs=skipped",
		"publish/probe-rs-tools=skipped",
		"tag/-=skipped",
		"tag/probe-rs-tools=ok",
		"push/-=ok",
	}, statuses(result.Steps))

	// The pre-existing tag is pushed alongside the new one: the run
	// that created it may have died before pushing.
	assert.ElementsMatch(t, []string{"v0.25.0", "tools-v0.25.0"}, git.pushed)
}

// TestExecute_TagConflict verifies that a required tag pointing at a
// different commit is fatal, while an optional one degrades the outcome.
func TestExecute_TagConflict(t *testing.T) {
	t.Run("required tag", func(t *testing.T) {
		git := newFakeGit()
		git.tags["v0.25.0"] = "def456" // someone else's release

		p := newPipeline(&fakeRunner{}, &fakeRegistry{published: map[string]bool{}}, git)
		result := p.Execute(context.Background(), testPlan())

		assert.Equal(t, model.OutcomeFailed, result.Outcome)
		var cliErr *model.CLIError
		require.True(t, errors.As(result.Err, &cliErr))
		assert.Equal(t, model.ExitGitError, cliErr.Code)
		assert.Empty(t, git.pushed)

		// The never-attempted tag and the push are recorded as
		// aborted, same as after a publish failure.
		assert.Equal(t, []string{
			"publish/probe-rs=ok",
			"publish/probe-rs-tools=ok",
			"tag/-=failed",
			"tag/probe-rs-tools=aborted",
			"push/-=aborted",
		}, statuses(result.Steps))
	})

	t.Run("optional tag", func(t *testing.T) {
		git := newFakeGit()
		git.tags["tools-v0.25.0"] = "def456"

		p := newPipeline(&fakeRunner{}, &fakeRegistry{published: map[string]bool{}}, git)
		result := p.Execute(context.Background(), testPlan())

		require.NoError(t, result.Err)
		assert.Equal(t, model.OutcomePartial, result.Outcome)
		assert.Equal(t, []string{"v0.25.0"}, git.pushed)
	})
}

// TestExecute_Hooks covers hook sequencing and the asymmetric failure
// policy: pre-publish failures abort, post-release failures degrade.
func TestExecute_Hooks(t *testing.T) {
	t.Run("hooks run around the pipeline", func(t *testing.T) {
		runner := &fakeRunner{}
		p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, newFakeGit())
		p.Config.Hooks.PrePublish = "cargo check --workspace"
		p.Config.Hooks.PostRelease = "scripts/announce.sh released"

		result := p.Execute(context.Background(), testPlan())

		require.NoError(t, result.Err)
		assert.Equal(t, model.StepHookPre, result.Steps[0].Kind)
		assert.Equal(t, model.StepHookPost, result.Steps[len(result.Steps)-1].Kind)

		// Hook strings are split with shell quoting rules.
		assert.Equal(t, "cargo", runner.calls[0].name)
		assert.Equal(t, []string{"check", "--workspace"}, runner.calls[0].args)
		assert.Equal(t, "scripts/announce.sh", runner.calls[len(runner.calls)-1].name)
	})

	t.Run("pre-publish failure aborts everything", func(t *testing.T) {
		runner := &fakeRunner{failOn: map[string]bool{"cargo check --workspace": true}}
		git := newFakeGit()
		p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, git)
		p.Config.Hooks.PrePublish = "cargo check --workspace"

		result := p.Execute(context.Background(), testPlan())

		assert.Equal(t, model.OutcomeFailed, result.Outcome)
		assert.Equal(t, "hook-pre/-=failed", statuses(result.Steps)[0])
		// Only the hook actually ran.
		assert.Len(t, runner.calls, 1)
		assert.Empty(t, git.pushed)
	})

	t.Run("post-release failure degrades to partial", func(t *testing.T) {
		runner := &fakeRunner{failOn: map[string]bool{"scripts/announce.sh": true}}
		p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, newFakeGit())
		p.Config.Hooks.PostRelease = "scripts/announce.sh"

		result := p.Execute(context.Background(), testPlan())

		require.NoError(t, result.Err)
		assert.Equal(t, model.OutcomePartial, result.Outcome)
	})
}

// TestExecute_Noop verifies a non-proceeding plan does nothing at all.
func TestExecute_Noop(t *testing.T) {
	runner := &fakeRunner{}
	p := newPipeline(runner, &fakeRegistry{}, newFakeGit())

	result := p.Execute(context.Background(), &model.ReleasePlan{
		Decision: model.Decision{Proceed: false, Reason: "release label missing"},
	})

	assert.Equal(t, model.OutcomeNoop, result.Outcome)
	assert.Empty(t, result.Steps)
	assert.Empty(t, runner.calls)
}

// TestPublishOnly verifies the publish-phase-only entry point.
func TestPublishOnly(t *testing.T) {
	runner := &fakeRunner{}
	git := newFakeGit()
	p := newPipeline(runner, &fakeRegistry{published: map[string]bool{}}, git)

	result := p.PublishOnly(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, []string{
		"publish/probe-rs=ok",
		"publish/probe-rs-tools=ok",
	}, statuses(result.Steps))
	assert.Empty(t, git.tags, "PublishOnly must not tag")
}

// TestTagOnly verifies the tag-and-push-only entry point.
func TestTagOnly(t *testing.T) {
	git := newFakeGit()
	p := newPipeline(&fakeRunner{}, &fakeRegistry{}, git)

	result := p.TagOnly(context.Background(), testPlan())

	require.NoError(t, result.Err)
	assert.Equal(t, []string{
		"tag/-=ok",
		"tag/probe-rs-tools=ok",
		"push/-=ok",
	}, statuses(result.Steps))
	assert.Equal(t, []string{"v0.25.0", "tools-v0.25.0"}, git.pushed)

	t.Run("push failure is fatal", func(t *testing.T) {
		git := newFakeGit()
		git.pushErr = true
		p := newPipeline(&fakeRunner{}, &fakeRegistry{}, git)

		result := p.TagOnly(context.Background(), testPlan())
		assert.Equal(t, model.OutcomeFailed, result.Outcome)
		var cliErr *model.CLIError
		require.True(t, errors.As(result.Err, &cliErr))
		assert.Equal(t, model.ExitGitError, cliErr.Code)
	})
}

// TestSplitHook verifies shell-quote splitting of hook commands.
func TestSplitHook(t *testing.T) {
	name, args, err := splitHook(`sh -c "cargo check && cargo test"`)
	require.NoError(t, err)
	assert.Equal(t, "sh", name)
	assert.Equal(t, []string{"-c", "cargo check && cargo test"}, args)

	_, _, err = splitHook("")
	assert.Error(t, err)

	_, _, err = splitHook(`unbalanced "quote`)
	assert.Error(t, err)
}

// TestTail verifies output truncation for step details.
func TestTail(t *testing.T) {
	assert.Equal(t, "", tail("", 3))
	assert.Equal(t, "a\nb", tail("a\nb", 3))
	assert.Equal(t, "c\nd\ne", tail("a\nb\nc\nd\ne\n", 3))
}

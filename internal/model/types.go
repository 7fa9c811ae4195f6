package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TriggerKind identifies what caused a release run to be considered.
type TriggerKind string

const (
	// TriggerPullRequest indicates the run was triggered by a pull_request
	// event (a merged release PR).
	TriggerPullRequest TriggerKind = "pull-request"

	// TriggerManual indicates the run was triggered by a workflow_dispatch
	// event, i.e. a human explicitly asked for a release.
	TriggerManual TriggerKind = "manual"
)

// String returns the string representation of TriggerKind.
func (t TriggerKind) String() string {
	return string(t)
}

// IsValid checks whether the TriggerKind value is one of the
// predefined kinds.
func (t TriggerKind) IsValid() bool {
	switch t {
	case TriggerPullRequest, TriggerManual:
		return true
	default:
		return false
	}
}

// Decision is the outcome of evaluating a CI event against the configured
// trigger condition.
//
// A Decision with Proceed=false is NOT an error: the tool is expected to be
// invoked on every merge to the release branches, and most merges are not
// releases. Reason always explains the outcome in human terms so that CI
// logs are self-describing.
type Decision struct {
	// Proceed reports whether the release pipeline should run.
	Proceed bool `json:"proceed"`

	// Trigger is the kind of event that produced this decision.
	// Only meaningful when Proceed is true.
	Trigger TriggerKind `json:"trigger,omitempty"`

	// Reason explains the decision (e.g. "release label missing",
	// "manual dispatch").
	Reason string `json:"reason"`
}

// StepKind identifies the phase a pipeline step belongs to.
type StepKind string

const (
	// StepHookPre is the configured pre-publish hook command.
	StepHookPre StepKind = "hook-pre"

	// StepPublish is a `cargo publish` invocation for one package.
	StepPublish StepKind = "publish"

	// StepTag is the creation of one release tag.
	StepTag StepKind = "tag"

	// StepPush is the push of all created tags to the remote.
	StepPush StepKind = "push"

	// StepHookPost is the configured post-release hook command.
	StepHookPost StepKind = "hook-post"
)

// String returns the string representation of StepKind.
func (k StepKind) String() string {
	return string(k)
}

// StepStatus represents the outcome of a single pipeline step.
type StepStatus string

const (
	// StepOK indicates the step completed successfully.
	StepOK StepStatus = "ok"

	// StepFailed indicates the step ran and failed.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step was not needed (e.g. the crate
	// version is already on the registry, or a tag already exists at HEAD).
	StepSkipped StepStatus = "skipped"

	// StepAborted indicates the step never ran because an earlier
	// required step failed.
	StepAborted StepStatus = "aborted"

	// StepDryRun indicates the step was replaced by a log line because
	// the pipeline ran with --dry-run.
	StepDryRun StepStatus = "dry-run"
)

// String returns the string representation of StepStatus.
func (s StepStatus) String() string {
	return string(s)
}

// IsValid checks whether the StepStatus value is one of the
// predefined outcomes.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepOK, StepFailed, StepSkipped, StepAborted, StepDryRun:
		return true
	default:
		return false
	}
}

// ParseStepStatus converts a string to a StepStatus.
// Returns an error if the string does not match any valid status.
func ParseStepStatus(s string) (StepStatus, error) {
	status := StepStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid step status: %q (valid: ok, failed, skipped, aborted, dry-run)", s)
	}
	return status, nil
}

// RunOutcome summarizes an entire release run for the journal and for
// the `history` command.
type RunOutcome string

const (
	// OutcomeSuccess indicates every required step succeeded.
	OutcomeSuccess RunOutcome = "success"

	// OutcomePartial indicates required steps succeeded but at least one
	// optional step failed (e.g. the optional package's tag).
	OutcomePartial RunOutcome = "partial"

	// OutcomeFailed indicates a required step failed and the pipeline
	// stopped.
	OutcomeFailed RunOutcome = "failed"

	// OutcomeNoop indicates the trigger condition was not satisfied and
	// nothing was published.
	OutcomeNoop RunOutcome = "noop"
)

// String returns the string representation of RunOutcome.
func (o RunOutcome) String() string {
	return string(o)
}

// IsValid checks whether the RunOutcome value is one of the
// predefined outcomes.
func (o RunOutcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailed, OutcomeNoop:
		return true
	default:
		return false
	}
}

// ParseRunOutcome converts a string to a RunOutcome.
// Returns an error if the string does not match any valid outcome.
func ParseRunOutcome(s string) (RunOutcome, error) {
	outcome := RunOutcome(s)
	if !outcome.IsValid() {
		return "", fmt.Errorf("invalid run outcome: %q (valid: success, partial, failed, noop)", s)
	}
	return outcome, nil
}

// Package is one publishable workspace member in plan order.
type Package struct {
	// Name is the crate name as it appears on the registry.
	Name string `json:"name"`

	// Version is the version that will be published.
	Version string `json:"version"`

	// Optional marks packages whose publish and tag failures do not
	// abort the pipeline. Used for members that do not change in every
	// release and may already be published at this version.
	Optional bool `json:"optional,omitempty"`
}

// TagSpec is one tag the pipeline will create and push.
type TagSpec struct {
	// Name is the fully rendered tag name (e.g. "v0.25.0" or
	// "tools-v0.25.0").
	Name string `json:"name"`

	// Package is the package this tag belongs to, or empty for the
	// workspace-wide release tag.
	Package string `json:"package,omitempty"`

	// Optional mirrors the owning package's Optional flag: a failure to
	// create or push this tag is recorded but never fatal.
	Optional bool `json:"optional,omitempty"`
}

// ReleasePlan is the fully resolved plan for one release run. It is
// computed by the plan command and executed verbatim by the run command,
// so that what `stevedore plan` prints is exactly what `stevedore run`
// will do.
type ReleasePlan struct {
	// Decision is the trigger evaluation that produced this plan.
	Decision Decision `json:"decision"`

	// Version is the workspace version being released. Empty when
	// Decision.Proceed is false.
	Version string `json:"version,omitempty"`

	// Packages is the ordered publish list. Earlier entries are
	// dependencies of later ones.
	Packages []Package `json:"packages,omitempty"`

	// Tags are the tags to create after publishing, in creation order.
	Tags []TagSpec `json:"tags,omitempty"`

	// Remote is the git remote tags are pushed to.
	Remote string `json:"remote,omitempty"`
}

// IsNoop reports whether executing this plan would do nothing.
func (p *ReleasePlan) IsNoop() bool {
	return !p.Decision.Proceed
}

// StepResult records the outcome of one executed pipeline step.
type StepResult struct {
	// Seq is the 1-based position of the step within the run.
	Seq int `json:"seq"`

	// Kind is the step's phase.
	Kind StepKind `json:"kind"`

	// Package is the package the step acted on, or empty for
	// workspace-level steps (hooks, push).
	Package string `json:"package,omitempty"`

	// Status is the step outcome.
	Status StepStatus `json:"status"`

	// Detail holds human-readable context: the command output excerpt on
	// failure, or the skip reason.
	Detail string `json:"detail,omitempty"`

	// StartedAt and FinishedAt bound the step's execution.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// String returns a one-line human-readable representation of the step,
// used by the text output of run/publish/tag.
func (r *StepResult) String() string {
	target := r.Package
	if target == "" {
		target = "workspace"
	}
	if r.Detail != "" {
		return fmt.Sprintf("%-8s %s %s (%s)", r.Kind, target, r.Status, r.Detail)
	}
	return fmt.Sprintf("%-8s %s %s", r.Kind, target, r.Status)
}

// crateNameRegex validates registry crate names: ASCII alphanumeric,
// hyphens and underscores, not starting with a digit. This matches what
// crates.io accepts at publish time.
var crateNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateCrateName checks whether name is acceptable as a registry crate
// name. The registry would reject invalid names anyway, but catching them
// at config-validation time turns a mid-pipeline failure into an upfront
// config error.
func ValidateCrateName(name string) error {
	if name == "" {
		return fmt.Errorf("crate name must not be empty")
	}
	if !crateNameRegex.MatchString(name) {
		return fmt.Errorf("invalid crate name %q: must contain only ASCII alphanumerics, hyphens and underscores, and must not start with a digit", name)
	}
	return nil
}

// versionRegex validates the shape of a semver version string. Build
// metadata and pre-release suffixes are allowed; the registry enforces
// full semver semantics.
var versionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// ValidateVersion checks whether v looks like a semver version.
func ValidateVersion(v string) error {
	if v == "" {
		return fmt.Errorf("version must not be empty")
	}
	if !versionRegex.MatchString(v) {
		return fmt.Errorf("invalid version %q: expected MAJOR.MINOR.PATCH with optional pre-release/build suffix", v)
	}
	return nil
}

// RenderTag expands a tag template for a version. The only placeholder is
// {version}; templates without it are rejected at config validation, so
// rendering is a plain replace.
func RenderTag(template, version string) string {
	return strings.ReplaceAll(template, "{version}", version)
}

// ExitCode defines the CLI exit codes. These codes allow CI systems to
// programmatically distinguish failure classes without parsing output.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the release config is missing or invalid.
	ExitConfigError ExitCode = 2

	// ExitEventError indicates the CI event payload could not be read
	// or parsed.
	ExitEventError ExitCode = 3

	// ExitMetadataError indicates workspace metadata extraction failed
	// (cargo metadata failed, version mismatch, dependency cycle).
	ExitMetadataError ExitCode = 4

	// ExitGitError indicates a git operation (tag, push) failed.
	ExitGitError ExitCode = 5

	// ExitPublishError indicates a required package failed to publish.
	ExitPublishError ExitCode = 6

	// ExitCredentialError indicates a required credential (registry
	// token, SSH agent for tag signing) is absent.
	ExitCredentialError ExitCode = 7

	// ExitRegistryError indicates the registry API was unreachable or
	// returned an unexpected response.
	ExitRegistryError ExitCode = 8

	// ExitSandboxError indicates the Docker sandbox could not be used
	// while sandbox mode is enabled.
	ExitSandboxError ExitCode = 9
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// Package event parses CI event payloads and evaluates the release
// trigger condition against them.
//
// The payload format follows the GitHub webhook shape: a pull_request
// event carries the action, merge state, labels, and base branch; a
// workflow_dispatch event carries neither and means a human asked for a
// release explicitly. The event name is taken from GITHUB_EVENT_NAME
// when set (the normal CI case) and inferred from the payload shape
// otherwise, so locally hand-written payloads work without extra flags.
//
// Payloads are run through a JSONC pass before parsing: payloads written
// by CI are strict JSON and pass through unchanged, while hand-written
// test payloads may carry comments.
package event

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Event names recognized by the trigger evaluation.
const (
	// NamePullRequest is the pull_request webhook event.
	NamePullRequest = "pull_request"

	// NameWorkflowDispatch is the manual workflow_dispatch event.
	NameWorkflowDispatch = "workflow_dispatch"
)

// Label is one label attached to a pull request.
type Label struct {
	Name string `json:"name"`
}

// Ref is a branch reference on a pull request (base or head).
type Ref struct {
	Ref string `json:"ref"`
}

// PullRequest holds the subset of the pull_request payload the trigger
// evaluation needs. Unknown fields are ignored during parsing.
type PullRequest struct {
	// Number is the PR number, carried through for journal records.
	Number int `json:"number"`

	// Title is the PR title, carried through for journal records.
	Title string `json:"title"`

	// Merged reports whether the PR was merged (as opposed to closed
	// without merging).
	Merged bool `json:"merged"`

	// Labels are the labels attached to the PR at close time.
	Labels []Label `json:"labels"`

	// Base is the branch the PR merged into.
	Base Ref `json:"base"`
}

// HasLabel reports whether the PR carries the given label.
func (p *PullRequest) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// Event is a parsed CI event payload.
type Event struct {
	// Name is the event name: pull_request or workflow_dispatch.
	Name string `json:"-"`

	// Action is the webhook action (e.g. "closed"). Empty for
	// workflow_dispatch.
	Action string `json:"action"`

	// PullRequest is present only for pull_request events.
	PullRequest *PullRequest `json:"pull_request"`
}

// Load reads and parses the event payload at path.
//
// Returns a CLIError with ExitEventError if the file is missing or the
// payload cannot be parsed or classified.
func Load(path string) (*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitEventError,
			fmt.Sprintf("failed to read event payload %s", path), err)
	}

	var ev Event
	if err := json.Unmarshal(jsonc.ToJSON(data), &ev); err != nil {
		return nil, model.WrapCLIError(model.ExitEventError,
			fmt.Sprintf("failed to parse event payload %s", path), err)
	}

	ev.Name = classify(&ev)
	if ev.Name == "" {
		return nil, model.NewCLIError(model.ExitEventError,
			fmt.Sprintf("cannot determine event type of %s: set GITHUB_EVENT_NAME or provide a pull_request payload", path))
	}

	return &ev, nil
}

// classify determines the event name. GITHUB_EVENT_NAME wins when set;
// otherwise the presence of a pull_request object means pull_request and
// its absence means workflow_dispatch only if the payload is otherwise
// empty of PR data.
func classify(ev *Event) string {
	if name := os.Getenv("GITHUB_EVENT_NAME"); name != "" {
		return name
	}
	if ev.PullRequest != nil {
		return NamePullRequest
	}
	if ev.Action == "" {
		return NameWorkflowDispatch
	}
	return ""
}

// Evaluate applies the trigger condition to an event and returns the
// decision.
//
// The release proceeds when either:
//   - the event is a workflow_dispatch (manual override, no checks), or
//   - the event is a pull_request with action "closed", merged true, the
//     release label attached, and a base branch in the configured list.
//
// Everything else is a no-op decision with a reason, never an error:
// the tool runs on every merge, and a merge that is not a release is the
// normal case.
func Evaluate(ev *Event, label string, branches []string) model.Decision {
	switch ev.Name {
	case NameWorkflowDispatch:
		return model.Decision{
			Proceed: true,
			Trigger: model.TriggerManual,
			Reason:  "manual dispatch",
		}

	case NamePullRequest:
		pr := ev.PullRequest
		if pr == nil {
			return model.Decision{Proceed: false, Reason: "pull_request event without pull request data"}
		}
		if ev.Action != "closed" {
			return model.Decision{Proceed: false, Reason: fmt.Sprintf("pull request action is %q, not \"closed\"", ev.Action)}
		}
		if !pr.Merged {
			return model.Decision{Proceed: false, Reason: "pull request was closed without merging"}
		}
		if !pr.HasLabel(label) {
			return model.Decision{Proceed: false, Reason: fmt.Sprintf("release label %q missing", label)}
		}
		if !contains(branches, pr.Base.Ref) {
			return model.Decision{Proceed: false, Reason: fmt.Sprintf("base branch %q is not a release branch", pr.Base.Ref)}
		}
		return model.Decision{
			Proceed: true,
			Trigger: model.TriggerPullRequest,
			Reason:  fmt.Sprintf("release PR #%d merged into %s", pr.Number, pr.Base.Ref),
		}

	default:
		return model.Decision{Proceed: false, Reason: fmt.Sprintf("event %q does not trigger releases", ev.Name)}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

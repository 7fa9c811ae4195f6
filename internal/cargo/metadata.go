// Package cargo extracts workspace metadata by shelling out to
// `cargo metadata` and derives the publish order from it.
//
// cargo is the single source of truth for package names, versions, and
// the publish flag — parsing Cargo.toml directly would have to
// re-implement workspace inheritance, feature resolution, and every
// future manifest change. The machine-readable format (--format-version
// 1) is a stability guarantee cargo makes precisely for tools like this.
package cargo

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Runner abstracts cargo invocations so tests can inject canned output
// without a Rust toolchain installed.
type Runner interface {
	// Run executes cargo with args in dir and returns its stdout.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner is the real Runner backed by os/exec.
type ExecRunner struct{}

// Run executes `cargo <args>` in dir, capturing stdout and stderr
// separately so stderr can be folded into the error message.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "cargo", args...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("cargo %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", fmt.Errorf("%s: %w", message, err)
	}

	return stdout.String(), nil
}

// Package is one workspace member as reported by cargo metadata.
type Package struct {
	// Name is the crate name.
	Name string

	// Version is the crate version.
	Version string

	// Publishable reports whether the crate may be published at all
	// (false when the manifest sets `publish = false`).
	Publishable bool

	// WorkspaceDeps lists the names of other workspace members this
	// crate depends on via normal or build path dependencies. These
	// edges drive the publish order. Dev-dependencies are excluded:
	// cargo strips them from the published manifest, and counting them
	// would turn the routine lib-dev-depends-on-its-own-tool pattern
	// into a false cycle.
	WorkspaceDeps []string
}

// Workspace is the parsed result of one cargo metadata invocation.
type Workspace struct {
	// Root is the workspace root directory.
	Root string

	// Packages are all workspace members, publishable or not.
	Packages []Package
}

// rawMetadata mirrors the subset of `cargo metadata --format-version 1`
// output this package consumes. Unknown fields are ignored.
type rawMetadata struct {
	Packages []struct {
		Name    string `json:"name"`
		Version string `json:"version"`

		// Publish is null for "anywhere", a registry list otherwise;
		// an empty list means the crate must never be published.
		Publish *[]string `json:"publish"`

		Dependencies []struct {
			Name string `json:"name"`

			// Kind is null for normal dependencies, "dev" or "build"
			// otherwise; null unmarshals to "".
			Kind string `json:"kind"`

			// Path is non-empty for path dependencies, which within a
			// --no-deps listing means "another workspace member".
			Path string `json:"path"`
		} `json:"dependencies"`
	} `json:"packages"`

	WorkspaceRoot string `json:"workspace_root"`
}

// Load runs `cargo metadata --format-version 1 --no-deps` in dir and
// parses the result.
//
// Returns a CLIError with ExitMetadataError if cargo fails or its output
// cannot be parsed.
func Load(ctx context.Context, runner Runner, dir string) (*Workspace, error) {
	output, err := runner.Run(ctx, dir, "metadata", "--format-version", "1", "--no-deps")
	if err != nil {
		return nil, model.WrapCLIError(model.ExitMetadataError,
			"failed to read workspace metadata", err)
	}

	var raw rawMetadata
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return nil, model.WrapCLIError(model.ExitMetadataError,
			"failed to parse cargo metadata output", err)
	}

	ws := &Workspace{Root: raw.WorkspaceRoot}

	// Collect member names first so dependency edges can be restricted
	// to workspace-internal ones.
	members := make(map[string]bool, len(raw.Packages))
	for _, p := range raw.Packages {
		members[p.Name] = true
	}

	for _, p := range raw.Packages {
		pkg := Package{
			Name:    p.Name,
			Version: p.Version,
			// publish: [] means never; null or a non-empty registry
			// list means the crate can go somewhere.
			Publishable: p.Publish == nil || len(*p.Publish) > 0,
		}
		for _, d := range p.Dependencies {
			if d.Kind == "dev" {
				continue
			}
			if d.Path != "" && members[d.Name] {
				pkg.WorkspaceDeps = append(pkg.WorkspaceDeps, d.Name)
			}
		}
		ws.Packages = append(ws.Packages, pkg)
	}

	if len(ws.Packages) == 0 {
		return nil, model.NewCLIError(model.ExitMetadataError,
			fmt.Sprintf("no workspace members found under %s", dir))
	}

	return ws, nil
}

// Publishable returns the workspace members that may be published.
func (w *Workspace) Publishable() []Package {
	var out []Package
	for _, p := range w.Packages {
		if p.Publishable {
			out = append(out, p)
		}
	}
	return out
}

// Version returns the single version shared by all publishable members,
// ignoring names in exempt (optional packages may lag the workspace).
//
// A version disagreement is a hard ExitMetadataError: publishing a
// mixed-version workspace is the one unrecoverable mistake this tool
// exists to prevent.
func (w *Workspace) Version(exempt map[string]bool) (string, error) {
	version := ""
	for _, p := range w.Publishable() {
		if exempt[p.Name] {
			continue
		}
		if version == "" {
			version = p.Version
			continue
		}
		if p.Version != version {
			return "", model.NewCLIError(model.ExitMetadataError,
				fmt.Sprintf("workspace version mismatch: %s is %s, expected %s", p.Name, p.Version, version))
		}
	}
	if version == "" {
		return "", model.NewCLIError(model.ExitMetadataError,
			"no publishable workspace members to derive a version from")
	}
	if err := model.ValidateVersion(version); err != nil {
		return "", model.WrapCLIError(model.ExitMetadataError, "workspace version", err)
	}
	return version, nil
}

// PublishOrder returns the publishable members sorted so that every
// package appears after the workspace members it depends on.
//
// The sort is Kahn's algorithm with an alphabetical tie-break, so the
// order is deterministic for a given workspace. A dependency cycle is an
// ExitMetadataError — cargo itself cannot publish cyclic path deps.
func (w *Workspace) PublishOrder() ([]Package, error) {
	pubs := w.Publishable()

	byName := make(map[string]Package, len(pubs))
	indegree := make(map[string]int, len(pubs))
	dependents := make(map[string][]string, len(pubs))

	for _, p := range pubs {
		byName[p.Name] = p
		indegree[p.Name] = 0
	}
	for _, p := range pubs {
		for _, dep := range p.WorkspaceDeps {
			// Edges to unpublishable members are ignored: a
			// publish=false member never uploads, so nothing has to
			// wait for it.
			if _, ok := byName[dep]; !ok {
				continue
			}
			indegree[p.Name]++
			dependents[dep] = append(dependents[dep], p.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]Package, 0, len(pubs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, byName[name])

		released := false
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(pubs) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, model.NewCLIError(model.ExitMetadataError,
			fmt.Sprintf("dependency cycle among workspace members: %s", strings.Join(stuck, ", ")))
	}

	return order, nil
}

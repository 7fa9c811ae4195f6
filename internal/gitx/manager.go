package gitx

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Manager provides Git operations by invoking the git CLI.
//
// It is currently stateless — all methods receive the repository path
// as a parameter. The struct exists as a receiver to support future
// extensions such as a configurable git binary path.
type Manager struct{}

// NewManager creates a new git Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// Head returns the full commit SHA that HEAD currently points to.
func (m *Manager) Head(repoPath string) (string, error) {
	output, err := runGit(repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// CurrentBranch returns the name of the currently checked-out branch.
//
// Uses `git rev-parse --abbrev-ref HEAD` which returns the short branch
// name (e.g., "master" instead of "refs/heads/master"). Returns "HEAD"
// if the repository is in a detached HEAD state, which is the normal
// state on CI checkout of a merge commit.
func (m *Manager) CurrentBranch(repoPath string) (string, error) {
	output, err := runGit(repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
//
// Uses `git status --porcelain`, which prints one line per dirty path
// and nothing at all for a clean tree. Publishing from a dirty tree
// would bake uncommitted changes into the released crates, so the
// pipeline refuses to start on a dirty tree.
func (m *Manager) IsClean(repoPath string) (bool, error) {
	output, err := runGit(repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) == "", nil
}

// TagExists checks whether a tag with the given name exists.
//
// This uses `git rev-parse --verify refs/tags/<tag>` which exits with
// code 0 if the ref exists and non-zero otherwise. Only the exit code
// matters here.
func (m *Manager) TagExists(repoPath, tag string) bool {
	_, err := runGit(repoPath, "rev-parse", "--verify", "refs/tags/"+tag)
	return err == nil
}

// TagTarget returns the commit SHA an existing tag resolves to.
//
// The ^{commit} peel makes annotated tags resolve to the tagged commit
// rather than the tag object itself, so the result is directly
// comparable with Head().
func (m *Manager) TagTarget(repoPath, tag string) (string, error) {
	output, err := runGit(repoPath, "rev-parse", "refs/tags/"+tag+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// CreateTag creates an annotated tag at HEAD with the given message.
// When sign is true, the tag is signed (`git tag -s`) using whatever
// signing setup git is configured with — stevedore does not manage keys
// itself.
func (m *Manager) CreateTag(repoPath, tag, message string, sign bool) error {
	args := []string{"tag", "-a"}
	if sign {
		// -s replaces -a's plain annotation with a signed one.
		args = []string{"tag", "-s"}
	}
	args = append(args, "-m", message, tag)

	_, err := runGit(repoPath, args...)
	return err
}

// DeleteTag removes a local tag. Used to roll back tags created earlier
// in a run whose push ultimately failed, so a re-run starts clean.
func (m *Manager) DeleteTag(repoPath, tag string) error {
	_, err := runGit(repoPath, "tag", "-d", tag)
	return err
}

// PushTags pushes the given tags to the remote in a single invocation.
//
// Tags are pushed by full refspec (refs/tags/x:refs/tags/x) rather than
// `--tags` so that only the tags this run created are pushed — a clone
// may carry unrelated local tags that must not leak to the remote.
func (m *Manager) PushTags(repoPath, remote string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	args := []string{"push", remote}
	for _, tag := range tags {
		args = append(args, fmt.Sprintf("refs/tags/%s:refs/tags/%s", tag, tag))
	}

	_, err := runGit(repoPath, args...)
	return err
}

// RemoteExists checks whether the named remote is configured.
func (m *Manager) RemoteExists(repoPath, remote string) bool {
	_, err := runGit(repoPath, "remote", "get-url", remote)
	return err == nil
}

// RepoRoot returns the absolute path to the top-level directory of the
// Git repository containing the given path, via
// `git rev-parse --show-toplevel`.
func (m *Manager) RepoRoot(path string) (string, error) {
	output, err := runGit(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// runGit executes a git command with the given arguments in the specified
// directory.
//
// It captures stdout and stderr separately. On success (exit code 0), it
// returns the stdout output. On failure, it returns a model.CLIError with
// ExitGitError, including the stderr output in the error message for
// debugging.
//
// The repoPath parameter is passed to git via the -C flag, which causes
// git to change to that directory before doing anything else. This avoids
// changing the process's working directory.
func runGit(repoPath string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", repoPath}, args...)

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.Command("git", fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}

	return stdout.String(), nil
}

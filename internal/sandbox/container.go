// container.go implements the containerized command runner and the
// discovery/cleanup operations for sandbox containers.
//
// Container execution follows two patterns:
//   - Launch: single foreground container via the docker CLI ("docker run")
//   - Discovery/cleanup: container listing and removal via the Docker SDK
//
// All sandbox containers are identified by the "stevedore.managed-by"
// label, which enables filtering them from unrelated containers on the
// same host.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	// container package provides ListOptions and RemoveOptions for
	// Docker container operations.
	"github.com/docker/docker/api/types/container"

	// filters package provides Args type for building Docker API query filters.
	"github.com/docker/docker/api/types/filters"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// workspaceMount is the path inside the container where the host
// workspace is bind-mounted. Commands run with their working directory
// translated under this mount.
const workspaceMount = "/workspace"

// ContainerRunner executes pipeline commands inside a Docker container
// instead of directly on the host. It satisfies the publisher's Runner
// interface, so the publish pipeline is unaware of whether a command
// ran on the host or in a sandbox.
//
// Each Execute call launches a fresh container from the configured
// image with the host workspace bind-mounted read-only at /workspace
// and an anonymous volume over /workspace/target for build output. The
// container is removed automatically when the command exits (--rm),
// so sandbox containers only survive a run when the docker CLI itself
// was killed mid-command; ListRunContainers and RemoveRunContainer
// exist to find and clean up those leftovers.
type ContainerRunner struct {
	// image is the Docker image commands run in. It must contain the
	// cargo toolchain and any hook binaries the config references.
	image string

	// workdir is the host workspace root that gets bind-mounted into
	// the container at workspaceMount.
	workdir string

	// labels are applied to every container this runner creates, so
	// the containers can be attributed to a release run later.
	labels map[string]string
}

// NewContainerRunner constructs a ContainerRunner for one release run.
// The labels built from info are attached to every container launched.
func NewContainerRunner(image string, workdir string, info RunInfo) *ContainerRunner {
	return &ContainerRunner{
		image:   image,
		workdir: workdir,
		labels:  BuildLabels(info),
	}
}

// Execute runs name with args inside a fresh sandbox container and
// returns the combined output.
//
// Secrets in extraEnv (entries of the form "KEY=value") are passed to
// the container with key-only `-e KEY` flags; the docker CLI reads the
// value from its own environment, which we populate via the child
// process env. The value therefore never appears in the docker argv,
// where it would be visible to `ps` and in shell history.
func (r *ContainerRunner) Execute(ctx context.Context, name string, args []string, dir string, extraEnv []string) (string, error) {
	containerDir, err := r.containerPath(dir)
	if err != nil {
		return "", err
	}

	// Build the full argument list for "docker run --rm". The --rm flag
	// removes the container as soon as the command exits, because each
	// sandbox container is single-use.
	dockerArgs := make([]string, 0, len(args)+len(extraEnv)*2+16)
	dockerArgs = append(dockerArgs, "run", "--rm")
	dockerArgs = append(dockerArgs, labelArgs(r.labels)...)
	// The workspace is mounted read-only; cargo's build output goes to
	// an anonymous volume over the target dir, so nothing in the
	// container can touch the host checkout.
	dockerArgs = append(dockerArgs, "-v", r.workdir+":"+workspaceMount+":ro")
	dockerArgs = append(dockerArgs, "-v", workspaceMount+"/target")
	dockerArgs = append(dockerArgs, "-w", containerDir)
	for _, entry := range extraEnv {
		key, _, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return "", model.NewCLIError(
				model.ExitSandboxError,
				fmt.Sprintf("malformed environment entry %q", entry),
			)
		}
		// Key-only -e flag: docker resolves the value from the CLI
		// process environment set below.
		dockerArgs = append(dockerArgs, "-e", key)
	}
	dockerArgs = append(dockerArgs, r.image)
	dockerArgs = append(dockerArgs, name)
	dockerArgs = append(dockerArgs, args...)

	// Execute "docker run" as a child process, in the foreground, so a
	// failing cargo publish inside the container fails this call.
	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)
	cmd.Env = append(os.Environ(), extraEnv...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("sandboxed %s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(output), nil
}

// containerPath translates a host working directory into its location
// under the workspace mount. The pipeline only ever runs commands in
// the workspace root or a subdirectory of it; anything outside is a
// configuration mistake we refuse rather than silently mount.
func (r *ContainerRunner) containerPath(dir string) (string, error) {
	if dir == "" || dir == r.workdir {
		return workspaceMount, nil
	}
	rel, err := filepath.Rel(r.workdir, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", model.NewCLIError(
			model.ExitSandboxError,
			fmt.Sprintf("directory %q is outside the workspace %q", dir, r.workdir),
		)
	}
	return filepath.ToSlash(filepath.Join(workspaceMount, rel)), nil
}

// RunContainer describes a leftover sandbox container found on the
// host, with its parsed run metadata.
type RunContainer struct {
	// ID is the container's Docker ID.
	ID string

	// Name is the container name with the API's leading "/" stripped.
	Name string

	// State is Docker's short state string ("running", "exited", ...).
	State string

	// Run is the release run metadata parsed from the container labels.
	Run RunInfo
}

// ListRunContainers queries the Docker daemon for all containers that
// carry the "stevedore.managed-by=stevedore" label. It returns both
// running and exited containers, because a leftover from an interrupted
// run may be in either state.
//
// Containers whose labels fail to parse are skipped rather than
// failing the whole listing; a single mislabeled container should not
// block cleanup of the rest.
func ListRunContainers(ctx context.Context, cli *Client) ([]RunContainer, error) {
	// Server-side label filter, so we never page through unrelated
	// containers on a busy host.
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitSandboxError,
			"failed to list sandbox containers",
			err,
		)
	}

	result := make([]RunContainer, 0, len(containers))
	for _, c := range containers {
		info, err := ParseLabels(c.Labels)
		if err != nil {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			// The Docker API prefixes names with "/".
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, RunContainer{
			ID:    c.ID,
			Name:  name,
			State: c.State,
			Run:   *info,
		})
	}

	return result, nil
}

// RemoveRunContainer removes a sandbox container by its ID using the
// Docker SDK. When force is true, a running container is killed first;
// this is what cleanup of an interrupted run wants, since the command
// inside is not going to finish anyway.
func RemoveRunContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		return model.WrapCLIError(
			model.ExitSandboxError,
			fmt.Sprintf("failed to remove sandbox container %q", containerID),
			err,
		)
	}
	return nil
}

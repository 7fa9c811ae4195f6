package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Label key constants define the Docker label keys that identify
// sandbox containers and tie them to a release run. Labels are the only
// state the sandbox persists — there is no external tracking file.
//
// All keys share the "stevedore." prefix to namespace them away from
// labels set by other tools.
const (
	// LabelPrefix is the common prefix for all stevedore labels.
	LabelPrefix = "stevedore."

	// LabelManagedBy identifies containers created by stevedore.
	// Key: "stevedore.managed-by", Value: always "stevedore".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID stores the release run's UUID.
	LabelRunID = LabelPrefix + "run-id"

	// LabelVersion stores the workspace version being released.
	LabelVersion = LabelPrefix + "version"

	// LabelTrigger stores the trigger kind ("pull-request" or "manual").
	LabelTrigger = LabelPrefix + "trigger"

	// LabelCreatedAt stores the RFC3339 timestamp of container creation.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "stevedore"

// RunInfo describes the release run a sandbox container belongs to.
// It is round-tripped through container labels so that a later process
// can attribute leftover containers to the run that created them.
type RunInfo struct {
	// RunID is the release run's UUID.
	RunID string

	// Version is the workspace version being released.
	Version string

	// Trigger is the trigger kind of the run.
	Trigger model.TriggerKind

	// CreatedAt is when the container was created.
	CreatedAt time.Time
}

// BuildLabels constructs the Docker label map for a sandbox container.
func BuildLabels(info RunInfo) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     info.RunID,
		LabelVersion:   info.Version,
		LabelTrigger:   info.Trigger.String(),
		// UTC keeps timestamps comparable regardless of host timezone.
		LabelCreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels reconstructs a RunInfo from container labels. This is the
// inverse of BuildLabels, used when listing leftover containers.
//
// Missing required labels cause an error that names all missing keys at
// once, for easier debugging with `docker inspect`.
func ParseLabels(labels map[string]string) (*RunInfo, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelRunID,
		LabelVersion,
		LabelTrigger,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if labels[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("container labels missing required keys: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf("container is not managed by stevedore (managed-by=%q)", labels[LabelManagedBy])
	}

	trigger := model.TriggerKind(labels[LabelTrigger])
	if !trigger.IsValid() {
		return nil, fmt.Errorf("invalid trigger label %q", labels[LabelTrigger])
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid created-at label %q: %w", labels[LabelCreatedAt], err)
	}

	return &RunInfo{
		RunID:     labels[LabelRunID],
		Version:   labels[LabelVersion],
		Trigger:   trigger,
		CreatedAt: createdAt,
	}, nil
}

// labelArgs renders the label map as `--label key=value` arguments for
// a docker run invocation, in deterministic order.
func labelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(labels)*2)
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// TestBuildLabels verifies that BuildLabels converts a RunInfo into a
// Docker label map with all required keys and values.
func TestBuildLabels(t *testing.T) {
	createdAt := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	info := RunInfo{
		RunID:     "7c2f9f3e-0d9f-4a2a-9f61-2b1df5a1c001",
		Version:   "0.29.1",
		Trigger:   model.TriggerPullRequest,
		CreatedAt: createdAt,
	}

	labels := BuildLabels(info)

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy],
		"managed-by label should always be set to the constant value")
	assert.Equal(t, "7c2f9f3e-0d9f-4a2a-9f61-2b1df5a1c001", labels[LabelRunID])
	assert.Equal(t, "0.29.1", labels[LabelVersion])
	assert.Equal(t, "pull-request", labels[LabelTrigger])
	assert.Equal(t, "2026-08-30T10:00:00Z", labels[LabelCreatedAt])
	assert.Len(t, labels, 5)
}

// TestBuildLabels_NormalizesToUTC verifies that non-UTC timestamps are
// stored in UTC form.
func TestBuildLabels_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("JST", 9*60*60)
	info := RunInfo{
		RunID:     "run-1",
		Version:   "1.0.0",
		Trigger:   model.TriggerManual,
		CreatedAt: time.Date(2026, 8, 30, 19, 0, 0, 0, loc),
	}

	labels := BuildLabels(info)

	assert.Equal(t, "2026-08-30T10:00:00Z", labels[LabelCreatedAt])
}

// TestParseLabels verifies that ParseLabels reconstructs a RunInfo from
// a Docker label map. This is the inverse of BuildLabels.
func TestParseLabels(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     "run-42",
		LabelVersion:   "0.29.1",
		LabelTrigger:   "manual",
		LabelCreatedAt: "2026-08-30T10:00:00Z",
	}

	info, err := ParseLabels(labels)
	require.NoError(t, err, "ParseLabels should succeed with valid labels")
	assert.Equal(t, "run-42", info.RunID)
	assert.Equal(t, "0.29.1", info.Version)
	assert.Equal(t, model.TriggerManual, info.Trigger)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), info.CreatedAt)
}

// TestParseLabels_MissingRequired verifies that ParseLabels returns an
// error when required labels are missing from the label map.
func TestParseLabels_MissingRequired(t *testing.T) {
	testCases := []struct {
		name       string
		missingKey string
	}{
		{"missing managed-by", LabelManagedBy},
		{"missing run-id", LabelRunID},
		{"missing version", LabelVersion},
		{"missing trigger", LabelTrigger},
		{"missing created-at", LabelCreatedAt},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			labels := map[string]string{
				LabelManagedBy: ManagedByValue,
				LabelRunID:     "run-1",
				LabelVersion:   "1.0.0",
				LabelTrigger:   "pull-request",
				LabelCreatedAt: "2026-08-30T10:00:00Z",
			}
			delete(labels, tc.missingKey)

			_, err := ParseLabels(labels)
			require.Error(t, err, "should fail when %s is missing", tc.missingKey)
			assert.Contains(t, err.Error(), tc.missingKey,
				"error message should mention the missing label key")
		})
	}
}

// TestParseLabels_ReportsAllMissingKeys verifies that a label map with
// several missing keys produces an error naming every one of them.
func TestParseLabels_ReportsAllMissingKeys(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     "run-1",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelVersion)
	assert.Contains(t, err.Error(), LabelTrigger)
	assert.Contains(t, err.Error(), LabelCreatedAt)
}

// TestParseLabels_InvalidManagedBy verifies that ParseLabels rejects
// containers created by some other tool.
func TestParseLabels_InvalidManagedBy(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: "some-other-tool",
		LabelRunID:     "run-1",
		LabelVersion:   "1.0.0",
		LabelTrigger:   "manual",
		LabelCreatedAt: "2026-08-30T10:00:00Z",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not managed by stevedore")
}

// TestParseLabels_InvalidTrigger verifies that an unknown trigger label
// value is rejected.
func TestParseLabels_InvalidTrigger(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     "run-1",
		LabelVersion:   "1.0.0",
		LabelTrigger:   "cron",
		LabelCreatedAt: "2026-08-30T10:00:00Z",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid trigger")
}

// TestParseLabels_InvalidCreatedAt verifies that an unparseable
// timestamp is rejected.
func TestParseLabels_InvalidCreatedAt(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     "run-1",
		LabelVersion:   "1.0.0",
		LabelTrigger:   "manual",
		LabelCreatedAt: "not-a-timestamp",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created-at")
}

// TestBuildAndParseLabelRoundTrip verifies that building labels from a
// RunInfo and parsing them back produces an equivalent RunInfo.
func TestBuildAndParseLabelRoundTrip(t *testing.T) {
	original := RunInfo{
		RunID:     "0b7a33a5-9a9f-4ff3-8f01-aaaa00000001",
		Version:   "2.3.4",
		Trigger:   model.TriggerPullRequest,
		CreatedAt: time.Date(2026, 8, 31, 8, 15, 0, 0, time.UTC),
	}

	parsed, err := ParseLabels(BuildLabels(original))
	require.NoError(t, err)
	assert.Equal(t, original, *parsed)
}

// TestLabelArgs verifies that labelArgs renders --label flags in a
// deterministic, sorted key order.
func TestLabelArgs(t *testing.T) {
	args := labelArgs(map[string]string{
		"stevedore.version": "1.0.0",
		"stevedore.run-id":  "run-1",
	})

	assert.Equal(t, []string{
		"--label", "stevedore.run-id=run-1",
		"--label", "stevedore.version=1.0.0",
	}, args)
}

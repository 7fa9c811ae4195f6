package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// TestInitDBCreatesFileAndSchema verifies that InitDB creates the data
// directory, the database file, and both journal tables.
func TestInitDBCreatesFileAndSchema(t *testing.T) {
	tmp := t.TempDir()
	// Ensure user home resolves to tmp for DBPath
	t.Setenv("HOME", tmp)
	t.Setenv("USERPROFILE", tmp)

	db, err := InitDB()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	dbPath, err := DBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, ".stevedore", "stevedore.db"), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "db file should be created")

	for _, table := range []string{"runs", "steps"} {
		var count int
		row := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		require.NoError(t, row.Scan(&count))
		assert.Equal(t, 1, count, "expected table %q to exist", table)
	}
}

// TestApplyMigrations_AddsRemoteColumn verifies the upgrade path: a
// database created before the remote column existed gets the column
// added on the next open.
func TestApplyMigrations_AddsRemoteColumn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// Simulate a pre-remote database by dropping and recreating runs
	// without the column, then reapplying migrations.
	_, err = db.Exec("DROP TABLE runs")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE runs (
		id TEXT PRIMARY KEY, version TEXT NOT NULL, trigger_kind TEXT NOT NULL,
		outcome TEXT NOT NULL, dry_run INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL, finished_at TEXT NOT NULL)`)
	require.NoError(t, err)

	require.NoError(t, ApplyMigrations(db))

	_, err = db.Exec("SELECT remote FROM runs")
	assert.NoError(t, err, "remote column should exist after migration")
}

func testRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db)
}

// TestRecordRunAndListRuns verifies the round trip of a run with steps
// through the journal.
func TestRecordRunAndListRuns(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	run := Run{
		ID:         NewRunID(),
		Version:    "0.29.1",
		Trigger:    model.TriggerPullRequest,
		Outcome:    model.OutcomeSuccess,
		Remote:     "origin",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Minute),
	}
	steps := []model.StepResult{
		{Seq: 1, Kind: model.StepPublish, Package: "probe-rs", Status: model.StepOK,
			StartedAt: started, FinishedAt: started.Add(time.Minute)},
		{Seq: 2, Kind: model.StepTag, Status: model.StepOK, Detail: "v0.29.1",
			StartedAt: started.Add(time.Minute), FinishedAt: started.Add(2 * time.Minute)},
	}

	require.NoError(t, repo.RecordRun(ctx, run, steps))

	runs, err := repo.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0])

	got, err := repo.StepsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, steps, got)
}

// TestListRuns_OrderAndLimit verifies newest-first ordering and the
// limit parameter.
func TestListRuns_OrderAndLimit(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := Run{
			ID:         NewRunID(),
			Version:    "0.29.1",
			Trigger:    model.TriggerManual,
			Outcome:    model.OutcomeNoop,
			StartedAt:  base.AddDate(0, 0, i),
			FinishedAt: base.AddDate(0, 0, i).Add(time.Minute),
		}
		require.NoError(t, repo.RecordRun(ctx, run, nil))
	}

	runs, err := repo.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt),
		"runs should be ordered newest first")
}

// TestLatestRun verifies LatestRun on both an empty and a populated
// journal.
func TestLatestRun(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	latest, err := repo.LatestRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest, "empty journal should yield nil")

	run := Run{
		ID:         NewRunID(),
		Version:    "1.2.3",
		Trigger:    model.TriggerManual,
		Outcome:    model.OutcomeFailed,
		DryRun:     true,
		StartedAt:  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 8, 30, 10, 1, 0, 0, time.UTC),
	}
	require.NoError(t, repo.RecordRun(ctx, run, nil))

	latest, err = repo.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run, *latest)
	assert.True(t, latest.DryRun)
}

// TestStepsForRun_UnknownRun verifies that an unknown run ID yields an
// empty slice, not an error.
func TestStepsForRun_UnknownRun(t *testing.T) {
	repo := testRepository(t)

	steps, err := repo.StepsForRun(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

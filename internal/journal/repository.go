package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Run is one recorded release run.
type Run struct {
	// ID is the run's UUID, generated by NewRunID.
	ID string `json:"id"`

	// Version is the workspace version the run released (or would have,
	// for dry runs and failures).
	Version string `json:"version"`

	// Trigger is what caused the run.
	Trigger model.TriggerKind `json:"trigger"`

	// Outcome summarizes the run.
	Outcome model.RunOutcome `json:"outcome"`

	// DryRun reports whether the run executed with --dry-run.
	DryRun bool `json:"dryRun,omitempty"`

	// Remote is the git remote tags were pushed to.
	Remote string `json:"remote,omitempty"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Repository provides typed access to the journal tables.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open journal database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordRun inserts a run and all of its steps in a single transaction,
// so history never shows a run without its steps.
func (r *Repository) RecordRun(ctx context.Context, run Run, steps []model.StepResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, version, trigger_kind, outcome, dry_run, remote, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Version, run.Trigger.String(), run.Outcome.String(),
		boolToInt(run.DryRun), run.Remote,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, seq, kind, package, status, detail, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, step.Seq, step.Kind.String(), step.Package,
			step.Status.String(), step.Detail,
			step.StartedAt.UTC().Format(time.RFC3339),
			step.FinishedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert step %d of run %s: %w", step.Seq, run.ID, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first. A limit of 0 or
// less returns everything.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, version, trigger_kind, outcome, dry_run, remote, started_at, finished_at
	          FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run, or (nil, nil) when the journal
// is empty.
func (r *Repository) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := r.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// StepsForRun returns a run's steps in sequence order.
func (r *Repository) StepsForRun(ctx context.Context, runID string) ([]model.StepResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, kind, package, status, detail, started_at, finished_at
		 FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []model.StepResult
	for rows.Next() {
		var step model.StepResult
		var kind, status, startedAt, finishedAt string
		if err := rows.Scan(&step.Seq, &kind, &step.Package, &status, &step.Detail, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan step of run %s: %w", runID, err)
		}
		step.Kind = model.StepKind(kind)
		step.Status, err = model.ParseStepStatus(status)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", runID, err)
		}
		step.StartedAt, err = time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s step %d: parse started_at: %w", runID, step.Seq, err)
		}
		step.FinishedAt, err = time.Parse(time.RFC3339, finishedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s step %d: parse finished_at: %w", runID, step.Seq, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var trigger, outcome, startedAt, finishedAt string
	var dryRun int
	if err := rows.Scan(&run.ID, &run.Version, &trigger, &outcome, &dryRun, &run.Remote, &startedAt, &finishedAt); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	run.Trigger = model.TriggerKind(trigger)
	run.DryRun = dryRun != 0

	var err error
	run.Outcome, err = model.ParseRunOutcome(outcome)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	run.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: parse started_at: %w", run.ID, err)
	}
	run.FinishedAt, err = time.Parse(time.RFC3339, finishedAt)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: parse finished_at: %w", run.ID, err)
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

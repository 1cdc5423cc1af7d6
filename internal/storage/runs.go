package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/podwatch/internal/models"
)

// InsertIngestionRun opens a run row at cycle start and returns its id.
func (r *Repository) InsertIngestionRun(ctx context.Context, startedAt time.Time) (int64, error) {
	const query = `INSERT INTO ingestion_runs (started_at) VALUES (?) RETURNING id`

	var id int64
	if err := r.queryRow(ctx, query, startedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert ingestion run: %w", err)
	}

	return id, nil
}

// FinishIngestionRun writes the final counters and finish time of a run.
func (r *Repository) FinishIngestionRun(ctx context.Context, run models.IngestionRun) error {
	const query = `
	UPDATE ingestion_runs SET
		finished_at = ?, attempted = ?, success = ?, failed = ?, backoff = ?, observed = ?
	WHERE id = ?`

	_, err := r.exec(ctx, query,
		run.FinishedAt, run.Attempted, run.Success, run.Failed, run.Backoff, run.Observed, run.ID)
	if err != nil {
		return fmt.Errorf("finish ingestion run %d: %w", run.ID, err)
	}

	return nil
}

// InsertRunSeedStats writes the per-seed counters of a run in one transaction.
func (r *Repository) InsertRunSeedStats(ctx context.Context, runID int64, stats []models.RunSeedStats) error {
	if len(stats) == 0 {
		return nil
	}

	const query = `
	INSERT INTO ingestion_run_seed_stats (
		run_id, seed_base_url, attempted, backoff, success, failed, observed
	)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	bound := r.rebind(query)
	for _, s := range stats {
		if _, err := tx.ExecContext(ctx, bound,
			runID, s.SeedBaseURL, s.Attempted, s.Backoff, s.Success, s.Failed, s.Observed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert seed stats for run %d: %w", runID, err)
		}
	}

	return tx.Commit()
}

// IngestionRunByID reads one run row back, nil when absent.
func (r *Repository) IngestionRunByID(ctx context.Context, id int64) (*models.IngestionRun, error) {
	const query = `
	SELECT id, started_at, finished_at, attempted, success, failed, backoff, observed
	FROM ingestion_runs
	WHERE id = ?`

	var run models.IngestionRun
	err := r.queryRow(ctx, query, id).Scan(
		&run.ID, &run.StartedAt, &run.FinishedAt,
		&run.Attempted, &run.Success, &run.Failed, &run.Backoff, &run.Observed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &run, nil
}

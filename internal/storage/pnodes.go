package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/podwatch/internal/models"
)

// UpsertPnode inserts a pnode on first sighting or refreshes its gossip
// reachability claim, and returns the state the cycle needs for the probe
// eligibility decision.
func (r *Repository) UpsertPnode(ctx context.Context, pubkey string, isPublic bool, now time.Time) (models.ProbeState, error) {
	const query = `
	INSERT INTO pnodes (pubkey, is_public, failure_count, created_at, updated_at)
	VALUES (?, ?, 0, ?, ?)
	ON CONFLICT(pubkey) DO UPDATE SET
		is_public = excluded.is_public,
		updated_at = excluded.updated_at
	RETURNING id, failure_count, next_stats_allowed_at`

	var state models.ProbeState
	err := r.queryRow(ctx, query, pubkey, isPublic, now, now).
		Scan(&state.ID, &state.FailureCount, &state.NextStatsAllowedAt)
	if err != nil {
		return models.ProbeState{}, fmt.Errorf("upsert pnode %s: %w", pubkey, err)
	}

	return state, nil
}

// GetPnode retrieves one pnode by id, or nil when it does not exist.
func (r *Repository) GetPnode(ctx context.Context, id int64) (*models.Pnode, error) {
	const query = `
	SELECT id, pubkey, is_public, failure_count,
	       last_stats_attempt_at, last_stats_success_at, next_stats_allowed_at,
	       latest_credits, credits_updated_at, created_at, updated_at
	FROM pnodes
	WHERE id = ?`

	var n models.Pnode
	err := r.queryRow(ctx, query, id).Scan(
		&n.ID, &n.Pubkey, &n.IsPublic, &n.FailureCount,
		&n.LastStatsAttemptAt, &n.LastStatsSuccessAt, &n.NextStatsAllowedAt,
		&n.LatestCredits, &n.CreditsUpdatedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}

	return &n, nil
}

// GetPnodeByPubkey retrieves one pnode by its network identity, or nil.
func (r *Repository) GetPnodeByPubkey(ctx context.Context, pubkey string) (*models.Pnode, error) {
	const query = `SELECT id FROM pnodes WHERE pubkey = ?`

	var id int64
	err := r.queryRow(ctx, query, pubkey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return r.GetPnode(ctx, id)
}

// UpdatePnodeBackoff applies a probe-outcome patch. A nil LastStatsSuccessAt
// preserves the stored value; NextStatsAllowedAt is written as given, nil
// meaning eligible immediately.
func (r *Repository) UpdatePnodeBackoff(ctx context.Context, id int64, patch models.BackoffPatch) error {
	const query = `
	UPDATE pnodes SET
		failure_count = ?,
		last_stats_attempt_at = ?,
		last_stats_success_at = COALESCE(?, last_stats_success_at),
		next_stats_allowed_at = ?,
		updated_at = ?
	WHERE id = ?`

	_, err := r.exec(ctx, query,
		patch.FailureCount, patch.LastStatsAttemptAt, patch.LastStatsSuccessAt,
		patch.NextStatsAllowedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update pnode %d backoff: %w", id, err)
	}

	return nil
}

// ClearPnodeBackoff zeroes the failure count and allows the next probe
// immediately (the delayed reset on the eligibility path).
func (r *Repository) ClearPnodeBackoff(ctx context.Context, id int64) error {
	const query = `
	UPDATE pnodes SET failure_count = 0, next_stats_allowed_at = NULL, updated_at = ?
	WHERE id = ?`

	if _, err := r.exec(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("clear pnode %d backoff: %w", id, err)
	}

	return nil
}

// ResetStaleBackoffs clears the backoff of every pnode whose next allowed
// probe time fell behind the cutoff while it still carried failures. Returns
// the number of pnodes reset.
func (r *Repository) ResetStaleBackoffs(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
	UPDATE pnodes SET failure_count = 0, next_stats_allowed_at = NULL, updated_at = ?
	WHERE failure_count > 0
	  AND next_stats_allowed_at IS NOT NULL
	  AND next_stats_allowed_at < ?`

	res, err := r.exec(ctx, query, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale backoffs: %w", err)
	}

	return res.RowsAffected()
}

// ListPnodesPage returns up to limit pnodes with id greater than afterID,
// ordered by id. Keyset paging keeps the snapshot scan bounded.
func (r *Repository) ListPnodesPage(ctx context.Context, afterID int64, limit int) ([]models.Pnode, error) {
	const query = `
	SELECT id, pubkey, is_public, failure_count,
	       last_stats_attempt_at, last_stats_success_at, next_stats_allowed_at,
	       latest_credits, credits_updated_at, created_at, updated_at
	FROM pnodes
	WHERE id > ?
	ORDER BY id ASC
	LIMIT ?`

	rows, err := r.query(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []models.Pnode
	for rows.Next() {
		var n models.Pnode
		if err := rows.Scan(
			&n.ID, &n.Pubkey, &n.IsPublic, &n.FailureCount,
			&n.LastStatsAttemptAt, &n.LastStatsSuccessAt, &n.NextStatsAllowedAt,
			&n.LatestCredits, &n.CreditsUpdatedAt, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// SetPnodeCredits denormalizes the latest credit reading onto the pnode row.
// Reports whether a pnode with that pubkey existed.
func (r *Repository) SetPnodeCredits(ctx context.Context, pubkey string, credits int64, at time.Time) (bool, error) {
	const query = `
	UPDATE pnodes SET latest_credits = ?, credits_updated_at = ?, updated_at = ?
	WHERE pubkey = ?`

	res, err := r.exec(ctx, query, credits, at, time.Now().UTC(), pubkey)
	if err != nil {
		return false, fmt.Errorf("set pnode %s credits: %w", pubkey, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

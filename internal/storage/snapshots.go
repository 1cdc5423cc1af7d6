package storage

import (
	"context"
	"fmt"

	"github.com/woozymasta/podwatch/internal/models"
)

// InsertNetworkSnapshot persists one snapshot with all of its children in a
// single transaction.
func (r *Repository) InsertNetworkSnapshot(
	ctx context.Context,
	snap models.NetworkSnapshot,
	versions []models.VersionStat,
	seeds []models.SeedVisibility,
	credits *models.CreditsStat,
) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	const snapQuery = `
	INSERT INTO network_snapshots (
		run_id, created_at, total_nodes, reachable_nodes, unreachable_nodes,
		reachable_percent, median_uptime_seconds, p90_uptime_seconds,
		total_storage_committed, total_storage_used, nodes_backed_off, nodes_failing_stats
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id`

	var snapshotID int64
	err = tx.QueryRowContext(ctx, r.rebind(snapQuery),
		snap.RunID, snap.CreatedAt, snap.TotalNodes, snap.ReachableNodes, snap.UnreachableNodes,
		snap.ReachablePercent, snap.MedianUptimeSeconds, snap.P90UptimeSeconds,
		snap.TotalStorageCommitted, snap.TotalStorageUsed, snap.NodesBackedOff, snap.NodesFailingStats,
	).Scan(&snapshotID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert network snapshot for run %d: %w", snap.RunID, err)
	}

	versionQuery := r.rebind(`INSERT INTO network_version_stats (snapshot_id, version, node_count) VALUES (?, ?, ?)`)
	for _, v := range versions {
		if _, err := tx.ExecContext(ctx, versionQuery, snapshotID, v.Version, v.NodeCount); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert version stat %q: %w", v.Version, err)
		}
	}

	seedQuery := r.rebind(`
	INSERT INTO network_seed_visibility (snapshot_id, seed_base_url, nodes_seen, fresh, stale, offline)
	VALUES (?, ?, ?, ?, ?, ?)`)
	for _, s := range seeds {
		if _, err := tx.ExecContext(ctx, seedQuery,
			snapshotID, s.SeedBaseURL, s.NodesSeen, s.Fresh, s.Stale, s.Offline); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert seed visibility %q: %w", s.SeedBaseURL, err)
		}
	}

	if credits != nil {
		creditsQuery := r.rebind(`
		INSERT INTO network_credits_stats (snapshot_id, median_credits, p90_credits)
		VALUES (?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, creditsQuery, snapshotID, credits.MedianCredits, credits.P90Credits); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert credits stat: %w", err)
		}
	}

	return tx.Commit()
}

// LatestNetworkSnapshot reads back the most recent snapshot, nil when none.
func (r *Repository) LatestNetworkSnapshot(ctx context.Context) (*models.NetworkSnapshot, error) {
	const query = `
	SELECT id, run_id, created_at, total_nodes, reachable_nodes, unreachable_nodes,
	       reachable_percent, median_uptime_seconds, p90_uptime_seconds,
	       total_storage_committed, total_storage_used, nodes_backed_off, nodes_failing_stats
	FROM network_snapshots
	ORDER BY created_at DESC, id DESC
	LIMIT 1`

	rows, err := r.query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var snap models.NetworkSnapshot
	if err := rows.Scan(
		&snap.ID, &snap.RunID, &snap.CreatedAt, &snap.TotalNodes, &snap.ReachableNodes, &snap.UnreachableNodes,
		&snap.ReachablePercent, &snap.MedianUptimeSeconds, &snap.P90UptimeSeconds,
		&snap.TotalStorageCommitted, &snap.TotalStorageUsed, &snap.NodesBackedOff, &snap.NodesFailingStats,
	); err != nil {
		return nil, err
	}

	return &snap, nil
}

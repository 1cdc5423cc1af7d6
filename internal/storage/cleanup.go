package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// retentionColumns names the time column of every table the cleanup engine
// may touch. Identifiers are taken from this map, never from callers, so no
// user input reaches the SQL text.
var retentionColumns = map[string]string{
	"pnode_gossip_observations": "observed_at",
	"pnode_stats_samples":       "timestamp",
	"ingestion_runs":            "started_at",
}

func retentionColumn(table string) (string, error) {
	column, ok := retentionColumns[table]
	if !ok {
		return "", fmt.Errorf("table %q is not managed by cleanup", table)
	}

	return column, nil
}

// CountRows counts the rows of a cleanup-managed table.
func (r *Repository) CountRows(ctx context.Context, table string) (int64, error) {
	if _, err := retentionColumn(table); err != nil {
		return 0, err
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}

	return count, nil
}

// NthOldest returns the value at zero-based index n of the table's time
// column in ascending order. Deleting strictly below the returned cutoff
// removes exactly the n oldest rows when the column is strictly increasing.
// The second return is false when the table has no such row.
func (r *Repository) NthOldest(ctx context.Context, table string, n int64) (time.Time, bool, error) {
	column, err := retentionColumn(table)
	if err != nil {
		return time.Time{}, false, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC LIMIT 1 OFFSET %d", column, table, column, n)

	var cutoff time.Time
	err = r.db.QueryRowContext(ctx, query).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("nth oldest of %s: %w", table, err)
	}

	return cutoff, true, nil
}

// DeleteOlderThan removes every row whose time column is strictly less than
// the cutoff, so no retained row is ever older than a deleted one. Deletes on
// ingestion_runs cascade to snapshots and per-seed stats.
func (r *Repository) DeleteOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	column, err := retentionColumn(table)
	if err != nil {
		return 0, err
	}

	query := r.rebind(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column))
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}

	return res.RowsAffected()
}

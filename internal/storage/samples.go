package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/woozymasta/podwatch/internal/models"
)

// InsertStatsSample appends the result of one successful probe.
func (r *Repository) InsertStatsSample(ctx context.Context, s models.StatsSample) error {
	const query = `
	INSERT INTO pnode_stats_samples (
		pnode_id, seed_base_url, timestamp, uptime_seconds,
		packets_received, packets_sent, total_bytes, active_streams,
		packets_in_per_sec, packets_out_per_sec
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.exec(ctx, query,
		s.PnodeID, s.SeedBaseURL, s.Timestamp, s.UptimeSeconds,
		s.PacketsReceived, s.PacketsSent, s.TotalBytes, s.ActiveStreams,
		s.PacketsInPerSec, s.PacketsOutPerSec,
	)
	if err != nil {
		return fmt.Errorf("insert stats sample for pnode %d: %w", s.PnodeID, err)
	}

	return nil
}

// LatestStatsSample returns the most recent sample for a pnode, or nil when
// the pnode has never been probed successfully.
func (r *Repository) LatestStatsSample(ctx context.Context, pnodeID int64) (*models.StatsSample, error) {
	const query = `
	SELECT id, pnode_id, seed_base_url, timestamp, uptime_seconds,
	       packets_received, packets_sent, total_bytes, active_streams,
	       packets_in_per_sec, packets_out_per_sec
	FROM pnode_stats_samples
	WHERE pnode_id = ?
	ORDER BY timestamp DESC, id DESC
	LIMIT 1`

	var s models.StatsSample
	err := r.queryRow(ctx, query, pnodeID).Scan(
		&s.ID, &s.PnodeID, &s.SeedBaseURL, &s.Timestamp, &s.UptimeSeconds,
		&s.PacketsReceived, &s.PacketsSent, &s.TotalBytes, &s.ActiveStreams,
		&s.PacketsInPerSec, &s.PacketsOutPerSec,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

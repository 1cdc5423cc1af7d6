package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/podwatch/internal/models"
)

// InsertGossipObservation appends one sighting of a pnode in a seed's view.
func (r *Repository) InsertGossipObservation(ctx context.Context, obs models.GossipObservation) error {
	const query = `
	INSERT INTO pnode_gossip_observations (
		pnode_id, seed_base_url, observed_at, address, version,
		last_seen_timestamp, storage_committed, storage_used,
		storage_usage_percent, is_public
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.exec(ctx, query,
		obs.PnodeID, obs.SeedBaseURL, obs.ObservedAt, obs.Address, obs.Version,
		obs.LastSeenTimestamp, obs.StorageCommitted, obs.StorageUsed,
		obs.StorageUsagePercent, obs.IsPublic,
	)
	if err != nil {
		return fmt.Errorf("insert gossip observation for pnode %d: %w", obs.PnodeID, err)
	}

	return nil
}

// LatestObservation returns the most recent gossip observation for a pnode
// across all seeds, or nil when none exists.
func (r *Repository) LatestObservation(ctx context.Context, pnodeID int64) (*models.GossipObservation, error) {
	const query = `
	SELECT id, pnode_id, seed_base_url, observed_at, address, version,
	       last_seen_timestamp, storage_committed, storage_used,
	       storage_usage_percent, is_public
	FROM pnode_gossip_observations
	WHERE pnode_id = ?
	ORDER BY observed_at DESC, id DESC
	LIMIT 1`

	var obs models.GossipObservation
	err := r.queryRow(ctx, query, pnodeID).Scan(
		&obs.ID, &obs.PnodeID, &obs.SeedBaseURL, &obs.ObservedAt, &obs.Address, &obs.Version,
		&obs.LastSeenTimestamp, &obs.StorageCommitted, &obs.StorageUsed,
		&obs.StorageUsagePercent, &obs.IsPublic,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &obs, nil
}

// SeedSighting is one pnode's most recent appearance in a seed's gossip
// within a query window.
type SeedSighting struct {
	ObservedAt        time.Time
	LastSeenTimestamp *int64
	PnodeID           int64
}

// SeedObservedSince returns, per pnode, the latest sighting this seed
// reported at or after the given time.
func (r *Repository) SeedObservedSince(ctx context.Context, seedBaseURL string, since time.Time) ([]SeedSighting, error) {
	const query = `
	SELECT pnode_id, observed_at, last_seen_timestamp
	FROM pnode_gossip_observations
	WHERE seed_base_url = ? AND observed_at >= ?
	ORDER BY observed_at ASC, id ASC`

	rows, err := r.query(ctx, query, seedBaseURL, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	latest := make(map[int64]SeedSighting)
	for rows.Next() {
		var s SeedSighting
		if err := rows.Scan(&s.PnodeID, &s.ObservedAt, &s.LastSeenTimestamp); err != nil {
			return nil, err
		}
		latest[s.PnodeID] = s // ascending order, last write wins
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sightings := make([]SeedSighting, 0, len(latest))
	for _, s := range latest {
		sightings = append(sightings, s)
	}

	return sightings, nil
}

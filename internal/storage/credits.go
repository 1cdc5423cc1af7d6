package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/podwatch/internal/models"
)

// LatestPodCreditsAt returns when a pod's credits were last snapshotted, or
// nil when no snapshot exists yet.
func (r *Repository) LatestPodCreditsAt(ctx context.Context, podPubkey string) (*time.Time, error) {
	const query = `
	SELECT observed_at FROM pod_credits_snapshots
	WHERE pod_pubkey = ?
	ORDER BY observed_at DESC, id DESC
	LIMIT 1`

	var at time.Time
	err := r.queryRow(ctx, query, podPubkey).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &at, nil
}

// InsertPodCreditsSnapshot appends one credit reading. The two-hour per-pod
// throttle is enforced by the caller via LatestPodCreditsAt.
func (r *Repository) InsertPodCreditsSnapshot(ctx context.Context, snap models.PodCreditsSnapshot) error {
	const query = `
	INSERT INTO pod_credits_snapshots (pod_pubkey, credits, observed_at, seed_base_url)
	VALUES (?, ?, ?, ?)`

	_, err := r.exec(ctx, query, snap.PodPubkey, snap.Credits, snap.ObservedAt, snap.SeedBaseURL)
	if err != nil {
		return fmt.Errorf("insert credits snapshot for %s: %w", snap.PodPubkey, err)
	}

	return nil
}

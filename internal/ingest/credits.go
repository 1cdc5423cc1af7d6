package ingest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/podwatch/internal/credits"
	"github.com/woozymasta/podwatch/internal/metrics"
	"github.com/woozymasta/podwatch/internal/models"
	"github.com/woozymasta/podwatch/internal/storage"
)

// CreditsIngestor folds the external credits document into the store: the
// denormalized per-pnode reading plus throttled append-only snapshots.
type CreditsIngestor struct {
	store         *storage.Repository
	client        *credits.Client
	clock         clockwork.Clock
	snapshotEvery time.Duration
}

// NewCreditsIngestor creates a credits ingestor. A nil clock selects the real
// one; a non-positive snapshot spacing defaults to two hours.
func NewCreditsIngestor(store *storage.Repository, client *credits.Client, snapshotEvery time.Duration, clock clockwork.Clock) *CreditsIngestor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if snapshotEvery <= 0 {
		snapshotEvery = 2 * time.Hour
	}

	return &CreditsIngestor{store: store, client: client, clock: clock, snapshotEvery: snapshotEvery}
}

// Run fetches the credits document once and applies it. A fetch failure is
// returned to the caller; per-pod store errors are logged and counted only.
func (c *CreditsIngestor) Run(ctx context.Context) (updated, snapshots int, err error) {
	entries, err := c.client.GetStorageCredits(ctx)
	if err != nil {
		metrics.CreditsFetchTotal.WithLabelValues("error").Inc()
		return 0, 0, err
	}
	metrics.CreditsFetchTotal.WithLabelValues("ok").Inc()

	now := c.clock.Now().UTC()

	var storeErrors int
	for _, entry := range entries {
		known, err := c.store.SetPnodeCredits(ctx, entry.PodID, entry.Credits, now)
		if err != nil {
			storeErrors++
			log.Error().Err(err).Str("pod", entry.PodID).Msg("Failed to update pnode credits")
			continue
		}
		if known {
			updated++
		}

		last, err := c.store.LatestPodCreditsAt(ctx, entry.PodID)
		if err != nil {
			storeErrors++
			log.Error().Err(err).Str("pod", entry.PodID).Msg("Failed to read last credits snapshot")
			continue
		}
		if last != nil && now.Sub(*last) < c.snapshotEvery {
			continue // throttled: one snapshot per pod per window
		}

		snap := models.PodCreditsSnapshot{
			PodPubkey:  entry.PodID,
			Credits:    entry.Credits,
			ObservedAt: now,
		}
		if err := c.store.InsertPodCreditsSnapshot(ctx, snap); err != nil {
			storeErrors++
			log.Error().Err(err).Str("pod", entry.PodID).Msg("Failed to insert credits snapshot")
			continue
		}
		snapshots++
	}

	log.Info().
		Int("entries", len(entries)).
		Int("updated", updated).
		Int("snapshots", snapshots).
		Int("errors", storeErrors).
		Msg("Credits ingestion finished")

	return updated, snapshots, nil
}

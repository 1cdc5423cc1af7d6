// Package fake provides utilities for generating random network data for
// testing and development purposes.
package fake

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/podwatch/internal/models"
	"github.com/woozymasta/podwatch/internal/storage"
)

// GenerateData populates the storage with a specified number of randomized
// pnodes, each with a short history of gossip observations and stats samples,
// plus one finished ingestion run. Dashboards get something to render without
// a live network.
func GenerateData(store *storage.Repository, count int) {
	ctx := context.Background()

	seeds := []string{
		"http://seeds1.xandeum.network:6000",
		"http://seeds2.xandeum.network:6000",
		"http://seeds3.xandeum.network:6000",
	}
	versions := []string{"0.9.4", "1.0.0", "1.0.2", "1.1.0-rc1"}

	start := time.Now().UTC().Add(-time.Duration(count) * time.Second)

	runID, err := store.InsertIngestionRun(ctx, start)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create fake ingestion run")
		return
	}

	var observed int
	for i := 0; i < count; i++ {
		pubkey := fmt.Sprintf("fakepod%06d", i)
		isPublic := rand.Float32() < 0.8

		state, err := store.UpsertPnode(ctx, pubkey, isPublic, start)
		if err != nil {
			log.Warn().Err(err).Str("pubkey", pubkey).Msg("Failed to generate fake pnode")
			continue
		}
		observed++

		address := fmt.Sprintf("%d.%d.%d.%d:6000", rand.Intn(220)+1, rand.Intn(255), rand.Intn(255), rand.Intn(255))
		version := versions[rand.Intn(len(versions))]
		committed := int64(rand.Intn(4096)+1) * 1 << 30
		used := committed / int64(rand.Intn(9)+2)
		usage := float64(used) / float64(committed)
		lastSeen := start.Unix() - int64(rand.Intn(300))

		// A few cycles of history per pnode, every seed seeing most of them.
		for cycle := 0; cycle < 3; cycle++ {
			observedAt := start.Add(time.Duration(cycle-3) * 4 * time.Minute)

			for _, seed := range seeds {
				if rand.Float32() < 0.2 {
					continue // seeds disagree about the edge of the network
				}

				obs := models.GossipObservation{
					PnodeID:             state.ID,
					SeedBaseURL:         seed,
					ObservedAt:          observedAt,
					Address:             address,
					Version:             &version,
					LastSeenTimestamp:   &lastSeen,
					StorageCommitted:    &committed,
					StorageUsed:         &used,
					StorageUsagePercent: &usage,
					IsPublic:            &isPublic,
				}
				if err := store.InsertGossipObservation(ctx, obs); err != nil {
					log.Warn().Err(err).Str("pubkey", pubkey).Msg("Failed to generate fake observation")
				}
			}

			if !isPublic {
				continue
			}

			uptime := int64(rand.Intn(86400 * 30))
			received := int64(cycle+1) * int64(rand.Intn(100_000)+10_000)
			sent := received / 2
			totalBytes := received * 1400
			streams := int64(rand.Intn(32))

			sample := models.StatsSample{
				PnodeID:         state.ID,
				SeedBaseURL:     seeds[rand.Intn(len(seeds))],
				Timestamp:       observedAt,
				UptimeSeconds:   &uptime,
				PacketsReceived: &received,
				PacketsSent:     &sent,
				TotalBytes:      &totalBytes,
				ActiveStreams:   &streams,
			}
			if err := store.InsertStatsSample(ctx, sample); err != nil {
				log.Warn().Err(err).Str("pubkey", pubkey).Msg("Failed to generate fake sample")
			}
		}
	}

	finished := time.Now().UTC()
	run := models.IngestionRun{
		ID:         runID,
		StartedAt:  start,
		FinishedAt: &finished,
		Attempted:  observed,
		Success:    observed * 8 / 10,
		Failed:     observed - observed*8/10,
		Observed:   observed,
	}
	if err := store.FinishIngestionRun(ctx, run); err != nil {
		log.Error().Err(err).Msg("Failed to finalize fake ingestion run")
	}

	log.Info().Int("pnodes", observed).Int64("run", runID).Msg("Fake data generated")
}

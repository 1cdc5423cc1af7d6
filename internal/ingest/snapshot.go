package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/podwatch/internal/models"
)

// maxSnapshotPages bounds the peer scan so a corrupted id sequence can never
// spin the computer forever.
const maxSnapshotPages = 100_000

// seedVisibilityWindow is how far back a seed's gossip observations count
// toward its visibility bucket.
const seedVisibilityWindow = 10 * time.Minute

// Freshness bucketing of `now − lastSeenTimestamp` for seed visibility.
// lastSeenTimestamp is remote-reported Unix seconds, so host clock skew
// shifts these buckets.
const (
	freshAgeSeconds = 30
	staleAgeSeconds = 120
)

// ComputeSnapshot aggregates the current store contents into one network
// snapshot attached to the given run.
func (e *Engine) ComputeSnapshot(ctx context.Context, runID int64) error {
	now := e.clock.Now().UTC()

	var (
		totalNodes     int
		reachable      int
		nodesBackedOff int
		nodesFailing   int

		totalCommitted int64
		totalUsed      int64

		uptimes  []int64
		credits  []int64
		versions = make(map[string]int)
	)

	afterID := int64(0)
	for page := 0; page < maxSnapshotPages; page++ {
		pnodes, err := e.store.ListPnodesPage(ctx, afterID, e.opts.SnapshotPageSize)
		if err != nil {
			return fmt.Errorf("page pnodes after %d: %w", afterID, err)
		}
		if len(pnodes) == 0 {
			break
		}
		afterID = pnodes[len(pnodes)-1].ID

		for _, n := range pnodes {
			totalNodes++
			if n.IsPublic {
				reachable++
			}
			if n.FailureCount > 0 {
				nodesBackedOff++
				if !n.IsPublic {
					nodesFailing++
				}
			}
			if n.LatestCredits != nil {
				credits = append(credits, *n.LatestCredits)
			}

			obs, err := e.store.LatestObservation(ctx, n.ID)
			if err != nil {
				return fmt.Errorf("latest observation for pnode %d: %w", n.ID, err)
			}

			version := "unknown"
			if obs != nil {
				if obs.Version != nil && *obs.Version != "" {
					version = *obs.Version
				}
				if obs.StorageCommitted != nil {
					totalCommitted += *obs.StorageCommitted
				}
				if obs.StorageUsed != nil {
					totalUsed += *obs.StorageUsed
				}
			}
			versions[version]++

			sample, err := e.store.LatestStatsSample(ctx, n.ID)
			if err != nil {
				return fmt.Errorf("latest sample for pnode %d: %w", n.ID, err)
			}
			if sample != nil && sample.UptimeSeconds != nil && *sample.UptimeSeconds > 0 {
				uptimes = append(uptimes, *sample.UptimeSeconds)
			}
		}
	}

	reachablePercent := 0.0
	if totalNodes > 0 {
		reachablePercent = float64(reachable) / float64(totalNodes) * 100
	}

	sort.Slice(uptimes, func(i, j int) bool { return uptimes[i] < uptimes[j] })
	sort.Slice(credits, func(i, j int) bool { return credits[i] < credits[j] })

	snapshot := models.NetworkSnapshot{
		RunID:                 runID,
		CreatedAt:             now,
		TotalNodes:            totalNodes,
		ReachableNodes:        reachable,
		UnreachableNodes:      totalNodes - reachable,
		ReachablePercent:      reachablePercent,
		MedianUptimeSeconds:   percentile(uptimes, 50),
		P90UptimeSeconds:      percentile(uptimes, 90),
		TotalStorageCommitted: totalCommitted,
		TotalStorageUsed:      totalUsed,
		NodesBackedOff:        nodesBackedOff,
		NodesFailingStats:     nodesFailing,
	}

	versionStats := make([]models.VersionStat, 0, len(versions))
	for version, count := range versions {
		versionStats = append(versionStats, models.VersionStat{Version: version, NodeCount: count})
	}
	sort.Slice(versionStats, func(i, j int) bool { return versionStats[i].Version < versionStats[j].Version })

	seedVisibility, err := e.computeSeedVisibility(ctx, now)
	if err != nil {
		return err
	}

	creditsStat := models.CreditsStat{
		MedianCredits: percentile(credits, 50),
		P90Credits:    percentile(credits, 90),
	}

	if err := e.store.InsertNetworkSnapshot(ctx, snapshot, versionStats, seedVisibility, &creditsStat); err != nil {
		return err
	}

	log.Info().
		Int("total", totalNodes).
		Int("reachable", reachable).
		Str("storage_committed", humanize.Bytes(uint64(max(totalCommitted, 0)))).
		Str("storage_used", humanize.Bytes(uint64(max(totalUsed, 0)))).
		Int64("run", runID).
		Msg("Network snapshot written")

	return nil
}

// computeSeedVisibility buckets each seed's recently observed pnodes by the
// age of their remote-reported last-seen time.
func (e *Engine) computeSeedVisibility(ctx context.Context, now time.Time) ([]models.SeedVisibility, error) {
	visibility := make([]models.SeedVisibility, 0, len(e.opts.Seeds))

	for _, seed := range e.opts.Seeds {
		sightings, err := e.store.SeedObservedSince(ctx, seed, now.Add(-seedVisibilityWindow))
		if err != nil {
			return nil, fmt.Errorf("seed visibility for %s: %w", seed, err)
		}

		vis := models.SeedVisibility{SeedBaseURL: seed, NodesSeen: len(sightings)}
		for _, s := range sightings {
			switch {
			case s.LastSeenTimestamp == nil:
				vis.Offline++
			case now.Unix()-*s.LastSeenTimestamp < freshAgeSeconds:
				vis.Fresh++
			case now.Unix()-*s.LastSeenTimestamp < staleAgeSeconds:
				vis.Stale++
			default:
				vis.Offline++
			}
		}

		visibility = append(visibility, vis)
	}

	return visibility, nil
}

// percentile returns the p-th percentile of ascending-sorted values using the
// ceiling-index definition, or 0 for an empty input.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/podwatch/internal/models"
	"github.com/woozymasta/podwatch/internal/rpc"
)

func str(v string) *string { return &v }
func i64p(v int64) *int64  { return &v }
func boolp(v bool) *bool   { return &v }

func TestComputeSnapshot_EmptyStore(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	runID, err := store.InsertIngestionRun(context.Background(), now)
	require.NoError(t, err)

	engine := New(store, rpc.New(time.Second), Options{Seeds: []string{"http://seed.test:6000"}}, clock)
	require.NoError(t, engine.ComputeSnapshot(context.Background(), runID))

	snap, err := store.LatestNetworkSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Zero(t, snap.TotalNodes)
	require.Zero(t, snap.ReachablePercent)
	require.Zero(t, snap.MedianUptimeSeconds)
	require.Zero(t, snap.P90UptimeSeconds)
	require.Zero(t, snap.TotalStorageCommitted)
	require.Zero(t, snap.TotalStorageUsed)
}

func TestComputeSnapshot_Aggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	seed := "http://seed.test:6000"

	type fixture struct {
		pubkey    string
		isPublic  bool
		failures  int
		version   *string
		committed *int64
		used      *int64
		uptime    *int64
	}

	fixtures := []fixture{
		{pubkey: "A", isPublic: true, version: str("1.0.0"), committed: i64p(100), used: i64p(40), uptime: i64p(100)},
		{pubkey: "B", isPublic: true, version: str("1.0.0"), committed: i64p(200), used: i64p(60), uptime: i64p(300)},
		{pubkey: "C", isPublic: false, failures: 2, version: nil},
		{pubkey: "D", isPublic: true, uptime: i64p(200)},
	}

	for _, f := range fixtures {
		state, err := store.UpsertPnode(ctx, f.pubkey, f.isPublic, now)
		require.NoError(t, err)

		if f.failures > 0 {
			attempt := now.Add(-time.Minute)
			next := now.Add(time.Hour)
			require.NoError(t, store.UpdatePnodeBackoff(ctx, state.ID, models.BackoffPatch{
				FailureCount:       f.failures,
				LastStatsAttemptAt: &attempt,
				NextStatsAllowedAt: &next,
			}))
		}

		if f.version != nil || f.committed != nil {
			require.NoError(t, store.InsertGossipObservation(ctx, models.GossipObservation{
				PnodeID:          state.ID,
				SeedBaseURL:      seed,
				ObservedAt:       now.Add(-time.Minute),
				Address:          "10.0.0.1:6000",
				Version:          f.version,
				StorageCommitted: f.committed,
				StorageUsed:      f.used,
				IsPublic:         boolp(f.isPublic),
			}))
		}

		if f.uptime != nil {
			require.NoError(t, store.InsertStatsSample(ctx, models.StatsSample{
				PnodeID:       state.ID,
				SeedBaseURL:   seed,
				Timestamp:     now.Add(-time.Minute),
				UptimeSeconds: f.uptime,
			}))
		}
	}

	runID, err := store.InsertIngestionRun(ctx, now)
	require.NoError(t, err)

	engine := New(store, rpc.New(time.Second), Options{Seeds: []string{seed}}, clock)
	require.NoError(t, engine.ComputeSnapshot(ctx, runID))

	snap, err := store.LatestNetworkSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, runID, snap.RunID)
	require.Equal(t, 4, snap.TotalNodes)
	require.Equal(t, 3, snap.ReachableNodes)
	require.Equal(t, 1, snap.UnreachableNodes)
	require.InDelta(t, 75.0, snap.ReachablePercent, 1e-9)
	require.Equal(t, int64(200), snap.MedianUptimeSeconds)
	require.Equal(t, int64(300), snap.P90UptimeSeconds)
	require.Equal(t, int64(300), snap.TotalStorageCommitted)
	require.Equal(t, int64(100), snap.TotalStorageUsed)
	require.Equal(t, 1, snap.NodesBackedOff)
	require.Equal(t, 1, snap.NodesFailingStats)
}

func TestComputeSeedVisibility_Buckets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	seed := "http://seed.test:6000"

	cases := []struct {
		pubkey   string
		lastSeen *int64
		observed time.Time
	}{
		{pubkey: "fresh", lastSeen: i64p(now.Unix() - 10), observed: now.Add(-time.Minute)},
		{pubkey: "stale", lastSeen: i64p(now.Unix() - 60), observed: now.Add(-time.Minute)},
		{pubkey: "offline", lastSeen: i64p(now.Unix() - 500), observed: now.Add(-time.Minute)},
		{pubkey: "missing", lastSeen: nil, observed: now.Add(-time.Minute)},
		{pubkey: "ancient", lastSeen: i64p(now.Unix() - 10), observed: now.Add(-20 * time.Minute)},
	}

	for _, c := range cases {
		state, err := store.UpsertPnode(ctx, c.pubkey, true, now)
		require.NoError(t, err)
		require.NoError(t, store.InsertGossipObservation(ctx, models.GossipObservation{
			PnodeID:           state.ID,
			SeedBaseURL:       seed,
			ObservedAt:        c.observed,
			Address:           "10.0.0.1:6000",
			LastSeenTimestamp: c.lastSeen,
		}))
	}

	engine := New(store, rpc.New(time.Second), Options{Seeds: []string{seed}}, clock)

	visibility, err := engine.computeSeedVisibility(ctx, now)
	require.NoError(t, err)
	require.Len(t, visibility, 1)

	vis := visibility[0]
	require.Equal(t, seed, vis.SeedBaseURL)
	require.Equal(t, 4, vis.NodesSeen, "the 20-minute-old sighting is outside the window")
	require.Equal(t, 1, vis.Fresh)
	require.Equal(t, 1, vis.Stale)
	require.Equal(t, 2, vis.Offline, "missing last-seen counts as offline")
}

func TestPercentile(t *testing.T) {
	require.EqualValues(t, 0, percentile(nil, 50))
	require.EqualValues(t, 7, percentile([]int64{7}, 50))
	require.EqualValues(t, 7, percentile([]int64{7}, 90))

	values := []int64{100, 200, 300}
	require.EqualValues(t, 200, percentile(values, 50))
	require.EqualValues(t, 300, percentile(values, 90))

	four := []int64{1, 2, 3, 4}
	require.EqualValues(t, 2, percentile(four, 50))
	require.EqualValues(t, 4, percentile(four, 90))
	require.EqualValues(t, 1, percentile(four, 0))
	require.EqualValues(t, 4, percentile(four, 100))
}

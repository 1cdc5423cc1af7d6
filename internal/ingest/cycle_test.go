package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/podwatch/internal/models"
	"github.com/woozymasta/podwatch/internal/rpc"
	"github.com/woozymasta/podwatch/internal/storage"
)

func newTestStore(t *testing.T) *storage.Repository {
	t.Helper()

	store, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "podwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// seedServer serves a configurable get-pods-with-stats gossip view.
func seedServer(t *testing.T, pods *atomic.Value) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := pods.Load().(string)
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"pods":%s,"total_count":0}}`, body)
	}))
	t.Cleanup(srv.Close)

	return srv
}

// probeServer serves get-stats and counts calls. Its listen port doubles as
// the engine's fixed probe port, so any 127.0.0.1 gossip address routes here.
func probeServer(t *testing.T, stats *atomic.Value, calls *atomic.Int64) (*httptest.Server, int) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := stats.Load().(string)
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, body)
	}))
	t.Cleanup(srv.Close)

	parts := strings.Split(srv.Listener.Addr().String(), ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	require.NoError(t, err)

	return srv, port
}

func newTestEngine(store *storage.Repository, seeds []string, probePort int, clock clockwork.Clock) *Engine {
	return New(store, rpc.New(time.Second), Options{
		Seeds:         seeds,
		ProbePort:     probePort,
		ProbeCooldown: 60 * time.Second,
	}, clock)
}

func TestRunCycle_FirstSighting(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"A","address":"127.0.0.1:6000","version":"1.0","last_seen_timestamp":1700000000,
		"storage_committed":100,"storage_used":40,"storage_usage_percent":0.4,"is_public":true}]`)
	stats.Store(`{"uptime":120,"packets_received":100,"packets_sent":50,"total_bytes":1000,"active_streams":2}`)

	seed := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)

	engine := newTestEngine(store, []string{seed.URL}, probePort, clock)

	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.StatsAttempt)
	require.Equal(t, 1, summary.StatsSuccess)
	require.Equal(t, 0, summary.StatsFailure)
	require.Equal(t, 0, summary.BackoffCount)
	require.Equal(t, 1, summary.Observed)
	require.Equal(t, 1, summary.GossipObs)
	require.EqualValues(t, 1, probeCalls.Load())

	pnode, err := store.GetPnodeByPubkey(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, pnode)
	require.True(t, pnode.IsPublic)
	require.Zero(t, pnode.FailureCount)
	require.NotNil(t, pnode.NextStatsAllowedAt)
	require.WithinDuration(t, start.Add(60*time.Second), *pnode.NextStatsAllowedAt, time.Second)
	require.NotNil(t, pnode.LastStatsSuccessAt)
	require.WithinDuration(t, start, *pnode.LastStatsSuccessAt, time.Second)

	obs, err := store.LatestObservation(context.Background(), pnode.ID)
	require.NoError(t, err)
	require.NotNil(t, obs)
	require.Equal(t, seed.URL, obs.SeedBaseURL)
	require.Equal(t, "127.0.0.1:6000", obs.Address)
	require.Equal(t, int64(100), *obs.StorageCommitted)
	require.Equal(t, int64(40), *obs.StorageUsed)

	sample, err := store.LatestStatsSample(context.Background(), pnode.ID)
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.Equal(t, int64(120), *sample.UptimeSeconds)
	require.Nil(t, sample.PacketsInPerSec, "no prior sample, rates must be nil")
	require.Nil(t, sample.PacketsOutPerSec)

	run, err := store.IngestionRunByID(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Equal(t, 1, run.Attempted)
	require.Equal(t, 1, run.Success)
	require.Equal(t, 0, run.Failed)
	require.NotNil(t, run.FinishedAt)
}

func TestRunCycle_RateDerivation(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"A","address":"127.0.0.1:6000","is_public":true}]`)
	stats.Store(`{"uptime":120,"packets_received":100,"packets_sent":50,"total_bytes":1000,"active_streams":2}`)

	seed := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)
	engine := newTestEngine(store, []string{seed.URL}, probePort, clock)

	_, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	// Second cycle 60 s later with advanced counters.
	clock.Advance(60 * time.Second)
	stats.Store(`{"uptime":180,"packets_received":700,"packets_sent":350,"total_bytes":7000,"active_streams":2}`)

	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.StatsSuccess)

	pnode, err := store.GetPnodeByPubkey(context.Background(), "A")
	require.NoError(t, err)

	sample, err := store.LatestStatsSample(context.Background(), pnode.ID)
	require.NoError(t, err)
	require.NotNil(t, sample.PacketsInPerSec)
	require.InDelta(t, 10.0, *sample.PacketsInPerSec, 1e-9)
	require.NotNil(t, sample.PacketsOutPerSec)
	require.InDelta(t, 5.0, *sample.PacketsOutPerSec, 1e-9)
}

func TestRunCycle_ProbeFailureBackoffGrowth(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	// Pod B probes a loopback address nothing listens on.
	var pods atomic.Value
	pods.Store(`[{"pubkey":"B","address":"127.0.0.2:6000"}]`)
	seed := seedServer(t, &pods)

	// Prior state: two failed probes, backoff already lapsed.
	state, err := store.UpsertPnode(context.Background(), "B", false, start.Add(-time.Hour))
	require.NoError(t, err)
	attempt := start.Add(-time.Hour)
	require.NoError(t, store.UpdatePnodeBackoff(context.Background(), state.ID, models.BackoffPatch{
		FailureCount:       2,
		LastStatsAttemptAt: &attempt,
	}))

	engine := newTestEngine(store, []string{seed.URL}, 1, clock) // port 1 never listens
	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.StatsAttempt)
	require.Equal(t, 0, summary.StatsSuccess)
	require.Equal(t, 1, summary.StatsFailure)

	pnode, err := store.GetPnodeByPubkey(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, 3, pnode.FailureCount)
	require.NotNil(t, pnode.NextStatsAllowedAt)
	require.WithinDuration(t, start.Add(480*time.Second), *pnode.NextStatsAllowedAt, time.Second,
		"delay must be 60·2^3 seconds")

	sample, err := store.LatestStatsSample(context.Background(), pnode.ID)
	require.NoError(t, err)
	require.Nil(t, sample, "failed probe must not produce a sample")
}

func TestRunCycle_BackoffCap(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods atomic.Value
	pods.Store(`[{"pubkey":"B","address":"127.0.0.2:6000"}]`)
	seed := seedServer(t, &pods)

	state, err := store.UpsertPnode(context.Background(), "B", false, start.Add(-time.Hour))
	require.NoError(t, err)
	attempt := start.Add(-time.Hour)
	require.NoError(t, store.UpdatePnodeBackoff(context.Background(), state.ID, models.BackoffPatch{
		FailureCount:       9,
		LastStatsAttemptAt: &attempt,
	}))

	engine := newTestEngine(store, []string{seed.URL}, 1, clock)
	_, err = engine.RunCycle(context.Background())
	require.NoError(t, err)

	pnode, err := store.GetPnodeByPubkey(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, 10, pnode.FailureCount)
	require.WithinDuration(t, start.Add(60*32*time.Second), *pnode.NextStatsAllowedAt, time.Second,
		"exponent is capped at 5")
}

func TestRunCycle_DedupAcrossSeeds(t *testing.T) {
	store := newTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"C","address":"127.0.0.1:6000","is_public":true}]`)
	stats.Store(`{"uptime":10}`)

	seed1 := seedServer(t, &pods)
	seed2 := seedServer(t, &pods)
	seed3 := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)

	engine := newTestEngine(store, []string{seed1.URL, seed2.URL, seed3.URL}, probePort, clock)

	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, probeCalls.Load(), "dedup must collapse probes across seeds")
	require.Equal(t, 1, summary.StatsAttempt)
	require.Equal(t, 3, summary.GossipObs, "one observation per seed")
	require.Equal(t, 1, summary.Observed)

	var attempted int
	for _, s := range summary.SeedStats {
		attempted += s.Attempted
		require.Equal(t, 1, s.Observed)
	}
	require.Equal(t, 1, attempted, "exactly one seed owns the dedup winner")
}

func TestRunCycle_SeedFailureIsolation(t *testing.T) {
	store := newTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"D","address":"127.0.0.1:6000","is_public":true},
		{"pubkey":"E","address":"127.0.0.1:6000","is_public":false}]`)
	stats.Store(`{"uptime":10}`)

	healthy := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)

	engine := newTestEngine(store, []string{broken.URL, healthy.URL}, probePort, clock)

	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, summary.Observed)
	require.Equal(t, 2, summary.GossipObs)
	require.Len(t, summary.SeedStats, 2)

	require.Equal(t, broken.URL, summary.SeedStats[0].SeedBaseURL)
	require.Equal(t, models.RunSeedStats{RunID: summary.RunID, SeedBaseURL: broken.URL}, summary.SeedStats[0],
		"failed seed must report all-zero counters")

	require.Equal(t, 2, summary.SeedStats[1].Observed)
	require.Equal(t, 2, summary.SeedStats[1].Attempted)
	require.Equal(t, 2, summary.SeedStats[1].Success)
}

func TestRunCycle_MissingPubkeyIgnored(t *testing.T) {
	store := newTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"address":"127.0.0.1:6000","is_public":true},{"pubkey":"","address":"127.0.0.1:6000"}]`)
	stats.Store(`{"uptime":10}`)

	seed := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)

	engine := newTestEngine(store, []string{seed.URL}, probePort, clock)

	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Zero(t, summary.Observed)
	require.Zero(t, summary.GossipObs)
	require.Zero(t, summary.StatsAttempt)
	require.Zero(t, probeCalls.Load())
}

func TestRunCycle_BackoffSkip(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"F","address":"127.0.0.1:6000"}]`)
	stats.Store(`{"uptime":10}`)

	seed := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)

	state, err := store.UpsertPnode(context.Background(), "F", false, start.Add(-time.Hour))
	require.NoError(t, err)
	next := start.Add(time.Hour)
	attempt := start.Add(-time.Minute)
	require.NoError(t, store.UpdatePnodeBackoff(context.Background(), state.ID, models.BackoffPatch{
		FailureCount:       1,
		LastStatsAttemptAt: &attempt,
		NextStatsAllowedAt: &next,
	}))

	engine := newTestEngine(store, []string{seed.URL}, probePort, clock)
	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.BackoffCount)
	require.Zero(t, summary.StatsAttempt)
	require.Zero(t, probeCalls.Load(), "backed-off pnode must not be probed")
	require.Equal(t, 1, summary.Observed, "backed-off pnode still counts as observed")

	sample, err := store.LatestStatsSample(context.Background(), state.ID)
	require.NoError(t, err)
	require.Nil(t, sample)
}

func TestRunCycle_DelayedBackoffReset(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"G","address":"127.0.0.1:6000"}]`)
	stats.Store(`{"uptime":10}`)

	seed := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)

	// Backoff window already lapsed: eligible again, failure state cleared on
	// the way to the probe.
	state, err := store.UpsertPnode(context.Background(), "G", false, start.Add(-time.Hour))
	require.NoError(t, err)
	next := start.Add(-10 * time.Second)
	attempt := start.Add(-10 * time.Minute)
	require.NoError(t, store.UpdatePnodeBackoff(context.Background(), state.ID, models.BackoffPatch{
		FailureCount:       2,
		LastStatsAttemptAt: &attempt,
		NextStatsAllowedAt: &next,
	}))

	engine := newTestEngine(store, []string{seed.URL}, probePort, clock)
	summary, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Zero(t, summary.BackoffCount)
	require.Equal(t, 1, summary.StatsSuccess)

	pnode, err := store.GetPnode(context.Background(), state.ID)
	require.NoError(t, err)
	require.Zero(t, pnode.FailureCount)
	require.WithinDuration(t, start.Add(60*time.Second), *pnode.NextStatsAllowedAt, time.Second)
}

func TestRunCycle_StaleBackoffReset(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods atomic.Value
	pods.Store(`[]`)
	seed := seedServer(t, &pods)

	// Exiled long ago: next allowed fell more than 24 h behind.
	state, err := store.UpsertPnode(context.Background(), "H", false, start.Add(-48*time.Hour))
	require.NoError(t, err)
	next := start.Add(-25 * time.Hour)
	attempt := start.Add(-26 * time.Hour)
	require.NoError(t, store.UpdatePnodeBackoff(context.Background(), state.ID, models.BackoffPatch{
		FailureCount:       5,
		LastStatsAttemptAt: &attempt,
		NextStatsAllowedAt: &next,
	}))

	engine := newTestEngine(store, []string{seed.URL}, 1, clock)
	_, err = engine.RunCycle(context.Background())
	require.NoError(t, err)

	pnode, err := store.GetPnode(context.Background(), state.ID)
	require.NoError(t, err)
	require.Zero(t, pnode.FailureCount)
	require.Nil(t, pnode.NextStatsAllowedAt)
}

func TestRunCycle_Idempotence(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var pods, stats atomic.Value
	var probeCalls atomic.Int64
	pods.Store(`[{"pubkey":"A","address":"127.0.0.1:6000","is_public":true}]`)
	stats.Store(`{"uptime":10}`)

	seed := seedServer(t, &pods)
	_, probePort := probeServer(t, &stats, &probeCalls)
	engine := newTestEngine(store, []string{seed.URL}, probePort, clock)

	_, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	// Re-running against unchanged seed responses at a later eligible time
	// yields exactly one more observation and one more probe, on one pnode.
	clock.Advance(4 * time.Minute)
	_, err = engine.RunCycle(context.Background())
	require.NoError(t, err)

	pnode, err := store.GetPnodeByPubkey(context.Background(), "A")
	require.NoError(t, err)

	sightings, err := store.SeedObservedSince(context.Background(), seed.URL, start.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, sightings, 1, "same pnode, not a new identity per cycle")
	require.Equal(t, pnode.ID, sightings[0].PnodeID)
	require.EqualValues(t, 2, probeCalls.Load())
}

func TestProbeBaseURL(t *testing.T) {
	engine := New(newTestStore(t), rpc.New(time.Second), Options{ProbePort: 6000}, nil)

	require.Equal(t, "http://10.1.2.3:6000", engine.probeBaseURL("10.1.2.3:9001"))
	require.Equal(t, "http://10.1.2.3:6000", engine.probeBaseURL("10.1.2.3"))
	require.Equal(t, "http://[2001:db8::1]:6000", engine.probeBaseURL("[2001:db8::1]:9001"))
}

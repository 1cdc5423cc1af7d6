// Package ingest implements the periodic ingestion cycle: gossip collection
// from all configured seeds, deduplicated stats probing with exponential
// backoff, and the per-run network snapshot.
package ingest

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/podwatch/internal/metrics"
	"github.com/woozymasta/podwatch/internal/models"
	"github.com/woozymasta/podwatch/internal/rates"
	"github.com/woozymasta/podwatch/internal/rpc"
	"github.com/woozymasta/podwatch/internal/storage"
)

// Options tunes one ingestion engine.
type Options struct {
	Seeds             []string
	SeedConcurrency   int
	ProbeBatchSize    int
	ProbePort         int
	ProbeCooldown     time.Duration
	BackoffResetAfter time.Duration
	SnapshotPageSize  int
}

func (o *Options) withDefaults() {
	if o.SeedConcurrency <= 0 {
		o.SeedConcurrency = 8
	}
	if o.ProbeBatchSize <= 0 {
		o.ProbeBatchSize = 50
	}
	if o.ProbePort <= 0 {
		o.ProbePort = 6000
	}
	if o.ProbeCooldown <= 0 {
		o.ProbeCooldown = 60 * time.Second
	}
	if o.BackoffResetAfter <= 0 {
		o.BackoffResetAfter = 24 * time.Hour
	}
	if o.SnapshotPageSize <= 0 {
		o.SnapshotPageSize = 500
	}
}

// maxBackoffExponent caps the failure count used for the probe backoff delay.
const maxBackoffExponent = 5

// Engine runs ingestion cycles against one store and one RPC client.
type Engine struct {
	store *storage.Repository
	rpc   *rpc.Client
	clock clockwork.Clock
	opts  Options
}

// New creates an ingestion engine. A nil clock selects the real one.
func New(store *storage.Repository, client *rpc.Client, opts Options, clock clockwork.Clock) *Engine {
	opts.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Engine{store: store, rpc: client, clock: clock, opts: opts}
}

// Summary holds the global counters of one finished cycle.
type Summary struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	SeedStats    []models.RunSeedStats
	RunID        int64
	TotalPods    int
	GossipObs    int
	StatsAttempt int
	StatsSuccess int
	StatsFailure int
	BackoffCount int
	Observed     int
}

// probeTask is one deduplicated stats probe: the winning (seed, pnode) pair.
type probeTask struct {
	seedBaseURL  string
	probeBaseURL string
	pnodeID      int64
	failureCount int
}

// seedCounters accumulates one seed's share of the cycle.
type seedCounters struct {
	observed  map[int64]struct{}
	gossipObs int
	backoff   int
	attempted int
	success   int
	failed    int
}

// cycleState is the cycle-scoped shared state across seed branches and probe
// tasks. Guarded by a single mutex; all critical sections are short.
type cycleState struct {
	observed map[uint64]struct{}
	backoff  map[int64]struct{}
	tasks    map[int64]probeTask
	order    []int64
	seeds    map[string]*seedCounters
	mu       sync.Mutex
}

func newCycleState(seeds []string) *cycleState {
	st := &cycleState{
		observed: make(map[uint64]struct{}),
		backoff:  make(map[int64]struct{}),
		tasks:    make(map[int64]probeTask),
		seeds:    make(map[string]*seedCounters, len(seeds)),
	}
	for _, seed := range seeds {
		st.seeds[seed] = &seedCounters{observed: make(map[int64]struct{})}
	}

	return st
}

// RunCycle executes one full ingestion cycle and returns its summary. Only
// store failures writing the run row or its per-seed stats are fatal; every
// per-seed and per-pnode error is local.
func (e *Engine) RunCycle(ctx context.Context) (*Summary, error) {
	start := e.clock.Now().UTC()

	// Stage A: un-exile pnodes whose backoff expired long ago, so a worker
	// outage does not leave them skipped forever.
	if reset, err := e.store.ResetStaleBackoffs(ctx, start.Add(-e.opts.BackoffResetAfter)); err != nil {
		log.Error().Err(err).Msg("Failed to reset stale backoffs")
	} else if reset > 0 {
		log.Info().Int64("pnodes", reset).Msg("Cleared stale probe backoffs")
	}

	runID, err := e.store.InsertIngestionRun(ctx, start)
	if err != nil {
		return nil, err
	}

	state := newCycleState(e.opts.Seeds)

	// Stage B: gossip fan-out, bounded across seeds.
	seedPool := pond.NewPool(e.opts.SeedConcurrency)
	group := seedPool.NewGroup()
	for _, seed := range e.opts.Seeds {
		group.Submit(func() {
			e.collectSeed(ctx, seed, start, state)
		})
	}
	_ = group.Wait()
	seedPool.StopAndWait()

	// Stage C happened incrementally: state.tasks keeps the first task per
	// pnode, so each pnode is probed once regardless of how many seeds saw it.
	tasks := make([]probeTask, 0, len(state.order))
	for _, id := range state.order {
		tasks = append(tasks, state.tasks[id])
	}

	// Stage D: probe fan-out in sequential batches, concurrent within each.
	probePool := pond.NewPool(e.opts.ProbeBatchSize)
	for batchStart := 0; batchStart < len(tasks); batchStart += e.opts.ProbeBatchSize {
		batch := tasks[batchStart:min(batchStart+e.opts.ProbeBatchSize, len(tasks))]

		batchGroup := probePool.NewGroup()
		for _, task := range batch {
			batchGroup.Submit(func() {
				e.probe(ctx, task, start, state)
			})
		}
		_ = batchGroup.Wait()
	}
	probePool.StopAndWait()

	// Stage E: summarize and finalize the run row.
	summary := e.summarize(runID, start, state)

	finished := e.clock.Now().UTC()
	summary.FinishedAt = finished

	run := models.IngestionRun{
		ID:         runID,
		StartedAt:  start,
		FinishedAt: &finished,
		Attempted:  summary.StatsAttempt,
		Success:    summary.StatsSuccess,
		Failed:     summary.StatsFailure,
		Backoff:    summary.BackoffCount,
		Observed:   summary.Observed,
	}
	if err := e.store.FinishIngestionRun(ctx, run); err != nil {
		return nil, err
	}
	if err := e.store.InsertRunSeedStats(ctx, runID, summary.SeedStats); err != nil {
		return nil, err
	}

	metrics.ObservedPnodes.Set(float64(summary.Observed))
	metrics.BackedOffPnodes.Set(float64(summary.BackoffCount))

	return summary, nil
}

// collectSeed runs one seed's gossip branch: fetch, then fan out over pods.
func (e *Engine) collectSeed(ctx context.Context, seed string, start time.Time, state *cycleState) {
	pods, err := e.rpc.GetPods(ctx, seed)
	if err != nil {
		metrics.SeedGossipTotal.WithLabelValues(seed, "error").Inc()
		log.Warn().Err(err).Str("seed", seed).Msg("Seed gossip fetch failed")
		return // seed counters stay zero, the cycle continues
	}
	metrics.SeedGossipTotal.WithLabelValues(seed, "ok").Inc()

	var wg sync.WaitGroup
	for _, pod := range pods {
		if pod.Pubkey == nil || *pod.Pubkey == "" {
			continue // gossip entries without identity are ignored
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ingestPod(ctx, seed, pod, start, state)
		}()
	}
	wg.Wait()
}

// ingestPod upserts the pnode, records the gossip observation, and decides
// probe eligibility. The observation write strictly precedes the decision.
func (e *Engine) ingestPod(ctx context.Context, seed string, pod rpc.PodInfo, start time.Time, state *cycleState) {
	pubkey := *pod.Pubkey

	isPublic := false
	if pod.IsPublic != nil {
		isPublic = *pod.IsPublic
	}

	probeState, err := e.store.UpsertPnode(ctx, pubkey, isPublic, start)
	if err != nil {
		log.Error().Err(err).Str("seed", seed).Str("pubkey", pubkey).Msg("Failed to upsert pnode")
		return
	}

	obs := models.GossipObservation{
		PnodeID:             probeState.ID,
		SeedBaseURL:         seed,
		ObservedAt:          e.clock.Now().UTC(),
		Address:             pod.Address,
		Version:             pod.Version,
		LastSeenTimestamp:   pod.LastSeenTimestamp,
		StorageCommitted:    pod.StorageCommitted,
		StorageUsed:         pod.StorageUsed,
		StorageUsagePercent: pod.StorageUsagePercent,
		IsPublic:            pod.IsPublic,
	}
	if err := e.store.InsertGossipObservation(ctx, obs); err != nil {
		log.Error().Err(err).Str("seed", seed).Str("pubkey", pubkey).Msg("Failed to insert gossip observation")
		return // no observation, no probe this cycle
	}

	inBackoff := probeState.NextStatsAllowedAt != nil && probeState.NextStatsAllowedAt.After(start)
	delayedReset := !inBackoff && probeState.FailureCount > 0

	state.mu.Lock()
	sc := state.seeds[seed]
	state.observed[xxhash.Sum64String(pubkey)] = struct{}{}
	sc.observed[probeState.ID] = struct{}{}
	sc.gossipObs++

	if inBackoff {
		state.backoff[probeState.ID] = struct{}{}
		sc.backoff++
		state.mu.Unlock()
		return
	}

	if _, dup := state.tasks[probeState.ID]; !dup {
		state.tasks[probeState.ID] = probeTask{
			seedBaseURL:  seed,
			probeBaseURL: e.probeBaseURL(pod.Address),
			pnodeID:      probeState.ID,
			// A failed probe keeps counting from the pre-reset failure count
			// even when the lapsed backoff is cleared below.
			failureCount: probeState.FailureCount,
		}
		state.order = append(state.order, probeState.ID)
	}
	state.mu.Unlock()

	if delayedReset {
		// The backoff window lapsed before this cycle; clear the failure
		// state before the probe runs.
		if err := e.store.ClearPnodeBackoff(ctx, probeState.ID); err != nil {
			log.Error().Err(err).Int64("pnode", probeState.ID).Msg("Failed to clear lapsed backoff")
		}
	}
}

// probe runs one deduplicated stats probe and applies the success or failure
// bookkeeping to the pnode.
func (e *Engine) probe(ctx context.Context, task probeTask, start time.Time, state *cycleState) {
	stats, err := e.rpc.GetStats(ctx, task.probeBaseURL)
	if err != nil {
		e.probeFailed(ctx, task, start, state, err)
		return
	}

	now := e.clock.Now().UTC()

	sample := models.StatsSample{
		PnodeID:         task.pnodeID,
		SeedBaseURL:     task.seedBaseURL,
		Timestamp:       now,
		UptimeSeconds:   stats.Uptime,
		PacketsReceived: stats.PacketsReceived,
		PacketsSent:     stats.PacketsSent,
		TotalBytes:      stats.TotalBytes,
		ActiveStreams:   stats.ActiveStreams,
	}

	prior, err := e.store.LatestStatsSample(ctx, task.pnodeID)
	if err != nil {
		log.Error().Err(err).Int64("pnode", task.pnodeID).Msg("Failed to load prior stats sample")
	}
	if prior != nil {
		derived := rates.Derive(
			rates.Counters{
				At:              prior.Timestamp,
				PacketsReceived: prior.PacketsReceived,
				PacketsSent:     prior.PacketsSent,
				TotalBytes:      prior.TotalBytes,
			},
			rates.Counters{
				At:              now,
				PacketsReceived: stats.PacketsReceived,
				PacketsSent:     stats.PacketsSent,
				TotalBytes:      stats.TotalBytes,
			},
		)
		sample.PacketsInPerSec = derived.PacketsInPerSec
		sample.PacketsOutPerSec = derived.PacketsOutPerSec

		if derived.BytesPerSec != nil {
			log.Trace().Int64("pnode", task.pnodeID).Float64("bytes_per_sec", *derived.BytesPerSec).Msg("Derived throughput")
		}
	}

	// The sample write precedes the backoff-state update.
	if err := e.store.InsertStatsSample(ctx, sample); err != nil {
		log.Error().Err(err).Int64("pnode", task.pnodeID).Msg("Failed to insert stats sample")
	}

	next := start.Add(e.opts.ProbeCooldown)
	patch := models.BackoffPatch{
		FailureCount:       0,
		LastStatsAttemptAt: &start,
		LastStatsSuccessAt: &start,
		NextStatsAllowedAt: &next,
	}
	if err := e.store.UpdatePnodeBackoff(ctx, task.pnodeID, patch); err != nil {
		log.Error().Err(err).Int64("pnode", task.pnodeID).Msg("Failed to update pnode after successful probe")
	}

	metrics.ProbesTotal.WithLabelValues("ok").Inc()

	state.mu.Lock()
	state.seeds[task.seedBaseURL].success++
	state.mu.Unlock()
}

func (e *Engine) probeFailed(ctx context.Context, task probeTask, start time.Time, state *cycleState, cause error) {
	newCount := task.failureCount + 1
	delay := e.opts.ProbeCooldown * time.Duration(1<<min(newCount, maxBackoffExponent))
	next := start.Add(delay)

	patch := models.BackoffPatch{
		FailureCount:       newCount,
		LastStatsAttemptAt: &start,
		NextStatsAllowedAt: &next,
	}
	if err := e.store.UpdatePnodeBackoff(ctx, task.pnodeID, patch); err != nil {
		log.Error().Err(err).Int64("pnode", task.pnodeID).Msg("Failed to update pnode after failed probe")
	}

	metrics.ProbesTotal.WithLabelValues("error").Inc()

	log.Debug().
		Str("kind", string(rpc.KindOf(cause))).
		Str("url", task.probeBaseURL).
		Int64("pnode", task.pnodeID).
		Int("failure_count", newCount).
		Dur("backoff", delay).
		Msg("Stats probe failed")

	state.mu.Lock()
	state.seeds[task.seedBaseURL].failed++
	state.mu.Unlock()
}

func (e *Engine) summarize(runID int64, start time.Time, state *cycleState) *Summary {
	state.mu.Lock()
	defer state.mu.Unlock()

	summary := &Summary{
		RunID:        runID,
		StartedAt:    start,
		BackoffCount: len(state.backoff),
		Observed:     len(state.observed),
		StatsAttempt: len(state.tasks),
	}

	for _, task := range state.tasks {
		state.seeds[task.seedBaseURL].attempted++
	}

	for _, seed := range e.opts.Seeds {
		sc := state.seeds[seed]
		summary.TotalPods += sc.gossipObs
		summary.GossipObs += sc.gossipObs
		summary.StatsSuccess += sc.success
		summary.StatsFailure += sc.failed

		summary.SeedStats = append(summary.SeedStats, models.RunSeedStats{
			RunID:       runID,
			SeedBaseURL: seed,
			Attempted:   sc.attempted,
			Backoff:     sc.backoff,
			Success:     sc.success,
			Failed:      sc.failed,
			Observed:    len(sc.observed),
		})
	}

	return summary
}

// probeBaseURL rewrites a gossip address into the direct probe endpoint: the
// gossip port is replaced with the fixed stats port.
func (e *Engine) probeBaseURL(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(e.opts.ProbePort))
}

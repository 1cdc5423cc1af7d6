// Package scheduler supervises the periodic work: ingestion cycles, credits
// fetches and retention checks, each on its own timer, with a circuit breaker
// and heartbeat on the ingestion path.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/podwatch/internal/ingest"
	"github.com/woozymasta/podwatch/internal/maintenance"
	"github.com/woozymasta/podwatch/internal/metrics"
	"github.com/woozymasta/podwatch/internal/rpc"
	"github.com/woozymasta/podwatch/internal/storage"
)

const (
	// breakerThreshold is how many consecutive cycle failures suspend
	// ingestion.
	breakerThreshold = 5
	// breakerCooldown is how long ingestion stays suspended.
	breakerCooldown = 5 * time.Minute

	heartbeatInterval = 10 * time.Minute
	staleAlertAfter   = 30 * time.Minute

	// Startup seed validation: the first few seeds are probed with a relaxed
	// timeout; one answering seed is enough.
	startupSeedTimeout = 5 * time.Second
	startupSeedProbes  = 3
)

// Intervals drives the three independent timers.
type Intervals struct {
	Ingest       time.Duration
	Credits      time.Duration
	CleanupCheck time.Duration
	// CleanupTimeout bounds one cleanup pass.
	CleanupTimeout time.Duration
}

// Status is the supervisor state exposed on the health endpoint.
type Status struct {
	StartedAt    time.Time
	LastAttempt  *time.Time
	LastSuccess  *time.Time
	FailureCount int
}

// Scheduler owns the periodic execution of all background work.
type Scheduler struct {
	store     *storage.Repository
	engine    *ingest.Engine
	creditsIn *ingest.CreditsIngestor
	cleaner   *maintenance.Engine
	clock     clockwork.Clock
	seeds     []string
	intervals Intervals

	mu           sync.Mutex
	startedAt    time.Time
	lastAttempt  *time.Time
	lastSuccess  *time.Time
	failures     int
	breakerUntil *time.Time

	wg sync.WaitGroup
}

// New wires a scheduler. A nil clock selects the real one.
func New(
	store *storage.Repository,
	engine *ingest.Engine,
	creditsIn *ingest.CreditsIngestor,
	cleaner *maintenance.Engine,
	seeds []string,
	intervals Intervals,
	clock clockwork.Clock,
) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		store:     store,
		engine:    engine,
		creditsIn: creditsIn,
		cleaner:   cleaner,
		clock:     clock,
		seeds:     seeds,
		intervals: intervals,
	}
}

// Start validates the environment, runs the initial round of work, and
// launches the periodic timers. It returns once the timers are running;
// cancel the context to stop them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = s.clock.Now().UTC()
	s.mu.Unlock()

	if err := s.validate(ctx); err != nil {
		return err
	}

	// Initial round: one cycle, one credits fetch, and a cleanup check that
	// must not block startup.
	s.runCycle(ctx)
	s.runCredits(ctx)
	s.spawnCleanup(ctx)

	s.spawnTicker(ctx, s.intervals.Ingest, func() { s.runCycle(ctx) })
	s.spawnTicker(ctx, s.intervals.Credits, func() { s.runCredits(ctx) })
	s.spawnTicker(ctx, s.intervals.CleanupCheck, func() { s.spawnCleanup(ctx) })
	s.spawnTicker(ctx, heartbeatInterval, func() { s.heartbeat() })

	return nil
}

// Wait blocks until all timer goroutines have stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Status reports the supervisor state for the health endpoint.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		StartedAt:    s.startedAt,
		LastAttempt:  s.lastAttempt,
		LastSuccess:  s.lastSuccess,
		FailureCount: s.failures,
	}
}

// validate pings the store (with retries) and requires at least one of the
// first few seeds to answer gossip.
func (s *Scheduler) validate(ctx context.Context) error {
	ping := func() error { return s.store.Ping(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	probeClient := rpc.New(startupSeedTimeout)
	probes := min(startupSeedProbes, len(s.seeds))
	for _, seed := range s.seeds[:probes] {
		if _, err := probeClient.GetPods(ctx, seed); err != nil {
			log.Warn().Err(err).Str("seed", seed).Msg("Startup seed probe failed")
			continue
		}
		log.Info().Str("seed", seed).Msg("Startup seed probe succeeded")
		return nil
	}

	return fmt.Errorf("none of the first %d seeds answered gossip", probes)
}

func (s *Scheduler) spawnTicker(ctx context.Context, interval time.Duration, task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				task()
			}
		}
	}()
}

// runCycle executes one ingestion cycle unless the breaker holds it back,
// then computes the snapshot for the finished run.
func (s *Scheduler) runCycle(ctx context.Context) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	if s.breakerUntil != nil && now.Before(*s.breakerUntil) {
		until := *s.breakerUntil
		s.mu.Unlock()
		log.Warn().Time("until", until).Msg("Ingestion suspended by circuit breaker")
		return
	}
	s.lastAttempt = &now
	s.mu.Unlock()

	// A dead store connection skips the cycle; the ping doubles as the
	// reconnect attempt before the next one.
	if err := s.store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Store ping failed, skipping ingestion cycle")
		s.cycleFailed()
		return
	}

	summary, err := s.engine.RunCycle(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Ingestion cycle failed")
		s.cycleFailed()
		return
	}

	duration := s.clock.Now().UTC().Sub(now)
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	metrics.CycleDuration.Observe(duration.Seconds())

	s.mu.Lock()
	finished := s.clock.Now().UTC()
	s.lastSuccess = &finished
	s.failures = 0
	s.breakerUntil = nil
	s.mu.Unlock()
	metrics.BreakerOpen.Set(0)

	log.Info().
		Int64("run", summary.RunID).
		Int("observed", summary.Observed).
		Int("attempted", summary.StatsAttempt).
		Int("success", summary.StatsSuccess).
		Int("failed", summary.StatsFailure).
		Int("backoff", summary.BackoffCount).
		Dur("duration", duration).
		Msg("Ingestion cycle finished")

	// The run row is final either way; a snapshot failure only costs the
	// aggregate for this run.
	if err := s.engine.ComputeSnapshot(ctx, summary.RunID); err != nil {
		metrics.SnapshotFailuresTotal.Inc()
		log.Error().Err(err).Int64("run", summary.RunID).Msg("Snapshot computation failed")
	}
}

func (s *Scheduler) cycleFailed() {
	metrics.CyclesTotal.WithLabelValues("error").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.failures >= breakerThreshold {
		until := s.clock.Now().UTC().Add(breakerCooldown)
		s.breakerUntil = &until
		metrics.BreakerOpen.Set(1)
		log.Error().
			Int("failures", s.failures).
			Time("until", until).
			Msg("Circuit breaker opened, suspending ingestion")
	}
}

// runCredits is not subject to the circuit breaker.
func (s *Scheduler) runCredits(ctx context.Context) {
	if _, _, err := s.creditsIn.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Credits ingestion failed")
	}
}

// spawnCleanup runs one retention check in the background with a hard
// timeout, so a slow pass never delays ingestion.
func (s *Scheduler) spawnCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timeout := s.intervals.CleanupTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}

		cleanupCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.cleaner.Run(cleanupCtx); err != nil {
			log.Warn().Err(err).Msg("Cleanup pass skipped")
		}
	}()
}

// heartbeat logs liveness and raises the alarm when ingestion has not
// succeeded for too long.
func (s *Scheduler) heartbeat() {
	s.mu.Lock()
	startedAt := s.startedAt
	lastSuccess := s.lastSuccess
	failures := s.failures
	s.mu.Unlock()

	now := s.clock.Now().UTC()

	stale := lastSuccess == nil && now.Sub(startedAt) > staleAlertAfter ||
		lastSuccess != nil && now.Sub(*lastSuccess) > staleAlertAfter

	var event *zerolog.Event
	if stale {
		event = log.Error()
	} else {
		event = log.Info()
	}

	event = event.
		Dur("uptime", now.Sub(startedAt)).
		Int("consecutive_failures", failures)
	if lastSuccess != nil {
		event = event.Time("last_success", *lastSuccess)
	}

	if stale {
		event.Msg("ALERT: no successful ingestion cycle recently")
		return
	}
	event.Msg("Heartbeat")
}

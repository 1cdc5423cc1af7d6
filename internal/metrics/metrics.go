// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo carries version labels for dashboards.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "podwatch_build_info",
		Help: "Build information of the podwatch service",
	}, []string{"version", "commit"})

	// CyclesTotal counts finished ingestion cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podwatch_ingestion_cycles_total",
		Help: "Total number of ingestion cycles by outcome",
	}, []string{"status"})

	// CycleDuration observes wall-clock duration of ingestion cycles.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "podwatch_ingestion_cycle_duration_seconds",
		Help:    "Duration of ingestion cycles",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// SeedGossipTotal counts gossip fetches per seed by outcome.
	SeedGossipTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podwatch_seed_gossip_total",
		Help: "Total number of seed gossip fetches by seed and outcome",
	}, []string{"seed", "status"})

	// ProbesTotal counts direct stats probes by outcome.
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podwatch_stats_probes_total",
		Help: "Total number of direct stats probes by outcome",
	}, []string{"status"})

	// ObservedPnodes reports distinct pnodes seen in the last cycle.
	ObservedPnodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podwatch_observed_pnodes",
		Help: "Distinct pnodes observed across all seeds in the last cycle",
	})

	// BackedOffPnodes reports pnodes skipped due to backoff in the last cycle.
	BackedOffPnodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podwatch_backed_off_pnodes",
		Help: "Pnodes in probe backoff during the last cycle",
	})

	// CreditsFetchTotal counts credits document fetches by outcome.
	CreditsFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podwatch_credits_fetch_total",
		Help: "Total number of credits endpoint fetches by outcome",
	}, []string{"status"})

	// CleanupDeletedRows counts rows removed by the cleanup engine per table.
	CleanupDeletedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podwatch_cleanup_deleted_rows_total",
		Help: "Total number of rows deleted by the cleanup engine",
	}, []string{"table"})

	// BreakerOpen reports whether the ingestion circuit breaker is open.
	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podwatch_ingestion_breaker_open",
		Help: "1 while the ingestion circuit breaker suspends cycles",
	})

	// SnapshotFailuresTotal counts snapshot computations that failed.
	SnapshotFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podwatch_snapshot_failures_total",
		Help: "Total number of failed network snapshot computations",
	})
)

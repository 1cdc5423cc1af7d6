// Package maintenance implements threshold-driven retention for the
// high-volume tables: when any table grows past its trigger share, the oldest
// rows are trimmed until the table is back at its target share.
package maintenance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/podwatch/internal/metrics"
	"github.com/woozymasta/podwatch/internal/storage"
)

// Policy binds one table to its retention threshold.
type Policy struct {
	Table     string
	Threshold int64
}

// Config tunes one cleanup engine.
type Config struct {
	Policies       []Policy
	TriggerPercent int
	TargetPercent  int
}

// DefaultPolicies returns the production retention thresholds.
func DefaultPolicies(gossipRows, statsRows, runRows int64) []Policy {
	return []Policy{
		{Table: "pnode_gossip_observations", Threshold: gossipRows},
		{Table: "pnode_stats_samples", Threshold: statsRows},
		{Table: "ingestion_runs", Threshold: runRows},
	}
}

// Engine runs retention checks against one store.
type Engine struct {
	store *storage.Repository
	cfg   Config
}

// New creates a cleanup engine.
func New(store *storage.Repository, cfg Config) *Engine {
	if cfg.TriggerPercent <= 0 {
		cfg.TriggerPercent = 90
	}
	if cfg.TargetPercent <= 0 {
		cfg.TargetPercent = 70
	}

	return &Engine{store: store, cfg: cfg}
}

// Run performs one retention check. The pass is idempotent and safe to skip:
// any error aborts it without touching further tables, and ingestion is
// never affected.
func (e *Engine) Run(ctx context.Context) error {
	counts := make(map[string]int64, len(e.cfg.Policies))

	triggered := false
	for _, p := range e.cfg.Policies {
		count, err := e.store.CountRows(ctx, p.Table)
		if err != nil {
			return fmt.Errorf("count %s: %w", p.Table, err)
		}
		counts[p.Table] = count

		if count > p.Threshold*int64(e.cfg.TriggerPercent)/100 {
			triggered = true
		}
	}

	if !triggered {
		log.Debug().Msg("Cleanup check passed, no table over trigger")
		return nil
	}

	// One table crossing its trigger trims every table above its target.
	for _, p := range e.cfg.Policies {
		target := p.Threshold * int64(e.cfg.TargetPercent) / 100
		count := counts[p.Table]
		if count <= target {
			continue
		}

		excess := count - target
		cutoff, ok, err := e.store.NthOldest(ctx, p.Table, excess)
		if err != nil {
			return fmt.Errorf("cutoff for %s: %w", p.Table, err)
		}
		if !ok {
			continue
		}

		deleted, err := e.store.DeleteOlderThan(ctx, p.Table, cutoff)
		if err != nil {
			return fmt.Errorf("trim %s: %w", p.Table, err)
		}

		metrics.CleanupDeletedRows.WithLabelValues(p.Table).Add(float64(deleted))
		log.Info().
			Str("table", p.Table).
			Int64("rows", count).
			Int64("target", target).
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Trimmed oldest rows")
	}

	return nil
}

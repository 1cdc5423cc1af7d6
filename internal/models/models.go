// Package models defines the data structures persisted to the relational store.
package models

import "time"

// Pnode is the persistent identity of a storage network participant.
// A pnode is created on first sighting in any seed's gossip and never deleted.
type Pnode struct {
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastStatsAttemptAt *time.Time `json:"last_stats_attempt_at,omitempty"`
	LastStatsSuccessAt *time.Time `json:"last_stats_success_at,omitempty"`
	NextStatsAllowedAt *time.Time `json:"next_stats_allowed_at,omitempty"`
	CreditsUpdatedAt   *time.Time `json:"credits_updated_at,omitempty"`
	LatestCredits      *int64     `json:"latest_credits,omitempty"`
	Pubkey             string     `json:"pubkey"`
	ID                 int64      `json:"id"`
	FailureCount       int        `json:"failure_count"`
	IsPublic           bool       `json:"is_public"`
}

// ProbeState is the slice of a pnode row the ingestion cycle needs to decide
// stats-probe eligibility. Returned by the pnode upsert.
type ProbeState struct {
	NextStatsAllowedAt *time.Time
	ID                 int64
	FailureCount       int
}

// BackoffPatch updates the probe bookkeeping fields of a pnode.
type BackoffPatch struct {
	LastStatsAttemptAt *time.Time
	LastStatsSuccessAt *time.Time
	NextStatsAllowedAt *time.Time
	FailureCount       int
}

// GossipObservation is one sighting of one pnode in one seed's gossip view.
// Rows are append-only; only the cleanup engine removes them.
type GossipObservation struct {
	ObservedAt          time.Time `json:"observed_at"`
	Version             *string   `json:"version,omitempty"`
	LastSeenTimestamp   *int64    `json:"last_seen_timestamp,omitempty"`
	StorageCommitted    *int64    `json:"storage_committed,omitempty"`
	StorageUsed         *int64    `json:"storage_used,omitempty"`
	StorageUsagePercent *float64  `json:"storage_usage_percent,omitempty"`
	IsPublic            *bool     `json:"is_public,omitempty"`
	SeedBaseURL         string    `json:"seed_base_url"`
	Address             string    `json:"address"`
	ID                  int64     `json:"id"`
	PnodeID             int64     `json:"pnode_id"`
}

// StatsSample is one successful direct probe of a pnode. Cumulative packet and
// byte counters come straight from the node; the per-second rates are derived
// against the previous sample and stay nil when no valid window exists.
type StatsSample struct {
	Timestamp        time.Time `json:"timestamp"`
	UptimeSeconds    *int64    `json:"uptime_seconds,omitempty"`
	PacketsReceived  *int64    `json:"packets_received,omitempty"`
	PacketsSent      *int64    `json:"packets_sent,omitempty"`
	TotalBytes       *int64    `json:"total_bytes,omitempty"`
	ActiveStreams    *int64    `json:"active_streams,omitempty"`
	PacketsInPerSec  *float64  `json:"packets_in_per_sec,omitempty"`
	PacketsOutPerSec *float64  `json:"packets_out_per_sec,omitempty"`
	SeedBaseURL      string    `json:"seed_base_url"`
	ID               int64     `json:"id"`
	PnodeID          int64     `json:"pnode_id"`
}

// IngestionRun records one execution of the ingestion cycle.
type IngestionRun struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ID         int64      `json:"id"`
	Attempted  int        `json:"attempted"`
	Success    int        `json:"success"`
	Failed     int        `json:"failed"`
	Backoff    int        `json:"backoff"`
	Observed   int        `json:"observed"`
}

// RunSeedStats carries the per-seed counters of one ingestion run.
type RunSeedStats struct {
	SeedBaseURL string `json:"seed_base_url"`
	ID          int64  `json:"id"`
	RunID       int64  `json:"run_id"`
	Attempted   int    `json:"attempted"`
	Backoff     int    `json:"backoff"`
	Success     int    `json:"success"`
	Failed      int    `json:"failed"`
	Observed    int    `json:"observed"`
}

// NetworkSnapshot is the aggregate computed after each ingestion run.
type NetworkSnapshot struct {
	CreatedAt             time.Time `json:"created_at"`
	ID                    int64     `json:"id"`
	RunID                 int64     `json:"run_id"`
	TotalNodes            int       `json:"total_nodes"`
	ReachableNodes        int       `json:"reachable_nodes"`
	UnreachableNodes      int       `json:"unreachable_nodes"`
	ReachablePercent      float64   `json:"reachable_percent"`
	MedianUptimeSeconds   int64     `json:"median_uptime_seconds"`
	P90UptimeSeconds      int64     `json:"p90_uptime_seconds"`
	TotalStorageCommitted int64     `json:"total_storage_committed"`
	TotalStorageUsed      int64     `json:"total_storage_used"`
	NodesBackedOff        int       `json:"nodes_backed_off"`
	NodesFailingStats     int       `json:"nodes_failing_stats"`
}

// VersionStat is one bucket of the snapshot's version histogram.
type VersionStat struct {
	Version    string `json:"version"`
	SnapshotID int64  `json:"snapshot_id"`
	NodeCount  int    `json:"node_count"`
}

// SeedVisibility classifies the pnodes one seed reported recently by the age
// of their gossip last-seen timestamp.
type SeedVisibility struct {
	SeedBaseURL string `json:"seed_base_url"`
	SnapshotID  int64  `json:"snapshot_id"`
	NodesSeen   int    `json:"nodes_seen"`
	Fresh       int    `json:"fresh"`
	Stale       int    `json:"stale"`
	Offline     int    `json:"offline"`
}

// CreditsStat summarizes the denormalized credits column across all pnodes.
type CreditsStat struct {
	SnapshotID    int64 `json:"snapshot_id"`
	MedianCredits int64 `json:"median_credits"`
	P90Credits    int64 `json:"p90_credits"`
}

// PodCreditsSnapshot is one append-only credit reading for a pod, keyed by the
// pubkey reported by the credits endpoint. At most one row per pod is written
// every two hours.
type PodCreditsSnapshot struct {
	ObservedAt  time.Time `json:"observed_at"`
	SeedBaseURL *string   `json:"seed_base_url,omitempty"`
	PodPubkey   string    `json:"pod_pubkey"`
	ID          int64     `json:"id"`
	Credits     int64     `json:"credits"`
}

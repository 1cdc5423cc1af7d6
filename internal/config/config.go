// Package config handles the parsing and validation of application
// configuration from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/woozymasta/podwatch/internal/logger"
	"github.com/woozymasta/podwatch/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Store   Store         `group:"Storage Options" namespace:"db"`
	Ingest  Ingest        `group:"Ingestion Options" namespace:"ingest" env-namespace:"PODWATCH_INGEST"`
	Credits Credits       `group:"Credits Options" namespace:"credits" env-namespace:"PODWATCH_CREDITS"`
	Cleanup Cleanup       `group:"Cleanup Options" namespace:"cleanup" env-namespace:"PODWATCH_CLEANUP"`
	Server  Server        `group:"Health Server Options"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"PODWATCH_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Store holds database configuration. The URL selects the backend: a
// postgres:// URL targets PostgreSQL, anything else is a SQLite path.
type Store struct {
	// betteralign:ignore

	URL           string `short:"d" long:"url" env:"DATABASE_URL" description:"Database connection URL (postgres://... or SQLite path)"`
	GenerateCount int    `long:"gen-fake-data" hidden:"true"`
}

// Ingest holds ingestion cycle configuration.
type Ingest struct {
	// betteralign:ignore

	Seeds             []string      `short:"s" long:"seed" env:"SEEDS" env-delim:"," description:"Seed node base URLs" default:"http://seeds1.xandeum.network:6000" default:"http://seeds2.xandeum.network:6000" default:"http://seeds3.xandeum.network:6000"`
	Interval          time.Duration `long:"interval" env:"INTERVAL" description:"Delay between ingestion cycles" default:"240s"`
	RPCTimeout        time.Duration `long:"rpc-timeout" env:"RPC_TIMEOUT" description:"Per-call RPC timeout" default:"2500ms"`
	SeedConcurrency   int           `long:"seed-concurrency" env:"SEED_CONCURRENCY" description:"Concurrent seed gossip fetches" default:"8"`
	ProbeBatchSize    int           `long:"probe-batch" env:"PROBE_BATCH" description:"Concurrent stats probes per batch" default:"50"`
	ProbePort         int           `long:"probe-port" env:"PROBE_PORT" description:"Fixed port for direct pnode probes" default:"6000"`
	ProbeCooldown     time.Duration `long:"probe-cooldown" env:"PROBE_COOLDOWN" description:"Pause after a successful probe" default:"60s"`
	BackoffResetAfter time.Duration `long:"backoff-reset-after" env:"BACKOFF_RESET_AFTER" description:"Clear failure state stuck longer than this" default:"24h"`
}

// Credits holds external credits endpoint configuration.
type Credits struct {
	// betteralign:ignore

	URL           string        `long:"url" env:"URL" description:"Pods credits endpoint URL" default:"https://podcredits.xandeum.network/api/pods-credits"`
	Interval      time.Duration `long:"interval" env:"INTERVAL" description:"Delay between credits fetches" default:"2h"`
	Timeout       time.Duration `long:"timeout" env:"TIMEOUT" description:"Credits fetch timeout" default:"10s"`
	SnapshotEvery time.Duration `long:"snapshot-every" env:"SNAPSHOT_EVERY" description:"Minimum spacing of per-pod credit snapshots" default:"2h"`
}

// Cleanup holds retention configuration for the high-volume tables.
type Cleanup struct {
	// betteralign:ignore

	CheckInterval  time.Duration `long:"check-interval" env:"CHECK_INTERVAL" description:"Delay between retention checks" default:"1h"`
	Timeout        time.Duration `long:"timeout" env:"TIMEOUT" description:"Upper bound for one cleanup pass" default:"5m"`
	GossipRows     int64         `long:"gossip-rows" env:"GOSSIP_ROWS" description:"Retention threshold for gossip observations" default:"1000000"`
	StatsRows      int64         `long:"stats-rows" env:"STATS_ROWS" description:"Retention threshold for stats samples" default:"500000"`
	RunRows        int64         `long:"run-rows" env:"RUN_ROWS" description:"Retention threshold for ingestion runs" default:"10000"`
	TriggerPercent int           `long:"trigger-percent" env:"TRIGGER_PERCENT" description:"Threshold share that triggers cleanup" default:"90"`
	TargetPercent  int           `long:"target-percent" env:"TARGET_PERCENT" description:"Threshold share cleanup trims down to" default:"70"`
}

// Server holds health endpoint configuration.
type Server struct {
	// betteralign:ignore

	HealthPort     int           `short:"l" long:"health-port" env:"HEALTH_CHECK_PORT" description:"Health check listen port" default:"3001"`
	TrustProxy     bool          `long:"trust-proxy" env:"PODWATCH_TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
	HardLimitCount int           `long:"rate-limit-count" env:"PODWATCH_RATE_LIMIT_COUNT" description:"Hard IP limit: requests count" default:"120"`
	HardLimitWin   time.Duration `long:"rate-limit-window" env:"PODWATCH_RATE_LIMIT_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the
// help flag is invoked.
func Parse() *Config {
	// Local development keeps DATABASE_URL in a .env file.
	_ = godotenv.Load()

	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Store.URL == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-d, --db-url' or environment variable `DATABASE_URL` was not specified!")
		os.Exit(1)
	}

	if len(cfg.Ingest.Seeds) == 0 {
		fmt.Fprintln(os.Stderr, "At least one seed base URL is required!")
		os.Exit(1)
	}

	return &cfg
}

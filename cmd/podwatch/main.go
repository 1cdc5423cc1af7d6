// main is the entry point of the Podwatch application.
// It initializes the configuration, logger, store, ingestion scheduler, and
// starts the health HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/podwatch/internal/config"
	"github.com/woozymasta/podwatch/internal/credits"
	"github.com/woozymasta/podwatch/internal/fake"
	"github.com/woozymasta/podwatch/internal/ingest"
	"github.com/woozymasta/podwatch/internal/logger"
	"github.com/woozymasta/podwatch/internal/maintenance"
	"github.com/woozymasta/podwatch/internal/metrics"
	"github.com/woozymasta/podwatch/internal/rpc"
	"github.com/woozymasta/podwatch/internal/scheduler"
	"github.com/woozymasta/podwatch/internal/server"
	"github.com/woozymasta/podwatch/internal/storage"
	"github.com/woozymasta/podwatch/internal/vars"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Msg("Starting podwatch service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := storage.New(initCtx, cfg.Store.URL)
	initCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// Data generation for dashboard development
	if cfg.Store.GenerateCount > 0 {
		fake.GenerateData(store, cfg.Store.GenerateCount)
		return
	}

	metrics.BuildInfo.WithLabelValues(vars.Version, vars.CommitShort()).Set(1)

	// Ingestion pipeline
	engine := ingest.New(store, rpc.New(cfg.Ingest.RPCTimeout), ingest.Options{
		Seeds:             cfg.Ingest.Seeds,
		SeedConcurrency:   cfg.Ingest.SeedConcurrency,
		ProbeBatchSize:    cfg.Ingest.ProbeBatchSize,
		ProbePort:         cfg.Ingest.ProbePort,
		ProbeCooldown:     cfg.Ingest.ProbeCooldown,
		BackoffResetAfter: cfg.Ingest.BackoffResetAfter,
	}, nil)

	creditsIngestor := ingest.NewCreditsIngestor(
		store,
		credits.New(cfg.Credits.URL, cfg.Credits.Timeout),
		cfg.Credits.SnapshotEvery,
		nil,
	)

	cleaner := maintenance.New(store, maintenance.Config{
		Policies:       maintenance.DefaultPolicies(cfg.Cleanup.GossipRows, cfg.Cleanup.StatsRows, cfg.Cleanup.RunRows),
		TriggerPercent: cfg.Cleanup.TriggerPercent,
		TargetPercent:  cfg.Cleanup.TargetPercent,
	})

	sched := scheduler.New(store, engine, creditsIngestor, cleaner, cfg.Ingest.Seeds, scheduler.Intervals{
		Ingest:         cfg.Ingest.Interval,
		Credits:        cfg.Credits.Interval,
		CleanupCheck:   cfg.Cleanup.CheckInterval,
		CleanupTimeout: cfg.Cleanup.Timeout,
	}, nil)

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Health server
	srvHandler := server.New(store, sched, cfg)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:      srvHandler.Run(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("Health server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Health server failed")
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down service...")

	// Stop timers; in-flight work is bounded by its own timeouts
	cancel()

	// Shut down HTTP
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Health server forced to shutdown")
	}

	// Close DB
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database")
	}

	log.Info().Msg("Service exited")
}

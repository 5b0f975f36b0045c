// Package main provides the metadata store operator CLI: schema
// migration, status reporting, and on-demand snapshots against C1's
// SQLite store, replacing the heavier Postgres migration tool the
// teacher's original product needed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		command = flag.String("command", "status", "Command to execute: status, migrate, snapshot")
		verbose = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logging.NewEnhancedLogger("migrate")
	if *verbose {
		logger.Info("verbose logging enabled")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err.Error())
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spill := store.NewSpillBuffer(cfg.Metadata.SpillDir, cfg.Metadata.SpillMaxEntries)
	metadata, err := store.Open(ctx, cfg.Metadata.Path, cfg.Metadata.MaxOpenConns, cfg.Metadata.ConnTimeout, spill)
	if err != nil {
		logger.Error("failed to open metadata store", "error", err.Error())
		return 1
	}
	defer func() {
		if err := metadata.Close(); err != nil {
			logger.Warn("error closing metadata store", "error", err.Error())
		}
	}()

	switch *command {
	case "status":
		return executeStatus(metadata)
	case "migrate":
		return executeMigrate(ctx, metadata, logger)
	case "snapshot":
		return executeSnapshot(ctx, metadata, cfg, logger)
	default:
		logger.Error("unknown command", "command", *command)
		return 1
	}
}

func executeStatus(metadata *store.SQLiteStore) int {
	fmt.Printf("metadata store: %s\n", metadata.DBPath())
	fmt.Printf("degraded: %v\n", metadata.Degraded())
	return 0
}

func executeMigrate(ctx context.Context, metadata *store.SQLiteStore, logger *logging.EnhancedLogger) int {
	if err := metadata.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err.Error())
		return 1
	}
	logger.Info("schema is up to date")
	return 0
}

func executeSnapshot(ctx context.Context, metadata *store.SQLiteStore, cfg *config.Config, logger *logging.EnhancedLogger) int {
	snapshots := resilience.NewSnapshotManager(metadata, metadata, cfg.Metadata.SpillDir, cfg.Telemetry.RetentionDays)
	meta, err := snapshots.CreateFullSnapshot(ctx)
	if err != nil {
		logger.Error("snapshot failed", "error", err.Error())
		return 1
	}
	fmt.Printf("snapshot written: %s\n", meta.Path)
	return 0
}

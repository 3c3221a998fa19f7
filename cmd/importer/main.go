package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/config"
	"parkpulse/internal/repository"
	"parkpulse/internal/services"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
	"parkpulse/pkg/ratelimit"
	"parkpulse/pkg/retry"
)

func main() {
	// Parse command-line flags
	dataDir := flag.String("data-dir", "./exports", "Directory containing park_<id>.ndjson export files")
	batchSize := flag.Int("batch-size", 1000, "Number of snapshots to insert in each batch")
	batchesPerSecond := flag.Float64("batches-per-second", 10, "Write throttle, in batches per second")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logLevel := logging.InfoLevel
	if cfg.Logging.Level == "debug" {
		logLevel = logging.DebugLevel
	}

	logger := logging.NewStructuredLogger("parkpulse-importer", "1.0.0", logLevel)

	ctx := context.Background()
	logger.Info(ctx, "[IMPORTER_START] Starting snapshot import", logging.Fields{
		"version":    "1.0.0",
		"data_dir":   *dataDir,
		"batch_size": *batchSize,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("parkpulse_importer")

	// Initialize database
	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[IMPORTER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repository
	snapshotRepo := repository.NewSnapshotRepository(db, logger, metricsCollector)

	// Initialize service
	clock := clockwork.NewRealClock()
	limiter, err := ratelimit.NewBucket(1, *batchesPerSecond, clock)
	if err != nil {
		logger.Fatal(ctx, "[IMPORTER_ERROR] Invalid throttle settings", logging.Fields{}, err)
	}
	importService := services.NewImportService(snapshotRepo, logger, metricsCollector, clock, limiter, retry.Default())

	// Import data
	result, err := importService.ImportDirectory(ctx, *dataDir, *batchSize)
	if err != nil {
		logger.Fatal(ctx, "[IMPORT_ERROR] Import failed", logging.Fields{
			"error": err.Error(),
		}, err)
	}

	// Print results
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("IMPORT COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Total Files:        %d\n", result.TotalFiles)
	fmt.Printf("Parks Seen:         %d\n", result.ParksSeen)
	fmt.Printf("Total Records:      %d\n", result.TotalRecords)
	fmt.Printf("Successful Records: %d\n", result.SuccessfulRecords)
	fmt.Printf("Failed Records:     %d\n", result.FailedRecords)
	fmt.Printf("Duration:           %v\n", result.Duration)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for i, errMsg := range result.Errors {
			if i < 10 {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Errors) > 10 {
			fmt.Printf("  ... and %d more errors\n", len(result.Errors)-10)
		}
	}

	logger.Info(ctx, "[IMPORTER_COMPLETE] Import completed successfully", logging.Fields{
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duration_seconds":   result.Duration.Seconds(),
	})
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/config"
	"parkpulse/internal/repository"
	"parkpulse/internal/services"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

func main() {
	// Parse command-line flags
	dateStr := flag.String("date", "", "Audit date (YYYY-MM-DD, default: yesterday in the reporting timezone)")
	startStr := flag.String("start", "", "Backfill audit start date (YYYY-MM-DD)")
	endStr := flag.String("end", "", "Backfill audit end date (YYYY-MM-DD)")
	full := flag.Bool("full", false, "Run structural checks in addition to the recompute diff")
	tableStr := flag.String("table", "all", "Aggregate table to audit: park, ride, or all")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logLevel := logging.InfoLevel
	if cfg.Logging.Level == "debug" {
		logLevel = logging.DebugLevel
	}

	logger := logging.NewStructuredLogger("parkpulse-auditor", "1.0.0", logLevel)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("parkpulse_auditor")

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
		logger.Fatal(ctx, "[AUDITOR_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repositories and services
	snapshotRepo := repository.NewSnapshotRepository(db, logger, metricsCollector)
	eventRepo := repository.NewEventRepository(db, logger, metricsCollector)
	sessionRepo := repository.NewSessionRepository(db, logger, metricsCollector)
	statsRepo := repository.NewStatsRepository(db, logger, metricsCollector)

	statusChanges := services.NewStatusChangeDetector(snapshotRepo, eventRepo, logger, metricsCollector, clock)
	operatingHours := services.NewOperatingHoursDetector(snapshotRepo, sessionRepo, logger, metricsCollector, clock)
	verifier := services.NewAggregateVerifier(
		snapshotRepo, sessionRepo, statsRepo,
		statusChanges, operatingHours,
		logger, metricsCollector, clock, cfg.Aggregation,
	)

	summary, err := runAudit(ctx, verifier, cfg, clock, *dateStr, *startStr, *endStr, *tableStr, *full)
	if err != nil {
		logger.Fatal(ctx, "[AUDITOR_ERROR] Audit failed", logging.Fields{}, err)
	}

	printSummary(summary)

	// Exit code contract: 0 clean, 1 criticals, 2 warnings only.
	os.Exit(summary.ExitCode())
}

// runAudit dispatches to the single-day or backfill audit depending on
// the flags provided.
func runAudit(
	ctx context.Context,
	verifier *services.AggregateVerifier,
	cfg *config.Config,
	clock clockwork.Clock,
	dateStr, startStr, endStr, tableStr string,
	full bool,
) (*services.AuditSummary, error) {
	table, err := services.ParseAuditTable(tableStr)
	if err != nil {
		return nil, err
	}

	if startStr != "" || endStr != "" {
		if startStr == "" || endStr == "" {
			return nil, fmt.Errorf("backfill audit requires both -start and -end")
		}
		start, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return nil, fmt.Errorf("invalid start date: %w", err)
		}
		end, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return nil, fmt.Errorf("invalid end date: %w", err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("end date precedes start date")
		}
		return verifier.BackfillAudit(ctx, start, end, table)
	}

	var date time.Time
	if dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("invalid date: %w", err)
		}
		date = parsed
	} else {
		loc, err := time.LoadLocation(cfg.Aggregation.ReportingTimezone)
		if err != nil {
			return nil, err
		}
		yesterday := clock.Now().In(loc).AddDate(0, 0, -1)
		date = time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	}

	if full {
		return verifier.FullAudit(ctx, date, table)
	}
	return verifier.Verify(ctx, date, table)
}

func printSummary(summary *services.AuditSummary) {
	fmt.Printf("Audit for %s\n", summary.Date.Format("2006-01-02"))
	fmt.Printf("Parks Checked: %d\n", summary.ParksChecked)
	fmt.Printf("Rides Checked: %d\n", summary.RidesChecked)
	fmt.Printf("Criticals:     %d\n", summary.Criticals())
	fmt.Printf("Warnings:      %d\n", summary.Warnings())

	for _, issue := range summary.Issues {
		target := fmt.Sprintf("park %d", derefOrZero(issue.ParkID))
		if issue.RideID != nil {
			target = fmt.Sprintf("%s ride %d", target, *issue.RideID)
		}
		fmt.Printf("[%s] %s %s %s: stored %s, expected %s (%s)\n",
			issue.Severity, issue.Date.Format("2006-01-02"), target, issue.Field,
			issue.Stored, issue.Expected, issue.Message)
	}
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/config"
	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/internal/services"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

func main() {
	// Parse command-line flags
	dateStr := flag.String("date", "", "Aggregation date (YYYY-MM-DD, default: yesterday in the reporting timezone)")
	typeStr := flag.String("type", "daily", "Aggregation type: hourly, daily, weekly, monthly or yearly")
	force := flag.Bool("force", false, "Recompute even over an existing successful job")
	timezone := flag.String("timezone", "", "Restrict the run to parks in one IANA timezone")
	retryAttempt := flag.Int("retry-attempt", 0, "Scheduler retry ordinal, for logging")
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

	logger := logging.NewStructuredLogger("parkpulse-aggregator", "1.0.0", logLevel)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	aggregationType, err := models.ParsePeriodType(*typeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid aggregation type: %v\n", err)
		os.Exit(1)
	}

	date, err := resolveDate(*dateStr, cfg.Aggregation.ReportingTimezone, clock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid date: %v\n", err)
		os.Exit(1)
	}

	logger.Info(ctx, "[AGGREGATOR_START] Starting aggregation run", logging.Fields{
		"version":          "1.0.0",
		"aggregation_date": date.Format("2006-01-02"),
		"aggregation_type": string(aggregationType),
		"force":            *force,
		"retry_attempt":    *retryAttempt,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("parkpulse_aggregator")

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
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repositories
	snapshotRepo := repository.NewSnapshotRepository(db, logger, metricsCollector)
	eventRepo := repository.NewEventRepository(db, logger, metricsCollector)
	sessionRepo := repository.NewSessionRepository(db, logger, metricsCollector)
	statsRepo := repository.NewStatsRepository(db, logger, metricsCollector)
	jobRepo := repository.NewJobRepository(db, logger, metricsCollector)

	// Initialize services
	statusChanges := services.NewStatusChangeDetector(snapshotRepo, eventRepo, logger, metricsCollector, clock)
	operatingHours := services.NewOperatingHoursDetector(snapshotRepo, sessionRepo, logger, metricsCollector, clock)
	aggregation := services.NewAggregationService(
		snapshotRepo, eventRepo, sessionRepo, statsRepo, jobRepo,
		statusChanges, operatingHours,
		logger, metricsCollector, clock, cfg.Aggregation,
	)

	result, err := aggregation.Run(ctx, date, aggregationType, services.RunOptions{
		Force:          *force,
		TimezoneFilter: *timezone,
		RetryAttempt:   *retryAttempt,
	})
	if err != nil {
		if errors.Is(err, services.ErrJobAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "Another aggregation run holds this job; try again later")
			os.Exit(3)
		}
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Aggregation run failed", logging.Fields{
			"aggregation_date": date.Format("2006-01-02"),
			"aggregation_type": string(aggregationType),
		}, err)
	}

	fmt.Printf("Aggregation %s for %s: %s\n", aggregationType, date.Format("2006-01-02"), result.Status)
	fmt.Printf("Parks Processed: %d\n", result.ParksProcessed)
	fmt.Printf("Rides Processed: %d\n", result.RidesProcessed)
	if result.AggregatedUntil != nil {
		fmt.Printf("Aggregated Until: %s\n", result.AggregatedUntil.Format(time.RFC3339))
	}
	if result.ShortCircuited {
		fmt.Println("Run short-circuited: job had already succeeded")
	}
}

// resolveDate parses the date flag, defaulting to yesterday in the
// site-wide reporting timezone.
func resolveDate(dateStr, reportingTimezone string, clock clockwork.Clock) (time.Time, error) {
	if dateStr != "" {
		return time.Parse("2006-01-02", dateStr)
	}

	loc, err := time.LoadLocation(reportingTimezone)
	if err != nil {
		return time.Time{}, err
	}

	yesterday := clock.Now().In(loc).AddDate(0, 0, -1)
	return time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC), nil
}
